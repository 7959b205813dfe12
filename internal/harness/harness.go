package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/campaignsync/internal/auth"
	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/connection"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ids"
	"github.com/roach88/campaignsync/internal/ledger"
	"github.com/roach88/campaignsync/internal/offline"
	"github.com/roach88/campaignsync/internal/realtime"
	"github.com/roach88/campaignsync/internal/remote"
	"github.com/roach88/campaignsync/internal/store"
	"github.com/roach88/campaignsync/internal/syncerr"
)

const (
	defaultUser   = "u-1"
	settleTimeout = 5 * time.Second
	pollInterval  = time.Millisecond
	sweepInterval = 2 * time.Millisecond
)

// Epoch is the manual clock's starting time in every scenario.
var Epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// errInjected is the cause of failures scripted with fail_next.
var errInjected = errors.New("injected failure")

// Harness runs one scenario. All collaborators are in-process and share a
// manual clock, and the offline queue concurrency is 1 so traces are
// reproducible.
type Harness struct {
	scenario *Scenario
	clock    *clock.Manual
	remote   *remote.Memory
	conn     *connection.Monitor
	session  *auth.Session
	queue    *offline.Queue
	coord    *realtime.Coordinator

	mu       sync.Mutex
	notices  []realtime.Notice
	consumed int
	writes   int
}

// Run executes a scenario and returns the result. Each run uses a fresh
// in-memory database.
//
// Execution flow:
//  1. Seed the remote store and start the coordinator
//  2. Execute each step and wait for the coordinator to go idle
//  3. Record step markers, notices, and remote writes
//  4. Evaluate assertions against the trace and final state
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, scenario, st)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = h.coord.Run(runCtx) }()
	defer func() {
		h.coord.Close()
		<-h.coord.Done()
	}()

	result := NewResult()
	if err := h.settle(ctx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	h.collect(result, 0, "start")

	for i, step := range scenario.Steps {
		n := i + 1
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", n, step.Action, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", n, step.Action, err)
		}
		h.collect(result, n, step.Action)
	}

	h.summarize(result)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario, st *store.Store) (*Harness, error) {
	user := scenario.User
	if user == "" {
		user = defaultUser
	}
	syncCtx := realtime.Context{UserID: user, CampaignID: scenario.Campaign}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	clk := clock.NewManual(Epoch)
	h := &Harness{
		scenario: scenario,
		clock:    clk,
		remote:   remote.NewMemory(remote.WithClock(clk)),
		conn:     connection.New(connection.WithDebounce(0), connection.WithLogger(quiet)),
		session:  auth.NewLoggedIn(user),
	}
	for _, d := range scenario.Seed {
		h.remote.Seed(d.Collection, d.ID, document.Fields(d.Fields))
	}
	if scenario.Offline {
		h.remote.SetOnline(false)
	} else {
		h.conn.SetConnected(true)
	}

	maxAttempts := scenario.Options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = offline.DefaultMaxAttempts
	}
	q, err := offline.Open(ctx, st, offline.Key(syncCtx.ID()), offline.RemoteExecutor{Adapter: h.remote},
		offline.WithMaxAttempts(maxAttempts),
		offline.WithConcurrency(1),
		offline.WithBackoff(time.Millisecond, 2*time.Millisecond),
		offline.WithClock(clk),
		offline.WithIDs(ids.NewSequential("op")),
		offline.WithJournal(st),
		offline.WithLogger(quiet),
	)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	h.queue = q

	h.coord, err = realtime.New(realtime.Config{
		Context:     syncCtx,
		Remote:      h.remote,
		Queue:       q,
		Connection:  h.conn,
		Auth:        h.session,
		Collections: realtime.CampaignCollections(syncCtx, scenario.Collections...),
	},
		realtime.WithClock(clk),
		realtime.WithIDs(ids.NewSequential("upd")),
		realtime.WithLogger(quiet),
		realtime.WithObserver(h.observe),
		realtime.WithSweepInterval(sweepInterval),
		realtime.WithMetricsInterval(0),
		realtime.WithConfirmTimeout(scenario.Options.ConfirmTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	return h, nil
}

func (h *Harness) observe(n realtime.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, n)
}

// execute performs one step. Steps whose outcome is part of the scenario
// (a mutate that should fail, a clear_error on an unknown id) record
// failures in result; an error return aborts the run.
func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	switch step.Action {
	case ActionMutate:
		_, err := h.coord.Mutate(ctx, ledger.Mutation{
			Collection: step.Collection,
			DocID:      step.ID,
			Op:         document.Op(step.Op),
			Value:      document.Fields(step.Value),
		})
		switch {
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("mutate %s/%s: %v", step.Collection, step.ID, err))
		case step.ExpectError != "" && !hasClass(err, step.ExpectError):
			result.AddError(fmt.Sprintf("mutate %s/%s: expected %s error, got %v",
				step.Collection, step.ID, step.ExpectError, err))
		}
	case ActionDisconnect:
		h.remote.SetOnline(false)
		h.conn.SetConnected(false)
	case ActionConnect:
		h.remote.SetOnline(true)
		h.conn.SetConnected(true)
	case ActionFailNext:
		errs := make([]error, len(step.Errors))
		for i, class := range step.Errors {
			if class == "permanent" {
				errs[i] = syncerr.Permanent(step.Collection, step.ID, errInjected)
			} else {
				errs[i] = syncerr.Transient(step.Collection, step.ID, errInjected)
			}
		}
		h.remote.FailNext(step.Collection, step.ID, errs...)
	case ActionRemoteWrite:
		h.remote.Seed(step.Collection, step.ID, document.Fields(step.Value))
	case ActionAdvance:
		return h.advance(ctx, step.Duration)
	case ActionLogin:
		h.session.Login(step.User)
	case ActionLogout:
		h.session.Logout()
	case ActionRetry:
		if err := h.queue.Retry(step.Target); err != nil {
			result.AddError(fmt.Sprintf("retry %s: %v", step.Target, err))
		}
	case ActionDiscard:
		if err := h.queue.Discard(step.Target); err != nil {
			result.AddError(fmt.Sprintf("discard %s: %v", step.Target, err))
		}
	case ActionClearError:
		if !h.coord.ClearError(step.Target) {
			result.AddError(fmt.Sprintf("clear_error %s: no errored update", step.Target))
		}
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func hasClass(err error, class string) bool {
	switch class {
	case "validation":
		return syncerr.IsValidation(err)
	case "transient":
		return syncerr.IsTransient(err)
	case "permanent":
		return syncerr.IsPermanent(err)
	case "torn_down":
		return errors.Is(err, realtime.ErrTornDown)
	}
	return false
}

// advance moves the clock and waits for two sweeps so at least one runs
// entirely after the jump.
func (h *Harness) advance(ctx context.Context, d time.Duration) error {
	before, err := h.coord.Status(ctx)
	if err != nil {
		return err
	}
	h.clock.Advance(d)
	return h.waitFor(ctx, func(st realtime.Status) bool {
		return st.State == realtime.StateTornDown || st.Sweeps >= before.Sweeps+2
	})
}

// settle waits until the coordinator has no outstanding work.
func (h *Harness) settle(ctx context.Context) error {
	return h.waitFor(ctx, func(st realtime.Status) bool {
		if st.State == realtime.StateTornDown {
			return true
		}
		return st.State != realtime.StateInitializing && st.Idle()
	})
}

func (h *Harness) waitFor(ctx context.Context, done func(realtime.Status) bool) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	var last realtime.Status
	for {
		st, err := h.coord.Status(ctx)
		if err == nil {
			if done(st) {
				return nil
			}
			last = st
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("coordinator did not settle (state %s, in flight %d, draining %t, queued %d): %w",
				last.State, last.InFlight, last.Draining, last.Metrics.QueuedOperations, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// collect appends the step marker, the notices observed since the last
// step, and the new remote writes.
func (h *Harness) collect(result *Result, step int, action string) {
	result.add(TraceEvent{Step: step, Type: EventStep, Action: action})

	h.mu.Lock()
	notices := h.notices[h.consumed:]
	h.consumed = len(h.notices)
	h.mu.Unlock()

	for _, n := range notices {
		if e, ok := noticeEvent(step, n); ok {
			result.add(e)
		}
	}

	writes := h.remote.Writes()
	for _, w := range writes[h.writes:] {
		e := TraceEvent{Step: step, Type: EventRemoteWrite, Collection: w.Collection, DocID: w.ID}
		if w.Op == "delete" {
			e.Type = EventRemoteDelete
		} else {
			e.Fields = w.Payload
		}
		result.add(e)
	}
	h.writes = len(writes)
}

func noticeEvent(step int, n realtime.Notice) (TraceEvent, bool) {
	e := TraceEvent{Step: step, Type: string(n.Kind)}
	if n.Err != nil {
		e.Error = n.Err.Error()
	}

	switch n.Kind {
	case realtime.NoticeStateChanged:
		e.Type = EventState
		e.State = n.State.String()
	case realtime.NoticeQueued, realtime.NoticeOperationFailed:
		if n.Operation == nil {
			return e, false
		}
		e.Collection = n.Operation.Collection
		e.DocID = n.Operation.DocID
		e.OpID = n.Operation.ID
		e.UpdateID = n.Operation.UpdateID
		if n.Kind == realtime.NoticeOperationFailed {
			e.Attempts = n.Operation.Attempts
		}
	case realtime.NoticeConfirmed, realtime.NoticeCorrected, realtime.NoticeFailed:
		if n.Update == nil {
			return e, false
		}
		e.Collection = n.Update.TargetCollection
		e.DocID = n.Update.TargetDocID
		e.UpdateID = n.Update.ID
		if n.Kind == realtime.NoticeCorrected && n.Document != nil {
			e.Fields = n.Document.Fields
		}
	default:
		return e, false
	}
	return e, true
}

func (h *Harness) summarize(result *Result) {
	q := h.queue.State()
	result.State["state"] = h.coord.State().String()
	result.State["queue_pending"] = len(q.Pending)
	result.State["queue_failed"] = len(q.Failed)
	result.State["errored_updates"] = len(h.coord.Errored())
	result.State["pending_updates"] = len(h.coord.Pending())
}
