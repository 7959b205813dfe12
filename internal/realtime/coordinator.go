package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/campaignsync/internal/auth"
	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/connection"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ids"
	"github.com/roach88/campaignsync/internal/ledger"
	"github.com/roach88/campaignsync/internal/offline"
	"github.com/roach88/campaignsync/internal/remote"
	"github.com/roach88/campaignsync/internal/subscription"
	"github.com/roach88/campaignsync/internal/syncerr"
)

const (
	DefaultSweepInterval   = time.Second
	DefaultMetricsInterval = 30 * time.Second
	DefaultConfirmTimeout  = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
)

// ConnectionSource is the connection monitor capability the coordinator
// needs.
type ConnectionSource interface {
	State() connection.State
	OnChange(connection.Listener) (unsubscribe func())
}

// Config holds a coordinator's collaborators.
type Config struct {
	Context     Context
	Remote      remote.Adapter
	Queue       *offline.Queue
	Connection  ConnectionSource
	Auth        auth.Source
	Collections []Collection
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for ledger timestamps.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithIDs sets the ledger entry id generator.
func WithIDs(g ids.Generator) Option {
	return func(co *Coordinator) {
		co.ids = g
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		co.logger = l
	}
}

// WithObserver receives every notice.
func WithObserver(o Observer) Option {
	return func(co *Coordinator) {
		co.observer = o
	}
}

// WithSweepInterval sets how often expired optimistic entries are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(co *Coordinator) {
		co.sweepInterval = d
	}
}

// WithMetricsInterval sets how often the metrics notice is emitted.
func WithMetricsInterval(d time.Duration) Option {
	return func(co *Coordinator) {
		co.metricsInterval = d
	}
}

// WithConfirmTimeout sets how long an optimistic entry may stay pending
// before the sweep marks it errored. Zero disables expiry.
func WithConfirmTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		co.confirmTimeout = d
	}
}

// WithWriteTimeout bounds each direct remote write.
func WithWriteTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		co.writeTimeout = d
	}
}

type target struct {
	collection string
	docID      string
}

// pendingWrite is a direct write waiting in (or at the head of) its
// document's chain.
type pendingWrite struct {
	updateID string
	op       offline.Operation
}

// Coordinator is the realtime coordinator for one context.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - Mutate(), Close(), State(), Documents(), Watch(): safe from any goroutine
type Coordinator struct {
	ctx         Context
	remote      remote.Adapter
	offline     *offline.Queue
	conn        ConnectionSource
	auth        auth.Source
	collections []Collection

	clock    clock.Clock
	ids      ids.Generator
	logger   *slog.Logger
	observer Observer
	metrics  *coordinatorMetrics

	sweepInterval   time.Duration
	metricsInterval time.Duration
	confirmTimeout  time.Duration
	writeTimeout    time.Duration

	events  *eventQueue
	ledger  *ledger.Ledger
	subs    *subscription.Manager
	running atomic.Bool
	state   atomic.Int32
	done    chan struct{}

	// Owned by the Run goroutine.
	runCtx        context.Context
	cancelWork    context.CancelFunc
	work          sync.WaitGroup
	connected     bool
	chains        map[target][]pendingWrite
	unsubscribed  []Collection
	draining      bool
	cancelDrain   context.CancelFunc
	reconnectSpan trace.Span
	detach        []func()
	sweeps        uint64
}

// New creates a coordinator in StateIdle.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	switch {
	case cfg.Context.UserID == "":
		return nil, syncerr.Validation("coordinator: user id is required")
	case cfg.Remote == nil:
		return nil, syncerr.Validation("coordinator: remote adapter is required")
	case cfg.Queue == nil:
		return nil, syncerr.Validation("coordinator: offline queue is required")
	case cfg.Connection == nil:
		return nil, syncerr.Validation("coordinator: connection source is required")
	case cfg.Auth == nil:
		return nil, syncerr.Validation("coordinator: auth source is required")
	}

	c := &Coordinator{
		ctx:             cfg.Context,
		remote:          cfg.Remote,
		offline:         cfg.Queue,
		conn:            cfg.Connection,
		auth:            cfg.Auth,
		collections:     append([]Collection(nil), cfg.Collections...),
		clock:           clock.System{},
		ids:             ids.UUIDv7Generator{},
		logger:          slog.Default(),
		sweepInterval:   DefaultSweepInterval,
		metricsInterval: DefaultMetricsInterval,
		confirmTimeout:  DefaultConfirmTimeout,
		writeTimeout:    DefaultWriteTimeout,
		events:          newEventQueue(),
		done:            make(chan struct{}),
		chains:          make(map[target][]pendingWrite),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("context", c.ctx.ID())
	c.ledger = ledger.New(ledger.WithClock(c.clock), ledger.WithIDs(c.ids))
	c.subs = subscription.New(c.remote, subscription.WithLogger(c.logger))
	c.metrics = newCoordinatorMetrics(c.logger)
	return c, nil
}

// Context returns the coordinator's context.
func (c *Coordinator) Context() Context {
	return c.ctx
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Queue returns the coordinator's offline queue.
func (c *Coordinator) Queue() *offline.Queue {
	return c.offline
}

// Pending returns the pending optimistic entries.
func (c *Coordinator) Pending() []ledger.OptimisticUpdate {
	return c.ledger.Pending()
}

// Errored returns optimistic entries whose write failed or timed out.
func (c *Coordinator) Errored() []ledger.OptimisticUpdate {
	return c.ledger.Errored()
}

// ClearError acknowledges an errored optimistic entry.
func (c *Coordinator) ClearError(id string) bool {
	u, ok := c.ledger.Get(id)
	if !ok || u.Pending() {
		return false
	}
	return c.ledger.Clear(id)
}

// Mutate applies a local change optimistically and returns the ledger entry
// id. Validation errors are returned before anything is recorded.
func (c *Coordinator) Mutate(ctx context.Context, m ledger.Mutation) (string, error) {
	op := offline.Operation{Type: m.Op, Collection: m.Collection, DocID: m.DocID, Payload: m.Value}
	if err := op.Validate(); err != nil {
		return "", err
	}
	if c.State() == StateTornDown {
		return "", ErrTornDown
	}

	reply := make(chan mutateReply, 1)
	if !c.events.Enqueue(event{Type: eventMutate, Mutation: m, Reply: reply}) {
		return "", ErrTornDown
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Watch opens an additional subscription in this context. Snapshots reach
// fn directly and also feed reconciliation.
func (c *Coordinator) Watch(ctx context.Context, collection string, filters document.Filters, fn remote.SnapshotFunc) (func(), error) {
	if c.State() == StateTornDown {
		return nil, ErrTornDown
	}
	return c.subs.Subscribe(ctx, collection, filters, func(s document.Snapshot) {
		if fn != nil {
			fn(s)
		}
		c.events.Enqueue(event{Type: eventSnapshot, Snapshot: s})
	})
}

// Status reports the loop's view of outstanding work. The answer reflects
// every event posted before the call.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !c.events.Enqueue(event{Type: eventStatus, Status: reply}) {
		return Status{State: c.State()}, nil
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Close requests teardown. Run returns once it is done.
func (c *Coordinator) Close() {
	c.events.Enqueue(event{Type: eventClose})
}

// Run drives the coordinator until teardown or ctx cancellation.
//
// On event processing failure, the error is logged with event context and
// processing continues.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	c.runCtx, c.cancelWork = context.WithCancel(ctx)
	defer c.cancelWork()

	c.setState(StateInitializing)
	c.attach()
	c.initialize()

	sweep := newTicker(c.sweepInterval)
	defer sweep.Stop()
	metrics := newTicker(c.metricsInterval)
	defer metrics.Stop()

	for c.State() != StateTornDown {
		if ev, ok := c.events.TryDequeue(); ok {
			if err := c.processEvent(ev); err != nil {
				c.logger.Error("event processing failed", "event", ev.Type.String(), "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.teardown("context cancelled")
		case <-c.events.Wait():
		case <-sweep.C():
			c.sweep()
		case <-metrics.C():
			c.emitMetrics()
		}
	}

	for _, ev := range c.events.Close() {
		c.rejectAfterTeardown(ev)
	}
	c.work.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

// attach registers the external listeners that feed the loop.
func (c *Coordinator) attach() {
	c.detach = append(c.detach,
		c.conn.OnChange(func(s connection.State) {
			c.events.Enqueue(event{Type: eventConnection, Connection: s})
		}),
		c.auth.Subscribe(func(e auth.Event) {
			c.events.Enqueue(event{Type: eventAuth, Auth: e})
		}),
	)
	c.offline.OnSuccess(func(op offline.Operation, doc document.Document) {
		c.events.Enqueue(event{Type: eventReplayed, Operation: op, Document: doc})
	})
	c.offline.OnFailure(func(op offline.Operation, err error) {
		c.events.Enqueue(event{Type: eventOperationFailed, Operation: op, Err: err})
	})
}

func (c *Coordinator) initialize() {
	if a := c.auth.Current(); !a.LoggedIn || a.UserID != c.ctx.UserID {
		c.teardown("not logged in as context user")
		return
	}

	for _, col := range c.collections {
		if err := c.subscribeBase(col); err != nil {
			c.logger.Warn("base subscription deferred", "collection", col.Name, "error", err)
			c.unsubscribed = append(c.unsubscribed, col)
		}
	}

	c.connected = c.conn.State().IsConnected
	c.logger.Info("coordinator initialized",
		"collections", len(c.collections), "deferred", len(c.unsubscribed),
		"queued", c.offline.Len(), "connected", c.connected)

	if !c.connected {
		c.setState(StateSuspended)
		return
	}
	c.resume()
}

func (c *Coordinator) subscribeBase(col Collection) error {
	_, err := c.subs.Subscribe(c.runCtx, col.Name, col.Filters, func(s document.Snapshot) {
		c.events.Enqueue(event{Type: eventSnapshot, Snapshot: s})
	})
	return err
}

func (c *Coordinator) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Info("coordinator state changed", "from", prev.String(), "to", s.String())
	c.notify(Notice{Kind: NoticeStateChanged})
}

func (c *Coordinator) notify(n Notice) {
	n.State = c.State()
	if c.observer != nil {
		c.observer(n)
	}
}

// ticker is a time.Ticker that tolerates a non-positive interval by never
// firing.
type ticker struct {
	t *time.Ticker
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	return ticker{t: time.NewTicker(d)}
}

func (t ticker) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

func (t ticker) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

func (c *Coordinator) String() string {
	return fmt.Sprintf("coordinator(%s, %s)", c.ctx.ID(), c.State())
}
