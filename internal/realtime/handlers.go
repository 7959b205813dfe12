package realtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ledger"
	"github.com/roach88/campaignsync/internal/offline"
	"github.com/roach88/campaignsync/internal/syncerr"
)

const tracerName = "github.com/roach88/campaignsync/internal/realtime"

func (c *Coordinator) processEvent(ev event) error {
	if c.State() == StateTornDown {
		c.rejectAfterTeardown(ev)
		return nil
	}

	switch ev.Type {
	case eventConnection:
		c.handleConnection(ev.Connection.IsConnected)
	case eventAuth:
		if !ev.Auth.LoggedIn {
			c.teardown("logged out")
		} else if ev.Auth.UserID != c.ctx.UserID {
			c.teardown("user changed")
		}
	case eventSnapshot:
		c.handleSnapshot(ev.Snapshot)
	case eventMutate:
		id, err := c.handleMutate(ev.Mutation)
		ev.Reply <- mutateReply{id: id, err: err}
		return err
	case eventWriteDone:
		c.handleWriteDone(ev.Operation, ev.Document, ev.Err)
	case eventDrainDone:
		c.handleDrainDone(ev.Drain, ev.Err)
	case eventReplayed:
		c.resolve(ev.Operation.UpdateID, ev.Document)
	case eventOperationFailed:
		op := ev.Operation
		c.notify(Notice{Kind: NoticeOperationFailed, Operation: &op, Err: ev.Err})
		c.failUpdate(op.UpdateID, ev.Err)
	case eventStatus:
		ev.Status <- c.status()
	case eventClose:
		c.teardown("closed")
	default:
		return fmt.Errorf("unknown event type %d", ev.Type)
	}
	return nil
}

func (c *Coordinator) handleConnection(connected bool) {
	if connected == c.connected {
		return
	}
	c.connected = connected

	if !connected {
		if c.draining {
			c.cancelDrain()
		}
		if c.State() == StateActive {
			c.setState(StateSuspended)
		}
		return
	}
	if c.State() == StateSuspended && !c.draining {
		c.resume()
	}
}

func (c *Coordinator) handleSnapshot(snap document.Snapshot) {
	c.notify(Notice{Kind: NoticeSnapshot, Snapshot: &snap})

	// Reconnect reconciles against the freshest snapshots once the queue
	// has drained.
	if c.State() != StateActive {
		return
	}
	c.reconcile(snap)
}

// settled reports whether nothing is still on its way to the remote store
// for the entry's document.
func (c *Coordinator) settled(u ledger.OptimisticUpdate) bool {
	if _, busy := c.chains[target{u.TargetCollection, u.TargetDocID}]; busy {
		return false
	}
	return !c.offline.Contains(u.TargetCollection, u.TargetDocID)
}

func (c *Coordinator) reconcile(snap document.Snapshot) {
	for _, r := range c.ledger.ReconcileWhere(snap, c.settled) {
		u := r.Update
		n := Notice{Kind: NoticeConfirmed, Update: &u, Document: r.Document}
		if r.Conflict != nil {
			n.Kind = NoticeCorrected
			n.Err = r.Conflict
			c.logger.Info("optimistic update corrected by remote", "update", u.ID,
				"collection", u.TargetCollection, "doc", u.TargetDocID)
		}
		c.notify(n)
	}
}

func (c *Coordinator) handleMutate(m ledger.Mutation) (string, error) {
	id := c.ledger.Begin(m)
	op := offline.Operation{
		Type:       m.Op,
		Collection: m.Collection,
		DocID:      m.DocID,
		Payload:    m.Value,
		UpdateID:   id,
	}
	t := target{m.Collection, m.DocID}

	switch {
	case len(c.chains[t]) > 0:
		// Keep behind the write already in flight for this document.
		c.chains[t] = append(c.chains[t], pendingWrite{updateID: id, op: op})
	case c.State() == StateActive && !c.offline.Contains(m.Collection, m.DocID):
		c.chains[t] = []pendingWrite{{updateID: id, op: op}}
		c.startWrite(op)
	default:
		// Active with queued work for this document: the sweep tick drains it.
		if err := c.enqueue(op); err != nil {
			c.ledger.Fail(id, err)
			return "", err
		}
	}
	return id, nil
}

func (c *Coordinator) enqueue(op offline.Operation) error {
	queued, err := c.offline.Enqueue(op)
	if err != nil {
		return fmt.Errorf("queue %s %s/%s: %w", op.Type, op.Collection, op.DocID, err)
	}
	c.notify(Notice{Kind: NoticeQueued, Operation: &queued})
	return nil
}

func (c *Coordinator) startWrite(op offline.Operation) {
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		ctx, cancel := context.WithTimeout(c.runCtx, c.writeTimeout)
		defer cancel()
		doc, err := offline.RemoteExecutor{Adapter: c.remote}.Execute(ctx, op)
		c.events.Enqueue(event{Type: eventWriteDone, Operation: op, Document: doc, Err: err})
	}()
}

func (c *Coordinator) handleWriteDone(op offline.Operation, doc document.Document, err error) {
	t := target{op.Collection, op.DocID}
	chain := c.chains[t]
	if len(chain) == 0 || chain[0].updateID != op.UpdateID {
		c.logger.Warn("write completion without chain", "update", op.UpdateID)
		return
	}
	rest := chain[1:]

	switch {
	case err == nil:
		c.resolve(op.UpdateID, doc)
	case syncerr.IsTransient(err):
		// The head and everything behind it move to the offline queue in order.
		c.logger.Info("write deferred to offline queue", "update", op.UpdateID,
			"collection", op.Collection, "doc", op.DocID, "error", err)
		delete(c.chains, t)
		for _, w := range chain {
			if qerr := c.enqueue(w.op); qerr != nil {
				c.failUpdate(w.updateID, qerr)
			}
		}
		return
	default:
		c.logger.Warn("write rejected", "update", op.UpdateID,
			"collection", op.Collection, "doc", op.DocID, "error", err)
		c.failUpdate(op.UpdateID, err)
	}

	if len(rest) == 0 {
		delete(c.chains, t)
		return
	}
	c.chains[t] = rest
	if c.State() == StateActive {
		c.startWrite(rest[0].op)
		return
	}
	// Suspended: the rest waits in the offline queue.
	delete(c.chains, t)
	for _, w := range rest {
		if qerr := c.enqueue(w.op); qerr != nil {
			c.failUpdate(w.updateID, qerr)
		}
	}
}

func (c *Coordinator) resolve(updateID string, doc document.Document) {
	if updateID == "" {
		return
	}
	u, ok := c.ledger.Resolve(updateID, doc.Fields)
	if !ok {
		return
	}
	n := Notice{Kind: NoticeConfirmed, Update: &u}
	if doc.ID != "" {
		d := doc
		n.Document = &d
	}
	c.notify(n)
}

func (c *Coordinator) failUpdate(updateID string, err error) {
	if updateID == "" || !c.ledger.Fail(updateID, err) {
		return
	}
	u, _ := c.ledger.Get(updateID)
	c.notify(Notice{Kind: NoticeFailed, Update: &u, Err: err})
}

// resume starts recovery after the connection came back.
func (c *Coordinator) resume() {
	if c.reconnectSpan == nil {
		_, c.reconnectSpan = otel.Tracer(tracerName).Start(c.runCtx, "realtime.Coordinator.Reconnect",
			trace.WithAttributes(
				attribute.String("sync.context", c.ctx.ID()),
				attribute.Int("queue.pending", c.offline.Len()),
			),
		)
	}
	if c.offline.Len() > 0 {
		c.setState(StateSuspended)
		c.startDrain()
		return
	}
	c.finishRecovery()
}

func (c *Coordinator) startDrain() {
	if c.draining {
		return
	}
	c.draining = true
	ctx, cancel := context.WithCancel(c.runCtx)
	c.cancelDrain = cancel

	c.work.Add(1)
	go func() {
		defer c.work.Done()
		defer cancel()
		res, err := c.offline.Drain(ctx)
		c.events.Enqueue(event{Type: eventDrainDone, Drain: res, Err: err})
	}()
}

func (c *Coordinator) handleDrainDone(res offline.Result, err error) {
	c.draining = false
	c.cancelDrain = nil

	if err != nil {
		c.logger.Info("offline drain interrupted", "error", err,
			"succeeded", res.Succeeded, "failed", res.Failed)
		if c.reconnectSpan != nil {
			c.reconnectSpan.RecordError(err)
		}
	}
	if res.Skipped {
		c.logger.Debug("offline drain skipped: already in progress")
	}

	if !c.connected {
		return
	}
	if c.offline.Len() > 0 {
		c.startDrain()
		return
	}
	if c.State() == StateSuspended {
		c.finishRecovery()
	}
}

// finishRecovery runs the post-drain steps and activates the context.
func (c *Coordinator) finishRecovery() {
	renewed, err := c.revalidate()
	if err != nil {
		c.logger.Warn("subscription revalidation incomplete", "error", err)
	}

	for _, snap := range c.subs.Latest() {
		c.reconcile(snap)
	}
	c.setState(StateActive)

	if span := c.reconnectSpan; span != nil {
		span.SetAttributes(attribute.Int("subscriptions.renewed", renewed))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.reconnectSpan = nil
	}
}

// revalidate renews stale subscriptions and retries deferred base ones.
func (c *Coordinator) revalidate() (int, error) {
	renewed, err := c.subs.Revalidate(c.runCtx)

	deferred := c.unsubscribed
	c.unsubscribed = nil
	for _, col := range deferred {
		if serr := c.subscribeBase(col); serr != nil {
			c.unsubscribed = append(c.unsubscribed, col)
			err = joinErr(err, serr)
			continue
		}
		renewed++
	}
	return renewed, err
}

func joinErr(a, b error) error {
	if a == nil {
		return b
	}
	return errors.Join(a, b)
}

func (c *Coordinator) sweep() {
	c.sweeps++
	if c.State() == StateActive && c.connected {
		if c.offline.Len() > 0 {
			c.startDrain()
		}
		if len(c.unsubscribed) > 0 || c.subs.StaleCount() > 0 {
			if _, err := c.revalidate(); err != nil {
				c.logger.Debug("background revalidation failed", "error", err)
			}
		}
	}
	// Replayed entries are resolved by drain results queued ahead of
	// eventDrainDone.
	if c.draining {
		return
	}
	for _, u := range c.ledger.SweepWhere(c.confirmTimeout, func(u ledger.OptimisticUpdate) bool {
		return !c.offline.Contains(u.TargetCollection, u.TargetDocID)
	}) {
		c.logger.Warn("optimistic update unconfirmed", "update", u.ID,
			"collection", u.TargetCollection, "doc", u.TargetDocID)
		c.notify(Notice{Kind: NoticeFailed, Update: &u, Err: u.Err})
	}
}

func (c *Coordinator) rejectAfterTeardown(ev event) {
	if ev.Reply != nil {
		ev.Reply <- mutateReply{err: ErrTornDown}
	}
	if ev.Status != nil {
		ev.Status <- c.status()
	}
}

func (c *Coordinator) status() Status {
	inFlight := 0
	for _, chain := range c.chains {
		inFlight += len(chain)
	}
	return Status{
		State:     c.State(),
		Connected: c.connected,
		Draining:  c.draining,
		InFlight:  inFlight,
		Sweeps:    c.sweeps,
		Metrics:   c.snapshotMetrics(),
	}
}

func (c *Coordinator) snapshotMetrics() Metrics {
	q := c.offline.State()
	return Metrics{
		PendingUpdates:     len(c.ledger.Pending()),
		ErroredUpdates:     len(c.ledger.Errored()),
		QueuedOperations:   len(q.Pending),
		FailedOperations:   len(q.Failed),
		Subscriptions:      c.subs.Count(),
		StaleSubscriptions: c.subs.StaleCount(),
	}
}

func (c *Coordinator) emitMetrics() {
	m := c.snapshotMetrics()
	c.metrics.record(c.ctx, m)
	c.logger.Debug("sync metrics",
		"pending_updates", m.PendingUpdates, "errored_updates", m.ErroredUpdates,
		"queued", m.QueuedOperations, "failed", m.FailedOperations,
		"subscriptions", m.Subscriptions, "stale", m.StaleSubscriptions)
	c.notify(Notice{Kind: NoticeMetrics, Metrics: &m})
}

func (c *Coordinator) teardown(reason string) {
	if c.State() == StateTornDown {
		return
	}
	c.logger.Info("tearing down sync context", "reason", reason)

	if c.cancelDrain != nil {
		c.cancelDrain()
		c.cancelDrain = nil
	}
	c.draining = false

	// Unfinished direct writes persist for the context's next session.
	for t, chain := range c.chains {
		for _, w := range chain {
			if _, err := c.offline.Enqueue(w.op); err != nil {
				c.logger.Error("persist unfinished write", "update", w.updateID, "error", err)
			}
		}
		delete(c.chains, t)
	}
	c.cancelWork()

	for _, fn := range c.detach {
		fn()
	}
	c.detach = nil
	c.offline.ClearListeners()
	c.subs.UnsubscribeAll()
	c.ledger.Reset()

	if c.reconnectSpan != nil {
		c.reconnectSpan.SetStatus(codes.Error, "torn down")
		c.reconnectSpan.End()
		c.reconnectSpan = nil
	}
	c.setState(StateTornDown)
}
