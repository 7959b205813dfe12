package offline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

const tracerName = "github.com/roach88/campaignsync/internal/offline"

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeRequeued
	outcomeFailed
	outcomeCancelled
)

// Drain replays pending operations until the queue is empty or ctx is done.
//
// Each round takes the current pending list, groups it by document, and
// replays the groups concurrently (at most the configured concurrency) with
// each group applied in order. Rounds that requeued work are followed by a
// backoff pause. Operations enqueued while draining are picked up by the
// next round.
//
// If another Drain is already running, Drain returns immediately with
// Result.Skipped set. A cancelled drain returns ctx.Err(); the attempt in
// flight when cancellation hit is not counted.
func (q *Queue) Drain(ctx context.Context) (Result, error) {
	if !q.syncing.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer q.syncing.Store(false)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "offline.Queue.Drain",
		trace.WithAttributes(
			attribute.String("queue.key", q.key),
			attribute.Int("queue.pending", q.Len()),
		),
	)
	defer span.End()

	var res Result
	b := q.newBackOff()
	for {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context cancelled")
			return res, err
		}

		q.mu.Lock()
		batch := cloneOps(q.pending)
		q.mu.Unlock()
		if len(batch) == 0 {
			break
		}

		res.Rounds++
		requeued := q.round(ctx, batch, &res)
		if requeued == 0 {
			b.Reset()
			continue
		}

		delay := b.NextBackOff()
		q.logger.Debug("drain round requeued work", "key", q.key, "requeued", requeued, "backoff", delay)
		if err := sleep(ctx, delay); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context cancelled")
			return res, err
		}
	}

	span.SetAttributes(
		attribute.Int("drain.succeeded", res.Succeeded),
		attribute.Int("drain.requeued", res.Requeued),
		attribute.Int("drain.failed", res.Failed),
		attribute.Int("drain.rounds", res.Rounds),
	)
	if res.Succeeded+res.Failed > 0 {
		q.logger.Info("offline queue drained", "key", q.key,
			"succeeded", res.Succeeded, "failed", res.Failed, "requeued", res.Requeued, "rounds", res.Rounds)
	}
	return res, nil
}

// round replays one batch and returns how many groups were requeued.
func (q *Queue) round(ctx context.Context, batch []Operation, res *Result) int {
	groups := groupByDoc(batch)
	outcomes := make([][]outcome, len(groups))

	var g errgroup.Group
	g.SetLimit(q.concurrency)
	for i, group := range groups {
		g.Go(func() error {
			outcomes[i] = q.replayGroup(ctx, group)
			return nil
		})
	}
	_ = g.Wait()

	requeued := 0
	for _, outs := range outcomes {
		for _, o := range outs {
			switch o {
			case outcomeApplied:
				res.Succeeded++
			case outcomeFailed:
				res.Failed++
			case outcomeRequeued:
				res.Requeued++
				requeued++
			}
		}
	}
	return requeued
}

// replayGroup applies one document's operations in order. It stops at the
// first requeue or cancellation, leaving the rest for a later round.
func (q *Queue) replayGroup(ctx context.Context, group []Operation) []outcome {
	outs := make([]outcome, 0, len(group))
	for _, op := range group {
		if ctx.Err() != nil {
			return append(outs, outcomeCancelled)
		}

		doc, err := q.executor.Execute(ctx, op)
		switch {
		case err == nil:
			q.applied(op, doc)
			outs = append(outs, outcomeApplied)
		case ctx.Err() != nil:
			return append(outs, outcomeCancelled)
		case syncerr.IsTransient(err):
			if q.requeue(op, err) {
				return append(outs, outcomeRequeued)
			}
			outs = append(outs, outcomeFailed)
		default:
			q.fail(op, err)
			outs = append(outs, outcomeFailed)
		}
	}
	return outs
}

func (q *Queue) applied(op Operation, doc document.Document) {
	q.mu.Lock()
	if i := indexOf(q.pending, op.ID); i >= 0 {
		op = q.pending[i]
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.persistLocked()
	}
	q.mu.Unlock()

	q.metrics.replayed(outcomeApplied)
	q.record(op, EventSucceeded, "")
	q.notifySuccess(op, doc)
}

// requeue counts a transient attempt. Below the cap it moves op and every
// later pending operation on the same document to the tail, in their
// current relative order, and returns true. At the cap op moves to the
// failed list and requeue returns false.
func (q *Queue) requeue(op Operation, cause error) bool {
	q.mu.Lock()
	i := indexOf(q.pending, op.ID)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	cur := q.pending[i]
	cur.Attempts++
	cur.LastError = cause.Error()

	if cur.Attempts >= q.maxAttempts {
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.failed = append(q.failed, cur)
		q.persistLocked()
		q.mu.Unlock()

		q.metrics.replayed(outcomeFailed)
		q.record(cur, EventFailed, cur.LastError)
		q.logger.Warn("operation exhausted retries", "key", q.key, "op", cur.ID,
			"collection", cur.Collection, "doc", cur.DocID, "attempts", cur.Attempts, "error", cause)
		q.notifyFailure(cur, cause)
		return false
	}

	q.pending[i] = cur
	keep := make([]Operation, 0, len(q.pending))
	var moved []Operation
	for j, p := range q.pending {
		if j >= i && p.DocID == cur.DocID && p.Collection == cur.Collection {
			moved = append(moved, p)
			continue
		}
		keep = append(keep, p)
	}
	q.pending = append(keep, moved...)
	q.persistLocked()
	q.mu.Unlock()

	q.metrics.replayed(outcomeRequeued)
	q.record(cur, EventRequeued, cur.LastError)
	return true
}

func (q *Queue) fail(op Operation, cause error) {
	q.mu.Lock()
	i := indexOf(q.pending, op.ID)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	cur := q.pending[i]
	cur.Attempts++
	cur.LastError = cause.Error()
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	q.failed = append(q.failed, cur)
	q.persistLocked()
	q.mu.Unlock()

	q.metrics.replayed(outcomeFailed)
	q.record(cur, EventFailed, cur.LastError)
	q.logger.Warn("operation rejected", "key", q.key, "op", cur.ID,
		"collection", cur.Collection, "doc", cur.DocID, "error", cause)
	q.notifyFailure(cur, cause)
}

// groupByDoc splits ops by (collection, doc id), keeping enqueue order
// within each group and ordering groups by first appearance.
func groupByDoc(ops []Operation) [][]Operation {
	type target struct{ collection, docID string }
	index := make(map[target]int)
	var groups [][]Operation
	for _, op := range ops {
		t := target{op.Collection, op.DocID}
		i, ok := index[t]
		if !ok {
			i = len(groups)
			index[t] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], op)
	}
	return groups
}

// newBackOff returns the pause schedule between drain rounds: backoffMin,
// doubling up to backoffMax, without jitter.
func (q *Queue) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: q.backoffMin,
		Multiplier:      2,
		MaxInterval:     q.backoffMax,
	}
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
