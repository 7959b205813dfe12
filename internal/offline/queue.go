package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ids"
	"github.com/roach88/campaignsync/internal/store"
)

const (
	// DefaultMaxAttempts is how many times an operation is tried before it
	// moves to the failed list.
	DefaultMaxAttempts = 5

	// DefaultConcurrency caps how many documents replay at once.
	DefaultConcurrency = 4

	defaultBackoffMin = 500 * time.Millisecond
	defaultBackoffMax = 8 * time.Second

	persistenceVersion = 1
)

// ErrNotFound is returned by Retry and Discard for unknown operation ids.
var ErrNotFound = errors.New("operation not found")

// Persistence stores the serialized queue.
type Persistence interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) (blob []byte, found bool, err error)
}

// Journal records queue lifecycle events. Optional.
type Journal interface {
	Append(ctx context.Context, e store.JournalEntry) error
}

// Journal event names.
const (
	EventEnqueued  = "enqueued"
	EventSucceeded = "succeeded"
	EventRequeued  = "requeued"
	EventFailed    = "failed"
	EventRetried   = "retried"
	EventDiscarded = "discarded"
)

// FailureListener is notified when an operation moves to the failed list
// during a drain.
type FailureListener func(op Operation, err error)

// SuccessListener is notified when a replayed operation is applied.
type SuccessListener func(op Operation, doc document.Document)

// KeyPrefix prefixes every queue persistence key.
const KeyPrefix = "offline-queue/"

// Key returns the persistence key for the queue owned by a sync context
// (typically "<user>/<campaign>").
func Key(contextID string) string {
	return KeyPrefix + contextID
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the attempt cap. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.maxAttempts = n
		}
	}
}

// WithConcurrency sets how many documents replay concurrently.
// Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.concurrency = n
		}
	}
}

// WithBackoff sets the pause between drain rounds that requeued work.
// The pause doubles each round up to hi.
func WithBackoff(lo, hi time.Duration) Option {
	return func(q *Queue) {
		if lo > 0 {
			q.backoffMin = lo
		}
		if hi >= q.backoffMin {
			q.backoffMax = hi
		}
	}
}

// WithClock sets the clock used for EnqueuedAt.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithIDs sets the operation id generator.
func WithIDs(g ids.Generator) Option {
	return func(q *Queue) {
		q.ids = g
	}
}

// WithJournal records lifecycle events.
func WithJournal(j Journal) Option {
	return func(q *Queue) {
		q.journal = j
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// Queue is the offline operation queue for one user.
type Queue struct {
	key         string
	persistence Persistence
	executor    Executor
	journal     Journal
	clock       clock.Clock
	ids         ids.Generator
	logger      *slog.Logger
	metrics     *queueMetrics

	maxAttempts int
	concurrency int
	backoffMin  time.Duration
	backoffMax  time.Duration

	syncing atomic.Bool

	mu      sync.Mutex
	pending []Operation
	failed  []Operation
	seq     *clock.Sequence

	listenerMu       sync.Mutex
	nextListener     int
	failureListeners map[int]FailureListener
	successListeners map[int]SuccessListener
}

type persisted struct {
	Version int         `json:"version"`
	Pending []Operation `json:"pending"`
	Failed  []Operation `json:"failed"`
}

// Open loads the queue stored under key and returns it ready for use.
// A missing key yields an empty queue.
func Open(ctx context.Context, p Persistence, key string, exec Executor, opts ...Option) (*Queue, error) {
	q := &Queue{
		key:              key,
		persistence:      p,
		executor:         exec,
		clock:            clock.System{},
		ids:              ids.UUIDv7Generator{},
		logger:           slog.Default(),
		maxAttempts:      DefaultMaxAttempts,
		concurrency:      DefaultConcurrency,
		backoffMin:       defaultBackoffMin,
		backoffMax:       defaultBackoffMax,
		failureListeners: make(map[int]FailureListener),
		successListeners: make(map[int]SuccessListener),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.metrics = newQueueMetrics(q.logger)

	blob, found, err := p.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load queue %q: %w", key, err)
	}
	var maxSeq int64
	if found && len(blob) > 0 {
		var state persisted
		if err := json.Unmarshal(blob, &state); err != nil {
			return nil, fmt.Errorf("decode queue %q: %w", key, err)
		}
		if state.Version != persistenceVersion {
			return nil, fmt.Errorf("decode queue %q: unsupported version %d", key, state.Version)
		}
		q.pending = state.Pending
		q.failed = state.Failed
		for _, op := range q.pending {
			maxSeq = max(maxSeq, op.Seq)
		}
		for _, op := range q.failed {
			maxSeq = max(maxSeq, op.Seq)
		}
	}
	q.seq = clock.NewSequenceAt(maxSeq)

	if len(q.pending) > 0 || len(q.failed) > 0 {
		q.logger.Info("offline queue restored", "key", key, "pending", len(q.pending), "failed", len(q.failed))
	}
	return q, nil
}

// Key returns the persistence key.
func (q *Queue) Key() string {
	return q.key
}

// Enqueue validates op and appends it to the pending list. It never touches
// the network. ID, Seq, EnqueuedAt and Attempts are assigned by the queue
// (a caller-supplied ID is kept).
func (q *Queue) Enqueue(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	op = op.clone()
	if op.ID == "" {
		op.ID = q.ids.Generate()
	}
	op.Attempts = 0
	op.LastError = ""
	op.EnqueuedAt = q.clock.Now()

	q.mu.Lock()
	op.Seq = q.seq.Next()
	q.pending = append(q.pending, op)
	q.persistLocked()
	q.mu.Unlock()

	q.record(op, EventEnqueued, "")
	q.logger.Debug("operation enqueued", "op", op.ID, "type", op.Type, "collection", op.Collection, "doc", op.DocID)
	return op.clone(), nil
}

// State returns a copy of the pending and failed lists.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		Pending:        cloneOps(q.pending),
		Failed:         cloneOps(q.failed),
		SyncInProgress: q.syncing.Load(),
	}
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Contains reports whether a pending operation targets the document.
func (q *Queue) Contains(collection, docID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.pending {
		if op.Collection == collection && op.DocID == docID {
			return true
		}
	}
	return false
}

// SyncInProgress reports whether a drain is running.
func (q *Queue) SyncInProgress() bool {
	return q.syncing.Load()
}

// Retry moves a failed operation back to the tail of the pending list with
// its attempt count reset.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	i := indexOf(q.failed, id)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}
	op := q.failed[i]
	q.failed = append(q.failed[:i], q.failed[i+1:]...)
	op.Attempts = 0
	op.LastError = ""
	op.Seq = q.seq.Next()
	q.pending = append(q.pending, op)
	q.persistLocked()
	q.mu.Unlock()

	q.record(op, EventRetried, "")
	return nil
}

// Discard removes a failed operation permanently.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	i := indexOf(q.failed, id)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("discard %s: %w", id, ErrNotFound)
	}
	op := q.failed[i]
	q.failed = append(q.failed[:i], q.failed[i+1:]...)
	q.persistLocked()
	q.mu.Unlock()

	q.record(op, EventDiscarded, "")
	return nil
}

// OnFailure registers a listener and returns its unsubscribe function.
func (q *Queue) OnFailure(l FailureListener) func() {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	id := q.nextListener
	q.nextListener++
	q.failureListeners[id] = l
	return func() {
		q.listenerMu.Lock()
		defer q.listenerMu.Unlock()
		delete(q.failureListeners, id)
	}
}

// OnSuccess registers a listener and returns its unsubscribe function.
func (q *Queue) OnSuccess(l SuccessListener) func() {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	id := q.nextListener
	q.nextListener++
	q.successListeners[id] = l
	return func() {
		q.listenerMu.Lock()
		defer q.listenerMu.Unlock()
		delete(q.successListeners, id)
	}
}

// ClearListeners drops every registered listener. Queued operations are
// untouched.
func (q *Queue) ClearListeners() {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	clear(q.failureListeners)
	clear(q.successListeners)
}

func (q *Queue) notifyFailure(op Operation, err error) {
	q.listenerMu.Lock()
	ls := make([]FailureListener, 0, len(q.failureListeners))
	for _, l := range q.failureListeners {
		ls = append(ls, l)
	}
	q.listenerMu.Unlock()
	for _, l := range ls {
		l(op.clone(), err)
	}
}

func (q *Queue) notifySuccess(op Operation, doc document.Document) {
	q.listenerMu.Lock()
	ls := make([]SuccessListener, 0, len(q.successListeners))
	for _, l := range q.successListeners {
		ls = append(ls, l)
	}
	q.listenerMu.Unlock()
	for _, l := range ls {
		l(op.clone(), doc)
	}
}

// persistLocked writes both lists. A failed save is logged; the in-memory
// queue stays authoritative and the next change writes it again.
func (q *Queue) persistLocked() {
	blob, err := json.Marshal(persisted{
		Version: persistenceVersion,
		Pending: q.pending,
		Failed:  q.failed,
	})
	if err != nil {
		q.logger.Error("encode offline queue", "key", q.key, "error", err)
		return
	}
	if err := q.persistence.Save(context.Background(), q.key, blob); err != nil {
		q.logger.Warn("persist offline queue", "key", q.key, "error", err)
	}
}

func (q *Queue) record(op Operation, event, detail string) {
	if q.journal == nil {
		return
	}
	err := q.journal.Append(context.Background(), store.JournalEntry{
		Key:      q.key,
		OpID:     op.ID,
		Event:    event,
		Attempts: op.Attempts,
		Detail:   detail,
	})
	if err != nil {
		q.logger.Warn("journal append failed", "key", q.key, "op", op.ID, "error", err)
	}
}

func indexOf(ops []Operation, id string) int {
	for i, op := range ops {
		if op.ID == id {
			return i
		}
	}
	return -1
}
