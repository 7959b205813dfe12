package realtime

import (
	"sync"

	"github.com/roach88/campaignsync/internal/auth"
	"github.com/roach88/campaignsync/internal/connection"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ledger"
	"github.com/roach88/campaignsync/internal/offline"
)

type eventType int

const (
	eventConnection eventType = iota + 1
	eventAuth
	eventSnapshot
	eventMutate
	eventWriteDone
	eventDrainDone
	eventReplayed
	eventOperationFailed
	eventStatus
	eventClose
)

func (t eventType) String() string {
	switch t {
	case eventConnection:
		return "connection"
	case eventAuth:
		return "auth"
	case eventSnapshot:
		return "snapshot"
	case eventMutate:
		return "mutate"
	case eventWriteDone:
		return "write_done"
	case eventDrainDone:
		return "drain_done"
	case eventReplayed:
		return "replayed"
	case eventOperationFailed:
		return "operation_failed"
	case eventStatus:
		return "status"
	case eventClose:
		return "close"
	default:
		return "unknown"
	}
}

type mutateReply struct {
	id  string
	err error
}

// event is one loop input. Only the fields for Type are set.
type event struct {
	Type eventType

	Connection connection.State
	Auth       auth.Event
	Snapshot   document.Snapshot
	Mutation   ledger.Mutation
	Reply      chan mutateReply
	Status     chan Status

	Operation offline.Operation
	Document  document.Document
	Err       error
	Drain     offline.Result
}

// eventQueue is an unbounded FIFO with a coalescing signal channel so the
// Run loop can wait on it alongside its context and timers.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false once the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait signals that events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close rejects further events and returns those still queued.
func (q *eventQueue) Close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.events
	q.events = nil
	close(q.signal)
	return rest
}
