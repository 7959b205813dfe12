package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// ErrOffline is the cause of transient errors returned by an offline Memory store.
var ErrOffline = errors.New("store offline")

// WriteRecord is one applied mutation in a Memory store's write log.
type WriteRecord struct {
	Op         string          `json:"op"` // "write" or "delete"
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Payload    document.Fields `json:"payload,omitempty"`
}

// Memory is an in-process document store.
//
// Thread-safety: all methods are safe for concurrent use. Writes and their
// snapshot deliveries are serialized, so subscribers observe snapshots in
// write order.
type Memory struct {
	// deliverMu serializes mutate-and-deliver so snapshots cannot overtake
	// each other. Held while callbacks run.
	deliverMu sync.Mutex

	mu          sync.Mutex
	clock       clock.Clock
	collections map[string]map[string]document.Document
	subs        map[int64]*memorySub
	nextSub     int64
	last        time.Time
	online      bool
	failures    map[string][]error
	writes      []WriteRecord
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for server timestamps.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = c
	}
}

// NewMemory creates an empty, online Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:       clock.System{},
		collections: make(map[string]map[string]document.Document),
		subs:        make(map[int64]*memorySub),
		online:      true,
		failures:    make(map[string][]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnline switches connectivity.
//
// Going offline marks every open subscription stale; stale subscriptions
// receive nothing further, even after the store comes back online.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.online = online
	if !online {
		for _, s := range m.subs {
			s.stale.Store(true)
		}
	}
}

// Online reports the connectivity switch.
func (m *Memory) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// FailNext makes the next len(errs) mutations of (collection, id) fail with
// the given errors, in order.
func (m *Memory) FailNext(collection, id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	m.failures[key] = append(m.failures[key], errs...)
}

// Writes returns a copy of the applied write log.
func (m *Memory) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteRecord, len(m.writes))
	copy(out, m.writes)
	return out
}

// Get returns the stored document.
func (m *Memory) Get(collection, id string) (document.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return document.Document{}, false
	}
	doc.Fields = doc.Fields.Clone()
	return doc, true
}

// Seed stores a document as if written by another client. It is not recorded
// in the write log and ignores the connectivity switch.
func (m *Memory) Seed(collection, id string, fields document.Fields) document.Document {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	doc := m.putLocked(collection, id, fields)
	pending := m.snapshotsLocked(collection)
	m.mu.Unlock()

	deliverAll(pending)
	return doc
}

// Ping reports whether the store is reachable.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.Online() {
		return syncerr.Transient("", "", ErrOffline)
	}
	return nil
}

// Subscribe implements Adapter.
func (m *Memory) Subscribe(ctx context.Context, collection string, filters document.Filters, onSnapshot SnapshotFunc) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Transient(collection, "", err)
	}
	if collection == "" {
		return nil, syncerr.Permanent("", "", fmt.Errorf("collection is required"))
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return nil, syncerr.Transient(collection, "", ErrOffline)
	}
	m.nextSub++
	sub := &memorySub{
		store:      m,
		id:         m.nextSub,
		collection: collection,
		filters:    append(document.Filters(nil), filters...),
		fn:         onSnapshot,
	}
	m.subs[sub.id] = sub
	initial := m.snapshotLocked(collection, sub.filters)
	m.mu.Unlock()

	sub.deliver(initial)
	return sub, nil
}

// WriteDocument implements Adapter.
func (m *Memory) WriteDocument(ctx context.Context, collection, id string, payload document.Fields) (document.Document, error) {
	if err := ctx.Err(); err != nil {
		return document.Document{}, syncerr.Transient(collection, id, err)
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if err := m.checkWritableLocked(collection, id); err != nil {
		m.mu.Unlock()
		return document.Document{}, err
	}
	existing := m.collections[collection][id].Fields
	doc := m.putLocked(collection, id, existing.Merge(payload))
	m.writes = append(m.writes, WriteRecord{Op: "write", Collection: collection, ID: id, Payload: payload.Clone()})
	pending := m.snapshotsLocked(collection)
	m.mu.Unlock()

	deliverAll(pending)
	return doc, nil
}

// DeleteDocument implements Adapter.
func (m *Memory) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Transient(collection, id, err)
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if err := m.checkWritableLocked(collection, id); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.collections[collection], id)
	m.stampLocked()
	m.writes = append(m.writes, WriteRecord{Op: "delete", Collection: collection, ID: id})
	pending := m.snapshotsLocked(collection)
	m.mu.Unlock()

	deliverAll(pending)
	return nil
}

func (m *Memory) checkWritableLocked(collection, id string) error {
	if collection == "" || id == "" {
		return syncerr.Permanent(collection, id, fmt.Errorf("collection and id are required"))
	}
	key := collection + "/" + id
	if queued := m.failures[key]; len(queued) > 0 {
		err := queued[0]
		if len(queued) == 1 {
			delete(m.failures, key)
		} else {
			m.failures[key] = queued[1:]
		}
		return err
	}
	if !m.online {
		return syncerr.Transient(collection, id, ErrOffline)
	}
	return nil
}

func (m *Memory) putLocked(collection, id string, fields document.Fields) document.Document {
	if fields == nil {
		fields = document.Fields{}
	}
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]document.Document)
		m.collections[collection] = docs
	}
	doc := document.Document{
		Collection: collection,
		ID:         id,
		Fields:     fields,
		ServerTime: m.stampLocked(),
	}
	docs[id] = doc
	out := doc
	out.Fields = doc.Fields.Clone()
	return out
}

// stampLocked returns a strictly increasing server timestamp.
func (m *Memory) stampLocked() time.Time {
	now := m.clock.Now()
	if !now.After(m.last) && !m.last.IsZero() {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

func (m *Memory) snapshotLocked(collection string, filters document.Filters) document.Snapshot {
	snap := document.Snapshot{
		Collection: collection,
		Filters:    filters,
		Documents:  []document.Document{},
		ReadTime:   m.last,
	}
	for _, doc := range m.collections[collection] {
		if !filters.Matches(doc.Fields) {
			continue
		}
		d := doc
		d.Fields = doc.Fields.Clone()
		snap.Documents = append(snap.Documents, d)
	}
	document.SortDocuments(snap.Documents)
	if snap.ReadTime.IsZero() {
		snap.ReadTime = m.clock.Now()
	}
	return snap
}

type pendingDelivery struct {
	sub  *memorySub
	snap document.Snapshot
}

// snapshotsLocked builds a fresh snapshot for every live subscriber of collection.
func (m *Memory) snapshotsLocked(collection string) []pendingDelivery {
	var out []pendingDelivery
	for _, s := range m.subs {
		if s.collection != collection || s.stale.Load() {
			continue
		}
		out = append(out, pendingDelivery{sub: s, snap: m.snapshotLocked(collection, s.filters)})
	}
	return out
}

func deliverAll(pending []pendingDelivery) {
	for _, p := range pending {
		p.sub.deliver(p.snap)
	}
}

// SubscriberCount returns the number of open subscriptions on collection.
func (m *Memory) SubscriberCount(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.collection == collection {
			n++
		}
	}
	return n
}

type memorySub struct {
	store      *Memory
	id         int64
	collection string
	filters    document.Filters
	stale      atomic.Bool

	fn SnapshotFunc

	mu     sync.Mutex // never held while fn runs
	closed bool
}

func (s *memorySub) deliver(snap document.Snapshot) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.fn == nil {
		return
	}
	s.fn(snap)
}

func (s *memorySub) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.store.mu.Lock()
	delete(s.store.subs, s.id)
	s.store.mu.Unlock()
}

func (s *memorySub) Stale() bool {
	return s.stale.Load()
}
