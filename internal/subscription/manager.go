// Package subscription dedups and owns remote collection subscriptions for
// one user/campaign context.
//
// Identical (collection, filters) requests share one remote subscription,
// reference counted by the handles returned from Subscribe. The remote
// subscription is closed when the last handle unsubscribes or when
// UnsubscribeAll tears the whole context down.
//
// Unsubscribing is synchronous: after the returned func returns, that
// handle's callback is never started again. The func may be called from
// inside the handle's own callback.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/remote"
)

// Manager is the subscription manager.
type Manager struct {
	adapter remote.Adapter
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	key        string
	collection string
	filters    document.Filters

	ready chan struct{}
	err   error

	remote remote.Subscription // guarded by Manager.mu

	fanout sync.Mutex // serializes deliveries; held while callbacks run

	mu        sync.Mutex
	listeners map[int]*handle
	nextID    int
	latest    *document.Snapshot
}

// handle is one Subscribe caller. closed is guarded by mu, which is never
// held while fn runs.
type handle struct {
	fn remote.SnapshotFunc

	mu     sync.Mutex
	closed bool
}

func (h *handle) open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *handle) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a manager over adapter.
func New(adapter remote.Adapter, opts ...Option) *Manager {
	m := &Manager{
		adapter: adapter,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers onSnapshot for (collection, filters) and returns the
// func that releases it. The handle receives the current contents as its
// first snapshot, synchronously when the subscription is already live.
func (m *Manager) Subscribe(ctx context.Context, collection string, filters document.Filters, onSnapshot remote.SnapshotFunc) (func(), error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("subscribe %s: nil snapshot callback", collection)
	}
	key, err := document.Key(collection, filters)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	m.mu.Lock()
	e, shared := m.entries[key]
	if !shared {
		e = &entry{
			key:        key,
			collection: collection,
			filters:    append(document.Filters(nil), filters...),
			ready:      make(chan struct{}),
			listeners:  make(map[int]*handle),
		}
		m.entries[key] = e
	}
	m.mu.Unlock()

	if shared {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		m.mu.Lock()
		live := m.entries[key] == e
		m.mu.Unlock()
		if !live {
			return m.Subscribe(ctx, collection, filters, onSnapshot)
		}
		h := &handle{fn: onSnapshot}
		e.fanout.Lock()
		e.mu.Lock()
		id := e.add(h)
		latest := e.latest
		e.mu.Unlock()
		if latest != nil && h.open() {
			h.fn(*latest)
		}
		e.fanout.Unlock()
		m.logger.Debug("subscription shared", "key", key)
		return m.releaser(e, id, h), nil
	}

	h := &handle{fn: onSnapshot}
	e.mu.Lock()
	id := e.add(h)
	e.mu.Unlock()

	sub, err := m.adapter.Subscribe(ctx, collection, filters, e.dispatch)

	m.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("subscribe %s: %w", key, err)
		if m.entries[key] == e {
			delete(m.entries, key)
		}
		close(e.ready)
		m.mu.Unlock()
		return nil, e.err
	}
	e.remote = sub
	close(e.ready)
	live := m.entries[key] == e
	m.mu.Unlock()

	if !live {
		// Torn down by UnsubscribeAll while the remote call was in flight.
		sub.Unsubscribe()
		return func() {}, nil
	}

	m.logger.Debug("subscription opened", "key", key)
	return m.releaser(e, id, h), nil
}

func (e *entry) add(h *handle) int {
	id := e.nextID
	e.nextID++
	e.listeners[id] = h
	return id
}

func (e *entry) dispatch(snap document.Snapshot) {
	snap = snap.Sorted()

	e.fanout.Lock()
	defer e.fanout.Unlock()

	e.mu.Lock()
	e.latest = &snap
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handles := make([]*handle, len(ids))
	for i, id := range ids {
		handles[i] = e.listeners[id]
	}
	e.mu.Unlock()

	for _, h := range handles {
		if h.open() {
			h.fn(snap)
		}
	}
}

func (m *Manager) releaser(e *entry, id int, h *handle) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			h.close()
			m.release(e, id)
		})
	}
}

func (m *Manager) release(e *entry, id int) {
	m.mu.Lock()
	e.mu.Lock()
	delete(e.listeners, id)
	remaining := len(e.listeners)
	e.mu.Unlock()

	var sub remote.Subscription
	if remaining == 0 && m.entries[e.key] == e {
		delete(m.entries, e.key)
		sub = e.remote
	}
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		m.logger.Debug("subscription closed", "key", e.key)
	}
}

// UnsubscribeAll closes every subscription. Handles returned earlier become
// no-ops. Safe to call repeatedly.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	clear(m.entries)
	subs := make([]remote.Subscription, 0, len(entries))
	for _, e := range entries {
		if e.remote != nil {
			subs = append(subs, e.remote)
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		for _, h := range e.listeners {
			h.close()
		}
		clear(e.listeners)
		e.mu.Unlock()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if len(entries) > 0 {
		m.logger.Info("subscriptions torn down", "count", len(entries))
	}
}

// Revalidate re-establishes every subscription whose remote side went
// stale. It returns how many were re-established; failures are joined into
// the error and those subscriptions stay stale for the next attempt.
func (m *Manager) Revalidate(ctx context.Context) (int, error) {
	m.mu.Lock()
	var stale []*entry
	for _, e := range m.entries {
		if e.remote != nil && e.remote.Stale() {
			stale = append(stale, e)
		}
	}
	m.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i].key < stale[j].key })

	var (
		errs    []error
		renewed int
	)
	for _, e := range stale {
		sub, err := m.adapter.Subscribe(ctx, e.collection, e.filters, e.dispatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("resubscribe %s: %w", e.key, err))
			continue
		}

		m.mu.Lock()
		var old remote.Subscription
		if m.entries[e.key] == e {
			old, e.remote = e.remote, sub
			sub = nil
		}
		m.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
			continue
		}
		old.Unsubscribe()
		renewed++
	}

	if renewed > 0 {
		m.logger.Info("subscriptions revalidated", "renewed", renewed, "failed", len(errs))
	}
	return renewed, errors.Join(errs...)
}

// Count returns the number of distinct remote subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StaleCount returns how many live subscriptions need revalidation.
func (m *Manager) StaleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.remote != nil && e.remote.Stale() {
			n++
		}
	}
	return n
}

// Latest returns the most recent snapshot of every open subscription,
// ordered by subscription key.
func (m *Manager) Latest() []document.Snapshot {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	var out []document.Snapshot
	for _, e := range entries {
		e.mu.Lock()
		if e.latest != nil {
			out = append(out, *e.latest)
		}
		e.mu.Unlock()
	}
	return out
}
