// Package ledger records optimistic local mutations until the remote store
// confirms them.
//
// An entry is pending from Begin until one of:
//   - Resolve: the write path saw its own write succeed.
//   - Reconcile: a snapshot shows the target document with a server
//     timestamp at or after the entry's CreatedAt (for deletes: the document
//     is absent from a snapshot read at or after CreatedAt).
//   - Fail / Sweep: the write failed or was never confirmed. The entry stays
//     visible with Err set until Resolve or Clear acknowledges it.
//
// At most one pending entry exists per (collection, document). Begin on a
// document that already has one supersedes it.
//
// The ledger does not serialize callers' intent; the realtime coordinator
// owns one ledger per context and drives it from its event loop. The mutex
// only protects readers on other goroutines.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ids"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// ErrConfirmTimeout is the cause recorded on entries that Sweep expires.
var ErrConfirmTimeout = errors.New("remote confirmation timed out")

// Mutation is a local change about to be written.
type Mutation struct {
	Collection string
	DocID      string
	Op         document.Op
	Value      document.Fields
}

// OptimisticUpdate is one ledger entry.
type OptimisticUpdate struct {
	ID               string          `json:"id"`
	TargetCollection string          `json:"targetCollection"`
	TargetDocID      string          `json:"targetDocId"`
	Op               document.Op     `json:"op"`
	LocalValue       document.Fields `json:"localValue,omitempty"`
	CommittedValue   document.Fields `json:"committedValue,omitempty"`
	Err              error           `json:"-"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Pending reports whether the entry is unresolved and not errored.
func (u OptimisticUpdate) Pending() bool {
	return u.Err == nil
}

// Resolution reports an entry closed by Reconcile.
type Resolution struct {
	Update OptimisticUpdate

	// Document is the confirming document; nil for confirmed deletes.
	Document *document.Document

	// Conflict is a ReconciliationConflict when the confirmed value differs
	// from the optimistic local value; nil otherwise.
	Conflict error
}

type targetKey struct {
	collection string
	docID      string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock for CreatedAt stamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithIDs sets the entry id generator.
func WithIDs(g ids.Generator) Option {
	return func(l *Ledger) {
		l.ids = g
	}
}

// Ledger is the optimistic update ledger for one context.
type Ledger struct {
	clock clock.Clock
	ids   ids.Generator

	mu       sync.RWMutex
	entries  map[string]*OptimisticUpdate
	byTarget map[targetKey]string // pending entries only
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:    clock.System{},
		ids:      ids.UUIDv7Generator{},
		entries:  make(map[string]*OptimisticUpdate),
		byTarget: make(map[targetKey]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin records a pending entry for m and returns its id.
// A pending entry for the same document is replaced, not stacked.
func (l *Ledger) Begin(m Mutation) string {
	id := l.ids.Generate()
	key := targetKey{m.Collection, m.DocID}

	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.byTarget[key]; ok {
		delete(l.entries, old)
	}
	l.entries[id] = &OptimisticUpdate{
		ID:               id,
		TargetCollection: m.Collection,
		TargetDocID:      m.DocID,
		Op:               m.Op,
		LocalValue:       m.Value.Clone(),
		CreatedAt:        l.clock.Now(),
	}
	l.byTarget[key] = id
	return id
}

// Resolve removes the entry. Unknown ids are ignored.
// It returns the entry with CommittedValue set, if it existed.
func (l *Ledger) Resolve(id string, committed document.Fields) (OptimisticUpdate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return OptimisticUpdate{}, false
	}
	l.removeLocked(e)
	out := *e
	out.CommittedValue = committed.Clone()
	return out, true
}

// Fail marks the entry errored. Unknown ids are ignored.
// An errored entry no longer counts as the pending entry for its document.
func (l *Ledger) Fail(id string, err error) bool {
	if err == nil {
		err = fmt.Errorf("write failed")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return false
	}
	e.Err = err
	key := targetKey{e.TargetCollection, e.TargetDocID}
	if l.byTarget[key] == id {
		delete(l.byTarget, key)
	}
	return true
}

// Clear removes the entry (typically an errored one the caller acknowledged).
func (l *Ledger) Clear(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return false
	}
	l.removeLocked(e)
	return true
}

func (l *Ledger) removeLocked(e *OptimisticUpdate) {
	delete(l.entries, e.ID)
	key := targetKey{e.TargetCollection, e.TargetDocID}
	if l.byTarget[key] == e.ID {
		delete(l.byTarget, key)
	}
}

// Get returns a copy of the entry.
func (l *Ledger) Get(id string) (OptimisticUpdate, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return OptimisticUpdate{}, false
	}
	return *e, true
}

// PendingFor returns the pending entry for a document.
func (l *Ledger) PendingFor(collection, docID string) (OptimisticUpdate, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byTarget[targetKey{collection, docID}]
	if !ok {
		return OptimisticUpdate{}, false
	}
	return *l.entries[id], true
}

// Pending returns pending entries ordered by CreatedAt, then ID.
func (l *Ledger) Pending() []OptimisticUpdate {
	return l.list(func(e *OptimisticUpdate) bool { return e.Pending() })
}

// Errored returns errored entries ordered by CreatedAt, then ID.
func (l *Ledger) Errored() []OptimisticUpdate {
	return l.list(func(e *OptimisticUpdate) bool { return !e.Pending() })
}

func (l *Ledger) list(keep func(*OptimisticUpdate) bool) []OptimisticUpdate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]OptimisticUpdate, 0, len(l.entries))
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sortUpdates(out)
	return out
}

func sortUpdates(us []OptimisticUpdate) {
	sort.Slice(us, func(i, j int) bool {
		if !us[i].CreatedAt.Equal(us[j].CreatedAt) {
			return us[i].CreatedAt.Before(us[j].CreatedAt)
		}
		return us[i].ID < us[j].ID
	})
}

// Len returns the number of entries, pending and errored.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reconcile resolves every pending entry the snapshot confirms.
//
// A document confirms an entry when its ServerTime is at or after the
// entry's CreatedAt. An older document never does: it predates the local
// mutation.
func (l *Ledger) Reconcile(snap document.Snapshot) []Resolution {
	return l.ReconcileWhere(snap, nil)
}

// ReconcileWhere is Reconcile restricted to entries for which eligible
// returns true. A nil eligible admits every entry.
func (l *Ledger) ReconcileWhere(snap document.Snapshot, eligible func(OptimisticUpdate) bool) []Resolution {
	snap = snap.Sorted()

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Resolution
	for key, id := range l.byTarget {
		if key.collection != snap.Collection {
			continue
		}
		e := l.entries[id]
		if eligible != nil && !eligible(*e) {
			continue
		}
		doc, found := snap.Find(key.docID)

		var res *Resolution
		switch e.Op {
		case document.OpDelete:
			switch {
			case !found && !snap.ReadTime.Before(e.CreatedAt):
				res = &Resolution{}
			case found && !doc.ServerTime.Before(e.CreatedAt):
				d := doc
				res = &Resolution{
					Document: &d,
					Conflict: syncerr.Conflict(key.collection, key.docID, "document still present after delete"),
				}
			}
		default:
			if found && !doc.ServerTime.Before(e.CreatedAt) {
				d := doc
				res = &Resolution{Document: &d}
				if !document.Contains(doc.Fields, e.LocalValue) {
					res.Conflict = syncerr.Conflict(key.collection, key.docID, "confirmed value differs from local value")
				}
			}
		}
		if res == nil {
			continue
		}

		l.removeLocked(e)
		res.Update = *e
		if res.Document != nil {
			res.Update.CommittedValue = res.Document.Fields.Clone()
		}
		out = append(out, *res)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Update, out[j].Update
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Sweep marks pending entries older than timeout as errored with
// ErrConfirmTimeout and returns them.
func (l *Ledger) Sweep(timeout time.Duration) []OptimisticUpdate {
	return l.SweepWhere(timeout, nil)
}

// SweepWhere is Sweep restricted to entries for which eligible returns true.
func (l *Ledger) SweepWhere(timeout time.Duration, eligible func(OptimisticUpdate) bool) []OptimisticUpdate {
	if timeout <= 0 {
		return nil
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []OptimisticUpdate
	for key, id := range l.byTarget {
		e := l.entries[id]
		if now.Sub(e.CreatedAt) < timeout {
			continue
		}
		if eligible != nil && !eligible(*e) {
			continue
		}
		e.Err = syncerr.Transient(key.collection, key.docID, ErrConfirmTimeout)
		delete(l.byTarget, key)
		expired = append(expired, *e)
	}
	sortUpdates(expired)
	return expired
}

// Reset drops every entry.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*OptimisticUpdate)
	l.byTarget = make(map[targetKey]string)
}
