package testutil

import (
	"context"
	"sync"
)

// MemoryPersistence is an in-memory key/blob store for tests.
//
// It satisfies offline.Persistence. Save failures can be injected with
// FailSaves. Thread-safety: all methods are safe for concurrent use.
type MemoryPersistence struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	saves     int
	saveErrs  []error
	loadCalls int
}

// NewMemoryPersistence creates an empty store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{blobs: make(map[string][]byte)}
}

// Save stores a copy of blob under key, unless a queued failure is pending.
func (p *MemoryPersistence) Save(_ context.Context, key string, blob []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if len(p.saveErrs) > 0 {
		err := p.saveErrs[0]
		p.saveErrs = p.saveErrs[1:]
		return err
	}
	p.blobs[key] = append([]byte(nil), blob...)
	return nil
}

// Load returns a copy of the blob stored under key.
func (p *MemoryPersistence) Load(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadCalls++
	blob, ok := p.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

// FailSaves makes the next len(errs) saves return the given errors.
func (p *MemoryPersistence) FailSaves(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveErrs = append(p.saveErrs, errs...)
}

// Saves returns how many times Save was called.
func (p *MemoryPersistence) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// Blob returns the stored blob for key as a string, or "" if absent.
func (p *MemoryPersistence) Blob(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.blobs[key])
}
