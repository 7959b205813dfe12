package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds the coordinator for a context.
type Factory func(ctx context.Context, c Context) (*Coordinator, error)

// Registry runs at most one coordinator per context id.
//
// Coordinators run on the registry's base context and are removed from
// the registry when their Run returns, whether by Close, teardown, or
// cancellation of the base context.
type Registry struct {
	base    context.Context
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*Coordinator
}

// NewRegistry creates a registry whose coordinators run under base.
func NewRegistry(base context.Context, factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		base:    base,
		factory: factory,
		logger:  logger,
		entries: make(map[string]*Coordinator),
	}
}

// Open returns the running coordinator for c, starting one if needed.
func (r *Registry) Open(ctx context.Context, c Context) (*Coordinator, error) {
	id := c.ID()

	r.mu.Lock()
	if co, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return co, nil
	}
	r.mu.Unlock()

	co, err := r.factory(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("open context %s: %w", id, err)
	}

	r.mu.Lock()
	if existing, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.entries[id] = co
	r.mu.Unlock()

	go func() {
		if err := co.Run(r.base); err != nil {
			r.logger.Error("coordinator run failed", "context", id, "error", err)
		}
		r.mu.Lock()
		if r.entries[id] == co {
			delete(r.entries, id)
		}
		r.mu.Unlock()
	}()
	return co, nil
}

// Get returns the running coordinator for c.
func (r *Registry) Get(c Context) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	co, ok := r.entries[c.ID()]
	return co, ok
}

// Close tears down the coordinator for c and waits for it to stop.
// Closing an unknown context is a no-op.
func (r *Registry) Close(ctx context.Context, c Context) error {
	r.mu.Lock()
	co, ok := r.entries[c.ID()]
	if ok {
		delete(r.entries, c.ID())
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	co.Close()
	select {
	case <-co.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Switch closes from and opens to.
func (r *Registry) Switch(ctx context.Context, from, to Context) (*Coordinator, error) {
	if from.ID() != to.ID() {
		if err := r.Close(ctx, from); err != nil {
			return nil, fmt.Errorf("switch from %s: %w", from.ID(), err)
		}
	}
	return r.Open(ctx, to)
}

// Contexts lists the running context ids.
func (r *Registry) Contexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll tears down every coordinator.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Coordinator, 0, len(r.entries))
	for _, co := range r.entries {
		all = append(all, co)
	}
	clear(r.entries)
	r.mu.Unlock()

	for _, co := range all {
		co.Close()
	}
	for _, co := range all {
		select {
		case <-co.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
