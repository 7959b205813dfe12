// Package ids generates identifiers for queued operations and optimistic
// updates.
package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
// Implemented by UUIDv7Generator (production) and Sequential (tests, scenarios).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so ids
// of queued operations sort by enqueue time when inspected in the database.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sequential returns prefix-1, prefix-2, ... for deterministic tests.
//
// Thread-safety: Sequential is safe for concurrent use via internal mutex.
type Sequential struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequential creates a generator whose first id is prefix + "-1".
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// Generate returns the next id in sequence.
func (g *Sequential) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *Sequential) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
