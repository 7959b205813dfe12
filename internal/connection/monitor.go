// Package connection tracks network reachability and remote-store session
// state and broadcasts debounced changes.
//
// The Monitor only notifies. It never queues or replays operations; the
// realtime coordinator reacts to its notifications.
//
// Debounce window: 300ms by default, fixed for the Monitor's lifetime. A raw
// transition that reverts within the window produces no broadcast; a
// transition that holds for the full window is broadcast once.
package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/campaignsync/internal/clock"
)

// DefaultDebounce is the flap-suppression window.
const DefaultDebounce = 300 * time.Millisecond

// State is the published connection state.
type State struct {
	IsOnline     bool      `json:"isOnline"`
	IsConnected  bool      `json:"isConnected"`
	LastChangeAt time.Time `json:"lastChangeAt"`
}

// Reading is one raw observation from a probe.
type Reading struct {
	Online    bool
	Connected bool
}

func (s State) reading() Reading {
	return Reading{Online: s.IsOnline, Connected: s.IsConnected}
}

// Listener receives published state changes.
type Listener func(State)

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce sets the debounce window. Zero publishes every transition
// synchronously from Observe.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) {
		m.debounce = d
	}
}

// WithClock sets the clock used for LastChangeAt.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// Monitor publishes debounced connection state.
//
// Thread-safety: all methods are safe for concurrent use. Listeners are
// invoked one broadcast at a time, in registration order, never while the
// Monitor's state lock is held.
type Monitor struct {
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	notifyMu sync.Mutex // serializes broadcasts

	mu        sync.Mutex
	raw       Reading
	published State
	timer     *time.Timer
	gen       uint64
	listeners []listenerEntry
	nextID    int
	closed    bool
}

type listenerEntry struct {
	id int
	fn Listener
}

// New creates a Monitor that starts offline and disconnected.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		debounce: DefaultDebounce,
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.published = State{LastChangeAt: m.clock.Now()}
	return m
}

// Debounce returns the configured debounce window.
func (m *Monitor) Debounce() time.Duration {
	return m.debounce
}

// State returns the last published state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// OnChange registers l for state changes and returns its unsubscribe function.
// The unsubscribe function is idempotent.
func (m *Monitor) OnChange(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: l})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Observe records a raw reading.
func (m *Monitor) Observe(r Reading) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.raw = r
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	if r == m.published.reading() {
		// Blip reverted inside the window.
		m.mu.Unlock()
		return
	}
	if m.debounce <= 0 {
		gen := m.gen
		m.mu.Unlock()
		m.flush(gen)
		return
	}
	gen := m.gen
	m.timer = time.AfterFunc(m.debounce, func() { m.flush(gen) })
	m.mu.Unlock()
}

// SetOnline records a network reachability change, keeping the session side.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	r := m.raw
	m.mu.Unlock()
	r.Online = online
	if !online {
		r.Connected = false
	}
	m.Observe(r)
}

// SetConnected records a session change, keeping the network side.
func (m *Monitor) SetConnected(connected bool) {
	m.mu.Lock()
	r := m.raw
	m.mu.Unlock()
	r.Connected = connected
	if connected {
		r.Online = true
	}
	m.Observe(r)
}

func (m *Monitor) flush(gen uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.closed || gen != m.gen || m.raw == m.published.reading() {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.published = State{
		IsOnline:     m.raw.Online,
		IsConnected:  m.raw.Connected,
		LastChangeAt: m.clock.Now(),
	}
	state := m.published
	listeners := make([]Listener, len(m.listeners))
	for i, e := range m.listeners {
		listeners[i] = e.fn
	}
	m.mu.Unlock()

	m.logger.Info("connection state changed", "online", state.IsOnline, "connected", state.IsConnected)
	for _, l := range listeners {
		l(state)
	}
}

// Close stops the pending debounce timer and drops all listeners.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.listeners = nil
}
