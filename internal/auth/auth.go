// Package auth describes the authentication collaborator: a stable user id
// and the login/logout transitions around it.
package auth

import (
	"sort"
	"sync"
)

// Event is an authentication transition.
type Event struct {
	UserID   string `json:"userId,omitempty"`
	LoggedIn bool   `json:"loggedIn"`
}

// Source reports the current user and notifies on changes.
type Source interface {
	Current() Event
	Subscribe(func(Event)) (unsubscribe func())
}

// Session is an in-process Source driven by explicit Login/Logout calls.
type Session struct {
	mu        sync.Mutex
	current   Event
	listeners map[int]func(Event)
	next      int
}

// NewSession creates a logged-out session.
func NewSession() *Session {
	return &Session{listeners: make(map[int]func(Event))}
}

// NewLoggedIn creates a session already logged in as userID.
func NewLoggedIn(userID string) *Session {
	s := NewSession()
	s.current = Event{UserID: userID, LoggedIn: true}
	return s
}

// Current implements Source.
func (s *Session) Current() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe implements Source.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Login switches to userID. Logging in as the current user is a no-op.
func (s *Session) Login(userID string) {
	s.set(Event{UserID: userID, LoggedIn: true})
}

// Logout ends the session. Logging out twice is a no-op.
func (s *Session) Logout() {
	s.set(Event{})
}

func (s *Session) set(e Event) {
	s.mu.Lock()
	if s.current == e {
		s.mu.Unlock()
		return
	}
	s.current = e
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
