// Package session runs the coaching state machine and keeps live sessions in
// a concurrency-safe registry.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
)

// entry pairs a session with the lock that serializes its mutations.
type entry struct {
	mu      sync.Mutex
	session *domain.Session
	removed bool
}

// Store is the registry of live sessions. The registry map has its own
// RWMutex; each session has a separate mutex so that unrelated sessions never
// contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewStore creates an empty session registry.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
	}
}

// Create registers a new session.
func (s *Store) Create(sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = &entry{session: sess}
	slog.Debug("Session registered", "session_id", sess.ID)
	return nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// With runs fn while holding the session's lock. fn receives the live session
// and must not retain it after returning.
func (s *Store) With(id string, fn func(*domain.Session) error) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Deleted between lookup and lock.
	if e.removed {
		return ErrNotFound
	}
	return fn(e.session)
}

// Get returns a deep copy of the session.
func (s *Store) Get(id string) (*domain.Session, error) {
	var snapshot *domain.Session
	err := s.With(id, func(sess *domain.Session) error {
		snapshot = sess.Clone()
		return nil
	})
	return snapshot, err
}

// Delete removes a session. Operations holding its lock finish first; later
// ones observe ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	slog.Debug("Session removed", "session_id", id)
	return nil
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IdleSince returns the ids of sessions not updated since cutoff.
func (s *Store) IdleSince(cutoff time.Time) []string {
	s.mu.RLock()
	entries := make(map[string]*entry, len(s.sessions))
	for id, e := range s.sessions {
		entries[id] = e
	}
	s.mu.RUnlock()

	var idle []string
	for id, e := range entries {
		e.mu.Lock()
		if !e.removed && e.session.UpdatedAt.Before(cutoff) {
			idle = append(idle, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(idle)
	return idle
}
