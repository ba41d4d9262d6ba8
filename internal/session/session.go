// Package session keeps one composition per editing session.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/scrypster/sketchmatch/internal/composition"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// ErrSessionNotFound indicates the session does not exist or has expired.
var ErrSessionNotFound = errors.New("session not found")

const (
	// DefaultTTL is how long a session lives after its last lookup.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxSessions bounds the number of live sessions; the least
	// recently used session is dropped beyond it.
	DefaultMaxSessions = 1000
)

// Session owns one composition. Edits go through With so that requests for
// the same session never interleave.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu          sync.Mutex
	composition *composition.Composition
}

// With runs fn with exclusive access to the session's composition.
func (s *Session) With(fn func(c *composition.Composition) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.composition)
}

// Manager creates and looks up sessions. It is safe for concurrent use.
type Manager struct {
	catalog composition.Catalog
	canvas  types.Canvas

	// mu keeps a lookup from re-adding a session that is being deleted.
	mu       sync.Mutex
	sessions *expirable.LRU[string, *Session]
}

// NewManager returns a manager whose sessions compose on canvas using assets
// from catalog. Zero values select DefaultTTL and DefaultMaxSessions.
func NewManager(catalog composition.Catalog, canvas types.Canvas, ttl time.Duration, maxSessions int) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		catalog:  catalog,
		canvas:   canvas,
		sessions: expirable.NewLRU[string, *Session](maxSessions, nil, ttl),
	}
}

// Create starts a session with an empty composition.
func (m *Manager) Create() *Session {
	return m.add(composition.New(m.catalog, m.canvas))
}

// CreateFrom starts a session holding a copy of state. Nothing is added when
// state does not restore.
func (m *Manager) CreateFrom(state types.CompositionState) (*Session, error) {
	c := composition.New(m.catalog, m.canvas)
	if err := c.Restore(state); err != nil {
		return nil, err
	}
	return m.add(c), nil
}

func (m *Manager) add(c *composition.Composition) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
		composition: c,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Add(s.ID, s)
	return s
}

// Get returns the session with id and restarts its TTL.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	m.sessions.Add(id, s)
	return s, nil
}

// Delete ends the session with id, discarding its composition.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessions.Remove(id) {
		return ErrSessionNotFound
	}
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.sessions.Len()
}
