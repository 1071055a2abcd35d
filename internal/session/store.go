// Package session owns the lifecycle of onboarding conversations: live
// per-session state, snapshot resume, and the flush of confident fields to
// the durable profile when a session ends or expires.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrEnded is returned when a session has already been ended.
	ErrEnded = errors.New("session ended")
)

// Session is one onboarding conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	State     attr.Map  `json:"state"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store holds live sessions. Get returns ErrNotFound on a miss.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Set(ctx context.Context, s *Session) error
	Evict(ctx context.Context, id string) error
}

// Expirer is implemented by stores that can hand back sessions whose TTL
// lapsed, so they can be flushed.
type Expirer interface {
	TakeExpired(ctx context.Context) ([]*Session, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DefaultTTL is how long an idle session stays live.
const DefaultTTL = 2 * time.Hour

type memEntry struct {
	session   Session
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory with a sliding TTL.
type MemoryStore struct {
	clock Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryStore creates a MemoryStore. A non-positive ttl uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return NewMemoryStoreWithClock(realClock{}, ttl)
}

// NewMemoryStoreWithClock creates a MemoryStore with a custom clock (for testing).
func NewMemoryStoreWithClock(clock Clock, ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{clock: clock, ttl: ttl, entries: make(map[string]memEntry)}
}

// Get returns a copy of a live session. An expired session is reported as
// missing but kept until TakeExpired collects it.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !m.clock.Now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	s := copySession(e.session)
	return &s, nil
}

// Set stores a copy of s and restarts its TTL.
func (m *MemoryStore) Set(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.ID] = memEntry{session: copySession(*s), expiresAt: m.clock.Now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Evict(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// TakeExpired removes and returns every expired session, oldest first.
func (m *MemoryStore) TakeExpired(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []*Session
	for id, e := range m.entries {
		if now.Before(e.expiresAt) {
			continue
		}
		s := e.session
		out = append(out, &s)
		delete(m.entries, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func copySession(s Session) Session {
	s.State = s.State.Clone()
	return s
}
