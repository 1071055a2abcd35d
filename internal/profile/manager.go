package profile

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

// FlushThreshold is the confidence a session field needs to be committed to
// the durable profile.
const FlushThreshold = attr.SkipThreshold

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	CommitAttribute(userID, field string, st attr.AttributeState) (bool, error)
	GetProfileAttributes(userID string) (attr.Map, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	attrs    attr.Map
	cachedAt time.Time
}

// Manager provides cached access to durable user profiles.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu     sync.RWMutex
	cached map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:  store,
		clock:  clock,
		ttl:    ttl,
		cached: make(map[string]cacheEntry),
	}
}

// GetProfile reads a user's profile from storage (or cache). An unknown
// user yields an empty Profile.
func (m *Manager) GetProfile(userID string) (Profile, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.cached[userID]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		p := Profile{UserID: userID, Attributes: e.attrs.Clone()}
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	// Slow path: write lock for cache miss.
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.cached[userID]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return Profile{UserID: userID, Attributes: e.attrs.Clone()}, nil
	}

	attrs, err := m.store.GetProfileAttributes(userID)
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile %s: %w", userID, err)
	}
	if attrs == nil {
		attrs = attr.Map{}
	}
	m.cached[userID] = cacheEntry{attrs: attrs, cachedAt: m.clock.Now()}
	return Profile{UserID: userID, Attributes: attrs.Clone()}, nil
}

// CommitAttributes persists every field of attrs at or above FlushThreshold
// and invalidates the user's cache entry. An explicit stored value is never
// replaced by an inferred one. It returns the fields that were written.
func (m *Manager) CommitAttributes(userID string, attrs attr.Map) ([]string, error) {
	eligible := Eligible(attrs)

	m.mu.Lock()
	defer m.mu.Unlock()

	var written []string
	for _, field := range eligible.Fields() {
		changed, err := m.store.CommitAttribute(userID, field, eligible[field])
		if err != nil {
			delete(m.cached, userID)
			return written, fmt.Errorf("committing %s.%s: %w", userID, field, err)
		}
		if changed {
			written = append(written, field)
		}
	}

	delete(m.cached, userID)
	return written, nil
}

// Eligible returns the fields of attrs confident enough to be committed.
func Eligible(attrs attr.Map) attr.Map {
	out := make(attr.Map)
	for f, st := range attrs {
		if !st.Value.IsZero() && st.Confidence >= FlushThreshold {
			out[f] = st
		}
	}
	return out
}

// GetSummary returns a compact one-line rendering of the profile suitable
// for injection into a system prompt.
func (m *Manager) GetSummary(userID string) (string, error) {
	p, err := m.GetProfile(userID)
	if err != nil {
		return "", fmt.Errorf("getting profile for summary: %w", err)
	}
	return summarize(p), nil
}

// maxSummaryChars caps the summary to stay under ~500 tokens.
const maxSummaryChars = 2000

func summarize(p Profile) string {
	if len(p.Attributes) == 0 {
		return "用户画像：暂无。"
	}

	parts := make([]string, 0, len(p.Attributes))
	for _, f := range p.Attributes.Fields() {
		parts = append(parts, fmt.Sprintf("%s：%s", attr.Label(f), p.Attributes[f].Value))
	}

	summary := strings.Join(parts, "；") + "。"
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], "；"); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}
