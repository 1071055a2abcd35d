package storage

import (
	"errors"
	"time"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Snapshot statuses.
const (
	SnapshotActive = "active"
	SnapshotEnded  = "ended"
)

// Snapshot is the last persisted state of a session.
type Snapshot struct {
	SessionID string
	UserID    string
	State     attr.Map
	Turns     int
	Status    string // "active", "ended"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Insight is one topic-insight extraction result.
type Insight struct {
	ID         string
	SessionID  string
	Dimension  string
	Insights   []string
	Confidence float64
	Reasoning  string
	CreatedAt  time.Time
}

// TurnLog is the audit record of one processed turn.
type TurnLog struct {
	ID                int64
	SessionID         string
	CreatedAt         time.Time
	Message           string
	MatcherHit        bool
	MatcherConfidence float64
	LLMCalled         bool
	LLMLatencyMs      *int64
	TotalLatencyMs    int64
	ConflictsJSON     string // JSON array stored as text
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
