// Package state owns per-session attribute state: it merges explicit
// statements and inferred hypotheses, resolves value conflicts, and derives
// skip lists, confirm lists and prompt digests.
//
// Every operation returns a new map and leaves its input untouched.
package state

import (
	"math"
	"time"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

// DefaultStaleAfter is how old a stored value must be before a fresher,
// reasonably confident inference may replace it.
const DefaultStaleAfter = 5 * time.Minute

const (
	// explicitOverride is the confidence an inference needs to displace an
	// explicit value.
	explicitOverride = 0.95
	// supersedeMargin is how much more confident a new value must be to
	// replace a different stored one outright.
	supersedeMargin = 0.2
	// freshConfidence is the minimum confidence for replacing a stale value.
	freshConfidence = 0.7
	// reinforceStep is added when the same value is seen again with more
	// confidence.
	reinforceStep = 0.1
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager applies updates to session state.
type Manager struct {
	clock      Clock
	staleAfter time.Duration
}

// NewManager creates a Manager. A non-positive staleAfter uses
// DefaultStaleAfter.
func NewManager(staleAfter time.Duration) *Manager {
	return NewManagerWithClock(realClock{}, staleAfter)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(clock Clock, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{clock: clock, staleAfter: staleAfter}
}

// StaleAfter returns the configured stale window.
func (m *Manager) StaleAfter() time.Duration { return m.staleAfter }

// UpdateExplicit overwrites each extracted field with an explicit,
// fully-confident state. Values are normalized first; a value that
// normalizes to nothing is ignored.
func (m *Manager) UpdateExplicit(state attr.Map, extracted map[string]attr.Value) attr.Map {
	out := state.Clone()
	now := m.clock.Now()
	for _, field := range sortedKeys(extracted) {
		v := extracted[field].Normalize()
		if field == "" || v.IsZero() {
			continue
		}
		out[field] = attr.AttributeState{
			Value:      v,
			Source:     attr.SourceExplicit,
			Confidence: attr.ExplicitConfidence,
			Timestamp:  now,
		}
	}
	return out
}

// UpdateInferred merges hypotheses into state in order. A hypothesis whose
// value differs from the stored one always yields a ConflictInfo.
func (m *Manager) UpdateInferred(state attr.Map, inferences []attr.InferredAttribute) (attr.Map, []attr.ConflictInfo) {
	out := state.Clone()
	now := m.clock.Now()
	var conflicts []attr.ConflictInfo

	for _, inf := range inferences {
		v := inf.Value.Normalize()
		if inf.Field == "" || v.IsZero() {
			continue
		}
		conf := clamp(inf.Confidence)
		incoming := attr.AttributeState{
			Value:      v,
			Source:     attr.SourceInferred,
			Confidence: conf,
			Evidence:   inf.Evidence,
			Timestamp:  now,
		}

		existing, ok := out[inf.Field]
		if !ok {
			out[inf.Field] = incoming
			continue
		}

		switch {
		case sameValue(existing.Value, v):
			if conf > existing.Confidence {
				existing.Confidence = math.Min(existing.Confidence+reinforceStep, 1.0)
				existing.Timestamp = now
				out[inf.Field] = existing
			}
			continue
		case grows(existing, v):
			// A list that only adds members to an inferred list extends it.
			incoming.Confidence = math.Max(existing.Confidence, conf)
			out[inf.Field] = incoming
			continue
		}

		res, reason := m.resolve(existing, conf, now)
		conflicts = append(conflicts, attr.ConflictInfo{
			Field:         inf.Field,
			ExistingValue: existing.Value,
			NewValue:      v,
			Resolution:    res,
			Reason:        reason,
		})
		if res == attr.ResolutionUseNew {
			out[inf.Field] = incoming
		}
	}
	return out, conflicts
}

// resolve applies the ordered conflict policy.
func (m *Manager) resolve(existing attr.AttributeState, conf float64, now time.Time) (attr.Resolution, string) {
	switch {
	case existing.Source == attr.SourceExplicit && conf < explicitOverride:
		return attr.ResolutionKeepExisting, "a direct user statement is not overridden by a plausible inference"
	case conf > existing.Confidence+supersedeMargin:
		return attr.ResolutionUseNew, "the new signal is substantially more confident"
	case now.Sub(existing.Timestamp) > m.staleAfter && conf >= freshConfidence:
		return attr.ResolutionUseNew, "the stored value is stale and the new signal is confident"
	default:
		return attr.ResolutionNeedsClarification, "ambiguous; ask the user"
	}
}

func sameValue(existing, v attr.Value) bool {
	if existing.Equal(v) {
		return true
	}
	// A list already containing every new member is a repeat.
	return existing.Kind() == attr.KindList && v.Kind() == attr.KindList && existing.Union(v).Equal(existing)
}

func grows(existing attr.AttributeState, v attr.Value) bool {
	return existing.Source == attr.SourceInferred &&
		existing.Value.Kind() == attr.KindList && v.Kind() == attr.KindList &&
		v.Union(existing.Value).Equal(v)
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
