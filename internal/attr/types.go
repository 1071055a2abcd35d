package attr

import (
	"sort"
	"time"
)

// Source records how an attribute value was obtained.
type Source string

const (
	// SourceExplicit marks a value the user stated directly.
	SourceExplicit Source = "explicit"
	// SourceInferred marks a value derived by the matcher or the reasoner.
	SourceInferred Source = "inferred"
)

// AttributeState is the current belief about one field of one session.
type AttributeState struct {
	Value      Value     `json:"value"`
	Source     Source    `json:"source"`
	Confidence float64   `json:"confidence"`
	Evidence   string    `json:"evidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Map holds at most one AttributeState per field name.
type Map map[string]AttributeState

// Clone returns a copy of m that can be mutated independently. Values are
// immutable, so sharing them between copies is safe.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Fields returns the field names in sorted order.
func (m Map) Fields() []string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// InferredAttribute is a hypothesis about a field that has not yet been
// merged into session state.
type InferredAttribute struct {
	Field      string  `json:"field"`
	Value      Value   `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// Resolution is the outcome of a value conflict.
type Resolution string

const (
	ResolutionUseNew             Resolution = "use_new"
	ResolutionKeepExisting       Resolution = "keep_existing"
	ResolutionNeedsClarification Resolution = "needs_clarification"
)

// ConflictInfo is an audit record for one incoming value that disagreed with
// the stored one. It lives only as long as the reconciliation that made it.
type ConflictInfo struct {
	Field         string     `json:"field"`
	ExistingValue Value      `json:"existingValue"`
	NewValue      Value      `json:"newValue"`
	Resolution    Resolution `json:"resolution"`
	Reason        string     `json:"reason"`
}

// ConfirmQuestion asks the user to confirm an inferred value with a yes/no
// answer. Template contains a {value} placeholder.
type ConfirmQuestion struct {
	Field         string `json:"field"`
	Template      string `json:"template"`
	InferredValue Value  `json:"inferredValue"`
}

// Question renders the template with the inferred value.
func (q ConfirmQuestion) Question() string {
	return render(q.Template, q.InferredValue)
}
