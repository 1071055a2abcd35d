package state

import (
	"sort"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

// Findings is what one extraction strategy produced for a turn.
type Findings struct {
	Extracted        map[string]attr.Value
	Inferred         []attr.InferredAttribute
	SkipQuestions    []string
	ConfirmQuestions []attr.ConfirmQuestion
}

// Outcome is the reconciled result of a turn.
type Outcome struct {
	Extracted        map[string]attr.Value    `json:"extracted"`
	Inferred         []attr.InferredAttribute `json:"inferred"`
	Conflicts        []attr.ConflictInfo      `json:"conflicts"`
	SkipQuestions    []string                 `json:"skipQuestions"`
	ConfirmQuestions []attr.ConfirmQuestion   `json:"confirmQuestions"`
	NewState         attr.Map                 `json:"newState"`
}

// Reconcile merges the matcher's findings with the reasoner's (nil when the
// reasoner did not run) and applies them to current: explicit values first,
// then inferences. Where both sources infer the same field the reasoner's
// hypothesis is used. Skip and confirm lists are the union of both sources
// and of what the new state implies; a skipped field is never also
// confirmed. A source directive is dropped when the field's conflict was
// not resolved in favor of the new value, and a source skip is dropped when
// the stored confidence is below the skip threshold.
func (m *Manager) Reconcile(fromMatcher Findings, fromLLM *Findings, current attr.Map) Outcome {
	extracted := make(map[string]attr.Value)
	for f, v := range fromMatcher.Extracted {
		extracted[f] = v
	}

	var inferred []attr.InferredAttribute
	if fromLLM != nil {
		for f, v := range fromLLM.Extracted {
			extracted[f] = v
		}
		llmFields := make(map[string]bool, len(fromLLM.Inferred))
		for _, inf := range fromLLM.Inferred {
			llmFields[inf.Field] = true
		}
		for _, inf := range fromMatcher.Inferred {
			if !llmFields[inf.Field] {
				inferred = append(inferred, inf)
			}
		}
		inferred = append(inferred, fromLLM.Inferred...)
	} else {
		inferred = append(inferred, fromMatcher.Inferred...)
	}

	next := m.UpdateExplicit(current, extracted)
	next, conflicts := m.UpdateInferred(next, inferred)

	unresolved := make(map[string]bool)
	for _, c := range conflicts {
		unresolved[c.Field] = c.Resolution != attr.ResolutionUseNew
	}
	sourceSkip := func(f string) bool {
		if unresolved[f] {
			return false
		}
		st, ok := next[f]
		return !ok || st.Confidence >= attr.SkipThreshold
	}

	skipSet := make(map[string]bool)
	for _, f := range fromMatcher.SkipQuestions {
		if sourceSkip(f) {
			skipSet[f] = true
		}
	}
	if fromLLM != nil {
		for _, f := range fromLLM.SkipQuestions {
			if sourceSkip(f) {
				skipSet[f] = true
			}
		}
	}
	for _, f := range SkipList(next) {
		skipSet[f] = true
	}
	skip := make([]string, 0, len(skipSet))
	for f := range skipSet {
		skip = append(skip, f)
	}
	sort.Strings(skip)

	// Questions derived from the new state come first so they reflect the
	// value that was actually kept.
	candidates := ConfirmList(next)
	derived := len(candidates)
	if fromLLM != nil {
		candidates = append(candidates, fromLLM.ConfirmQuestions...)
	}
	candidates = append(candidates, fromMatcher.ConfirmQuestions...)
	seen := make(map[string]bool)
	var confirm []attr.ConfirmQuestion
	for i, q := range candidates {
		if skipSet[q.Field] || seen[q.Field] {
			continue
		}
		if i >= derived && unresolved[q.Field] {
			continue
		}
		seen[q.Field] = true
		confirm = append(confirm, q)
	}
	sort.SliceStable(confirm, func(i, j int) bool { return confirm[i].Field < confirm[j].Field })

	return Outcome{
		Extracted:        extracted,
		Inferred:         inferred,
		Conflicts:        conflicts,
		SkipQuestions:    skip,
		ConfirmQuestions: confirm,
		NewState:         next,
	}
}
