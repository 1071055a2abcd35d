package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

// SkipList returns the fields resolved well enough that the conversation
// must not ask about them again, sorted.
func SkipList(state attr.Map) []string {
	var out []string
	for _, f := range state.Fields() {
		if attr.Classify(state[f].Confidence) == attr.Skip {
			out = append(out, f)
		}
	}
	return out
}

// ConfirmList returns a yes/no question for every moderately confident
// field, ordered by field.
func ConfirmList(state attr.Map) []attr.ConfirmQuestion {
	var out []attr.ConfirmQuestion
	for _, f := range state.Fields() {
		s := state[f]
		if attr.Classify(s.Confidence) == attr.Confirm {
			out = append(out, attr.NewConfirmQuestion(f, s.Value))
		}
	}
	return out
}

// ContextDigest renders state as a two-section summary for the next LLM
// prompt: confirmed facts (tagged by source) and facts pending
// confirmation. It returns "" when there is nothing worth saying.
func ContextDigest(state attr.Map) string {
	var confirmed, pending []string
	for _, f := range state.Fields() {
		s := state[f]
		switch attr.Classify(s.Confidence) {
		case attr.Skip:
			tag := "推断"
			if s.Source == attr.SourceExplicit {
				tag = "用户亲口说的"
			}
			confirmed = append(confirmed, fmt.Sprintf("- %s：%s（%s）", attr.Label(f), s.Value, tag))
		case attr.Confirm:
			pending = append(pending, fmt.Sprintf("- %s：%s（置信度 %d%%）", attr.Label(f), s.Value, int(s.Confidence*100+0.5)))
		}
	}

	var sb strings.Builder
	if len(confirmed) > 0 {
		sb.WriteString("【已确认信息】不要再问：\n")
		sb.WriteString(strings.Join(confirmed, "\n"))
	}
	if len(pending) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("【待确认信息】可以用是非题轻轻确认：\n")
		sb.WriteString(strings.Join(pending, "\n"))
	}
	return sb.String()
}

func sortedKeys(m map[string]attr.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
