package reasoner

import "strings"

// DefaultHighStakes are the dimensions that tolerate the least ambiguity.
var DefaultHighStakes = []string{"career", "expectations"}

// Progress is how far the conversation has got on one topic dimension.
type Progress struct {
	Dimension      string  `json:"dimension"`
	Confidence     float64 `json:"confidence"`
	InsightCount   int     `json:"insightCount"`
	QuestionsAsked int     `json:"questionsAsked"`
}

// Policy decides whether the expensive reasoning path is worth calling.
type Policy struct {
	highStakes map[string]bool
}

// NewPolicy creates a Policy. A nil list uses DefaultHighStakes.
func NewPolicy(highStakes []string) Policy {
	if highStakes == nil {
		highStakes = DefaultHighStakes
	}
	p := Policy{highStakes: make(map[string]bool, len(highStakes))}
	for _, d := range highStakes {
		if d = strings.TrimSpace(d); d != "" {
			p.highStakes[d] = true
		}
	}
	return p
}

// ShouldCall applies, in order:
//   - already confident with at least one insight: no
//   - still unsure after two or more clarifying questions: yes
//   - a high-stakes dimension below 0.6: yes
//   - otherwise: no
func (p Policy) ShouldCall(pr Progress) bool {
	switch {
	case pr.Confidence >= 0.7 && pr.InsightCount >= 1:
		return false
	case pr.Confidence < 0.5 && pr.QuestionsAsked >= 2:
		return true
	case p.highStakes[pr.Dimension] && pr.Confidence < 0.6:
		return true
	default:
		return false
	}
}
