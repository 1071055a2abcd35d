// Package occupation resolves free-text job descriptions to a canonical
// occupation and category, and recognizes employers by name.
//
// Colloquial self-descriptions are ambiguous: "分析师" alone is a weak signal,
// while "数据分析师" and "金融分析师" must land in different categories. Every
// pattern group is tested against the input and each hit is ranked by a
// specificity score; the best-scoring hit wins.
package occupation

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed data/occupations.yaml
var defaultOccupationsYAML []byte

// MatchConfidence is the fixed confidence of every occupation match.
const MatchConfidence = 0.85

// OccupationMatch is the best occupation resolved from a piece of text.
type OccupationMatch struct {
	Occupation string  `json:"occupation"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// Pattern is one occupation pattern group.
type Pattern struct {
	Occupation string
	Category   string
	Priority   int
	Patterns   []*regexp.Regexp
}

// Weights are the score bonuses. They are tunable; the disambiguation tests
// pin their relative effect.
type Weights struct {
	Exact    float64 `yaml:"exact"`
	PerRune  float64 `yaml:"per_rune"`
	Coverage float64 `yaml:"coverage"`
	Keyword  float64 `yaml:"keyword"`
}

// DefaultWeights returns the stock bonuses.
func DefaultWeights() Weights {
	return Weights{Exact: 100, PerRune: 10, Coverage: 50, Keyword: 50}
}

// Scorer computes the specificity score of a matched span.
type Scorer struct {
	Weights Weights
	// Strong lists keywords that reliably indicate one category wherever
	// they appear.
	Strong []string
}

// Score rates how specific span is as a description of text:
//
//	priority
//	+ Exact      if span is the whole (trimmed) text
//	+ PerRune    per rune of span
//	+ Coverage   scaled by the fraction of text that span covers
//	+ Keyword    if span contains a strong keyword
//
// It has no dependency on how span was found.
func (s Scorer) Score(span, text string, priority int) float64 {
	text = strings.TrimSpace(text)
	spanLen := utf8.RuneCountInString(span)
	textLen := utf8.RuneCountInString(text)

	score := float64(priority)
	if span != "" && strings.EqualFold(span, text) {
		score += s.Weights.Exact
	}
	score += float64(spanLen) * s.Weights.PerRune
	if textLen > 0 {
		score += float64(spanLen) / float64(textLen) * s.Weights.Coverage
	}
	lower := strings.ToLower(span)
	for _, kw := range s.Strong {
		if strings.Contains(lower, kw) {
			score += s.Weights.Keyword
			break
		}
	}
	return score
}

// Matcher resolves text to the most specific occupation.
type Matcher struct {
	groups []Pattern
	scorer Scorer
}

// NewMatcher builds a Matcher from compiled pattern groups.
func NewMatcher(groups []Pattern, scorer Scorer) *Matcher {
	return &Matcher{groups: groups, scorer: scorer}
}

type candidate struct {
	group int
	span  string
	score float64
}

// Match returns the best occupation for text, or nil when nothing matched.
func (m *Matcher) Match(text string) *OccupationMatch {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var hits []candidate
	for gi, g := range m.groups {
		for _, re := range g.Patterns {
			for _, span := range re.FindAllString(text, -1) {
				if span == "" {
					continue
				}
				hits = append(hits, candidate{
					group: gi,
					span:  span,
					score: m.scorer.Score(span, text, g.Priority),
				})
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
	best := hits[0]
	g := m.groups[best.group]
	return &OccupationMatch{
		Occupation: g.Occupation,
		Category:   g.Category,
		Confidence: MatchConfidence,
		Evidence:   best.span,
	}
}

// Categories returns the distinct categories known to the matcher, in table
// order.
func (m *Matcher) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range m.groups {
		if !seen[g.Category] {
			seen[g.Category] = true
			out = append(out, g.Category)
		}
	}
	return out
}

type occupationFile struct {
	Weights        *Weights `yaml:"weights"`
	StrongKeywords []string `yaml:"strong_keywords"`
	Groups         []struct {
		Occupation string   `yaml:"occupation"`
		Category   string   `yaml:"category"`
		Priority   int      `yaml:"priority"`
		Patterns   []string `yaml:"patterns"`
	} `yaml:"groups"`
}

// LoadMatcher parses occupation pattern groups from YAML. Patterns are
// compiled case-insensitively.
func LoadMatcher(data []byte) (*Matcher, error) {
	var f occupationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing occupations: %w", err)
	}

	scorer := Scorer{Weights: DefaultWeights()}
	if f.Weights != nil {
		scorer.Weights = *f.Weights
	}
	for _, kw := range f.StrongKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			scorer.Strong = append(scorer.Strong, kw)
		}
	}

	groups := make([]Pattern, 0, len(f.Groups))
	for i, g := range f.Groups {
		if g.Occupation == "" || g.Category == "" {
			return nil, fmt.Errorf("group %d: occupation and category are required", i)
		}
		if len(g.Patterns) == 0 {
			return nil, fmt.Errorf("group %d (%s): no patterns", i, g.Occupation)
		}
		p := Pattern{Occupation: g.Occupation, Category: g.Category, Priority: g.Priority}
		for _, raw := range g.Patterns {
			re, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return nil, fmt.Errorf("group %d (%s): pattern %q: %w", i, g.Occupation, raw, err)
			}
			p.Patterns = append(p.Patterns, re)
		}
		groups = append(groups, p)
	}
	return NewMatcher(groups, scorer), nil
}

// LoadMatcherFile reads occupation pattern groups from a YAML file.
func LoadMatcherFile(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadMatcher(data)
}

var loadDefaultMatcher = sync.OnceValues(func() (*Matcher, error) {
	return LoadMatcher(defaultOccupationsYAML)
})

// DefaultMatcher returns the matcher built from the embedded table.
func DefaultMatcher() *Matcher {
	m, err := loadDefaultMatcher()
	if err != nil {
		panic(fmt.Sprintf("occupation: embedded table: %v", err))
	}
	return m
}
