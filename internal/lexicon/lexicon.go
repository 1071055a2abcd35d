// Package lexicon holds the static synonym table used by the semantic
// matcher: surface-form variants of canonical attribute values, negation
// markers, temporal cues and direct-statement cues.
//
// Tables are loaded from YAML once and are read-only afterwards, so a single
// Table is safely shared by every session.
package lexicon

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

//go:embed data/lexicon.yaml
var defaultYAML []byte

// negationWindow is how many runes before a hit are scanned for a negation
// marker. Three runes covers "没有X", "不是X" and "没有养X".
const negationWindow = 3

// Group maps a set of surface forms to one canonical field value.
type Group struct {
	Field string
	Value attr.Value
	// NegatedValue is proposed instead of Value when the hit is negated.
	// The zero Value means a negated hit is dropped.
	NegatedValue attr.Value
	// Variants are lowercased and ordered longest first.
	Variants   []string
	Confidence float64
	// DirectCues, when immediately preceding a hit, make it an explicit
	// statement rather than an inference.
	DirectCues []string
}

// Tense is the temporal context of a clause.
type Tense int

const (
	TensePresent Tense = iota
	TensePast
	TenseFuture
)

// Table is a loaded lexicon.
type Table struct {
	Groups             []Group
	Negations          []string
	NegationExceptions []string
	Past               []string
	Future             []string
}

type fileFormat struct {
	Negations          []string `yaml:"negations"`
	NegationExceptions []string `yaml:"negation_exceptions"`
	Temporal           struct {
		Past   []string `yaml:"past"`
		Future []string `yaml:"future"`
	} `yaml:"temporal"`
	Groups []struct {
		Field        string   `yaml:"field"`
		Value        any      `yaml:"value"`
		NegatedValue any      `yaml:"negated_value"`
		Variants     []string `yaml:"variants"`
		Confidence   float64  `yaml:"confidence"`
		DirectCues   []string `yaml:"direct_cues"`
	} `yaml:"groups"`
}

// Load parses a lexicon from YAML.
//
// Expected format:
//
//	negations: [不是, 没有]
//	temporal:
//	  past: [以前]
//	  future: [打算]
//	groups:
//	  - field: city
//	    value: 深圳
//	    variants: [深圳, shenzhen]
//	    confidence: 0.9
//	    direct_cues: [在, 住在]
func Load(data []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing lexicon: %w", err)
	}

	t := &Table{
		Negations:          lowerAll(f.Negations),
		NegationExceptions: lowerAll(f.NegationExceptions),
		Past:               lowerAll(f.Temporal.Past),
		Future:             lowerAll(f.Temporal.Future),
	}
	for i, g := range f.Groups {
		if g.Field == "" {
			return nil, fmt.Errorf("group %d: field is required", i)
		}
		if g.Confidence <= 0 || g.Confidence > 1 {
			return nil, fmt.Errorf("group %d (%s): confidence %v out of range (0,1]", i, g.Field, g.Confidence)
		}
		val, err := attr.FromAny(g.Value)
		if err != nil {
			return nil, fmt.Errorf("group %d (%s): value: %w", i, g.Field, err)
		}
		if val.IsZero() {
			return nil, fmt.Errorf("group %d (%s): value is required", i, g.Field)
		}
		neg, err := attr.FromAny(g.NegatedValue)
		if err != nil {
			return nil, fmt.Errorf("group %d (%s): negated_value: %w", i, g.Field, err)
		}
		variants := lowerAll(g.Variants)
		if len(variants) == 0 {
			return nil, fmt.Errorf("group %d (%s): at least one variant is required", i, g.Field)
		}
		sort.SliceStable(variants, func(a, b int) bool {
			return utf8.RuneCountInString(variants[a]) > utf8.RuneCountInString(variants[b])
		})
		t.Groups = append(t.Groups, Group{
			Field:        g.Field,
			Value:        val,
			NegatedValue: neg,
			Variants:     variants,
			Confidence:   g.Confidence,
			DirectCues:   lowerAll(g.DirectCues),
		})
	}
	return t, nil
}

// LoadFile reads and parses a lexicon YAML file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

var loadDefault = sync.OnceValues(func() (*Table, error) {
	return Load(defaultYAML)
})

// Default returns the built-in lexicon. It panics if the embedded table is
// malformed, which is caught by the package tests.
func Default() *Table {
	t, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("lexicon: embedded table: %v", err))
	}
	return t
}

// Normalize trims and lowercases text before matching.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

var clauseDelimiters = "，。,.!！?？;；\n~～…"

// ClausePrefix returns the part of text's clause that precedes byte offset
// idx, i.e. everything after the last clause delimiter before idx.
func ClausePrefix(text string, idx int) string {
	prefix := text[:idx]
	if cut := strings.LastIndexAny(prefix, clauseDelimiters); cut >= 0 {
		_, size := utf8.DecodeRuneInString(prefix[cut:])
		prefix = prefix[cut+size:]
	}
	return prefix
}

// Negated reports whether the clause prefix ends in a negation: one of the
// negation markers occurs within the last few runes before the hit.
func (t *Table) Negated(prefix string) bool {
	for _, exc := range t.NegationExceptions {
		prefix = strings.ReplaceAll(prefix, exc, "")
	}
	window := lastRunes(prefix, negationWindow)
	for _, m := range t.Negations {
		if strings.Contains(window, m) {
			return true
		}
	}
	return false
}

// TenseOf classifies a clause prefix by its temporal cues.
func (t *Table) TenseOf(prefix string) Tense {
	for _, m := range t.Past {
		if strings.Contains(prefix, m) {
			return TensePast
		}
	}
	for _, m := range t.Future {
		if strings.Contains(prefix, m) {
			return TenseFuture
		}
	}
	return TensePresent
}

// Direct reports whether the clause prefix ends with one of g's direct cues.
func (g Group) Direct(prefix string) bool {
	prefix = strings.TrimSpace(prefix)
	for _, cue := range g.DirectCues {
		if strings.HasSuffix(prefix, cue) {
			return true
		}
	}
	return false
}

// Hit is one occurrence of a group variant.
type Hit struct {
	// Offset is the byte offset of Variant in the searched text.
	Offset  int
	Variant string
}

// FindAll returns every occurrence of g's variants in normalized text,
// ordered by offset. Longer variants claim their span first, so a shorter
// variant inside a longer hit is not reported again.
func (g Group) FindAll(text string) []Hit {
	var hits []Hit
	for _, v := range g.Variants {
		for start := 0; start < len(text); {
			idx := strings.Index(text[start:], v)
			if idx < 0 {
				break
			}
			idx += start
			if !overlaps(hits, idx, len(v)) {
				hits = append(hits, Hit{Offset: idx, Variant: v})
			}
			start = idx + len(v)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Offset < hits[j].Offset })
	return hits
}

func overlaps(hits []Hit, off, n int) bool {
	for _, h := range hits {
		if off < h.Offset+len(h.Variant) && h.Offset < off+n {
			return true
		}
	}
	return false
}

func lastRunes(s string, n int) string {
	count := 0
	for i := len(s); i > 0; {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		count++
		if count == n {
			return s[i:]
		}
	}
	return s
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
