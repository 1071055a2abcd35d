// Package matcher is the fast, synchronous extraction layer. It combines
// lexicon lookups, negation and tense detection, occupation matching and
// one-hop knowledge-graph chaining into explicit extractions and
// confidence-scored inferences. It performs no I/O and never fails.
package matcher

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/graph"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/lexicon"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/occupation"
)

const (
	defaultThreshold     = 0.7
	defaultChainDiscount = 0.8

	// birthYearConfidence applies to two-digit years ("95年的").
	birthYearConfidence = 0.8

	// companyConfidence applies to an employer named with an employment cue.
	companyConfidence = 0.9
	// bareCompanyConfidence caps a company mentioned without one, which
	// lands it in the confirm band and its chained links below it.
	bareCompanyConfidence = 0.6
)

// Employment cues around a company mention: "在腾讯", "入职华为",
// "腾讯上班", "大疆的员工".
var (
	employmentBefore = []string{"在", "入职", "入职了", "加入", "加入了", "去了", "跳槽到", "就职于", "任职于", "供职于"}
	employmentAfter  = []string{"工作", "上班", "实习", "任职", "做", "当", "的员工", "员工", "打工"}
)

// Field names produced by the matcher beyond the lexicon's own.
const (
	FieldOccupation = "occupation"
	FieldIndustry   = "industry"
	FieldCompany    = "company"
	FieldBirthYear  = "birthYear"
	// FieldOccupationCategory is the broad job function (产品, 技术, 金融).
	FieldOccupationCategory = "occupationCategory"
)

// industryCategories are occupation categories that also name an industry.
// A product manager or engineer can work in any industry, so 产品 and 技术
// say nothing about it.
var industryCategories = map[string]bool{
	"金融": true,
	"法律": true,
	"医疗": true,
	"教育": true,
}

var (
	fullYearRe  = regexp.MustCompile(`((?:19|20)\d{2})\s*年\s*(?:出生|生)`)
	shortYearRe = regexp.MustCompile(`(?:^|\D)(\d{2})\s*年\s*(?:出生|生的|生|的)`)
)

// Config tunes the matcher.
type Config struct {
	// Threshold is the confidence at or above which a turn counts as
	// matched and needs no LLM fallback.
	Threshold float64
	// ChainDiscount multiplies a direct hit's confidence for chained links.
	ChainDiscount float64
}

// Result is the outcome of matching one message.
type Result struct {
	Matched          bool                     `json:"matched"`
	Confidence       float64                  `json:"confidence"`
	Extracted        map[string]attr.Value    `json:"extracted,omitempty"`
	Inferences       []attr.InferredAttribute `json:"inferences"`
	SkipQuestions    []string                 `json:"skipQuestions"`
	ConfirmQuestions []attr.ConfirmQuestion   `json:"confirmQuestions"`
	// RoleHints are plausible occupations at a recognized employer, set
	// when no occupation was matched directly.
	RoleHints []string `json:"roleHints,omitempty"`
}

// Matcher is safe for concurrent use; all its tables are read-only.
type Matcher struct {
	lex       *lexicon.Table
	occ       *occupation.Matcher
	companies *occupation.Recognizer
	graph     *graph.Graph
	cfg       Config
}

// New creates a Matcher. Zero config values take defaults.
func New(lex *lexicon.Table, occ *occupation.Matcher, companies *occupation.Recognizer, g *graph.Graph, cfg Config) *Matcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.ChainDiscount <= 0 {
		cfg.ChainDiscount = defaultChainDiscount
	}
	return &Matcher{lex: lex, occ: occ, companies: companies, graph: g, cfg: cfg}
}

// NewDefault creates a Matcher over the embedded tables.
func NewDefault(cfg Config) *Matcher {
	return New(lexicon.Default(), occupation.DefaultMatcher(), occupation.DefaultRecognizer(), graph.Default(), cfg)
}

// Threshold returns the matched-confidence threshold.
func (m *Matcher) Threshold() float64 { return m.cfg.Threshold }

// proposal is a candidate value for one field.
type proposal struct {
	field    string
	value    attr.Value
	conf     float64
	evidence string
	explicit bool
	pos      int
}

// Match extracts what it can from message. state is read only to
// accumulate list-valued fields.
func (m *Matcher) Match(message string, state attr.Map) Result {
	text := lexicon.Normalize(message)
	if text == "" {
		return Result{}
	}

	var props []proposal
	props = append(props, m.matchLexicon(text)...)
	occProps := m.matchOccupation(text)
	props = append(props, occProps...)
	entityProps, hints := m.matchEntities(text, len(occProps) > 0)
	props = append(props, entityProps...)
	props = append(props, matchBirthYear(text)...)

	return m.build(resolve(props, state), hints)
}

// hitContext evaluates the clause before a hit at byte offset idx.
func (m *Matcher) hitContext(text string, idx int) (prefix string, negated bool, tense lexicon.Tense) {
	prefix = lexicon.ClausePrefix(text, idx)
	return prefix, m.lex.Negated(prefix), m.lex.TenseOf(prefix)
}

// matchLexicon proposes one value per group. Every occurrence is checked
// and the first non-negated one wins; only when all are negated does the
// group propose its negated value.
func (m *Matcher) matchLexicon(text string) []proposal {
	var out []proposal
	for _, g := range m.lex.Groups {
		hits := g.FindAll(text)
		if len(hits) == 0 {
			continue
		}
		var (
			hit     lexicon.Hit
			prefix  string
			negated bool
			tense   lexicon.Tense
		)
		for i, h := range hits {
			pr, neg, tn := m.hitContext(text, h.Offset)
			if i == 0 || !neg {
				hit, prefix, negated, tense = h, pr, neg, tn
			}
			if !neg {
				break
			}
		}
		value := g.Value
		if negated {
			if g.NegatedValue.IsZero() {
				continue
			}
			value = g.NegatedValue
		}
		p := proposal{
			field:    g.Field,
			value:    value,
			conf:     g.Confidence,
			evidence: strings.TrimSpace(prefix + hit.Variant),
			pos:      hit.Offset,
		}
		switch {
		case tense != lexicon.TensePresent:
			p.conf /= 2
		case !negated && g.Direct(prefix):
			p.explicit = true
			p.conf = attr.ExplicitConfidence
		}
		out = append(out, p)
	}
	return out
}

func (m *Matcher) matchOccupation(text string) []proposal {
	if m.occ == nil {
		return nil
	}
	om := m.occ.Match(text)
	if om == nil {
		return nil
	}
	idx := strings.Index(text, om.Evidence)
	if idx < 0 {
		idx = 0
	}
	prefix, negated, tense := m.hitContext(text, idx)
	if negated {
		return nil
	}
	conf := om.Confidence
	if tense != lexicon.TensePresent {
		conf /= 2
	}
	evidence := strings.TrimSpace(prefix + om.Evidence)
	out := []proposal{
		{field: FieldOccupation, value: attr.String(om.Occupation), conf: conf, evidence: evidence, pos: idx},
		{field: FieldOccupationCategory, value: attr.String(om.Category), conf: conf, evidence: evidence, pos: idx},
	}
	if industryCategories[om.Category] {
		out = append(out, proposal{field: FieldIndustry, value: attr.String(om.Category), conf: conf, evidence: evidence, pos: idx})
	}
	return out
}

// employed reports whether a company mention at idx is framed as a
// workplace rather than a product or a passing mention.
func employed(text string, idx int, surface, prefix string) bool {
	prefix = strings.TrimSpace(prefix)
	for _, cue := range employmentBefore {
		if strings.HasSuffix(prefix, cue) {
			return true
		}
	}
	rest := strings.TrimSpace(text[idx+len(surface):])
	for _, cue := range employmentAfter {
		if strings.HasPrefix(rest, cue) {
			return true
		}
	}
	return false
}

// matchEntities recognizes graph entities and chains one hop from each.
// When no occupation was found, a recognized employer's common roles are
// returned as hints.
func (m *Matcher) matchEntities(text string, haveOccupation bool) ([]proposal, []string) {
	var (
		out     []proposal
		hints   []string
		company string
	)
	if m.graph != nil {
		for _, h := range m.graph.Find(text) {
			prefix, negated, tense := m.hitContext(text, h.Offset)
			if negated {
				continue
			}
			conf := h.Entity.Confidence
			if h.Entity.Kind == FieldCompany && !employed(text, h.Offset, h.Surface, prefix) {
				conf = min(conf, bareCompanyConfidence)
			}
			if tense != lexicon.TensePresent {
				conf /= 2
			}
			evidence := strings.TrimSpace(prefix + h.Surface)
			out = append(out, proposal{
				field: h.Entity.Kind, value: attr.String(h.Entity.Name),
				conf: conf, evidence: evidence, pos: h.Offset,
			})
			e := h.Entity
			e.Confidence = conf
			for _, l := range m.graph.Chain(e, m.cfg.ChainDiscount) {
				out = append(out, proposal{
					field: l.Field, value: attr.String(l.Value),
					conf: l.Confidence, evidence: evidence, pos: h.Offset,
				})
			}
			if h.Entity.Kind == FieldCompany && company == "" {
				company = h.Entity.Name
			}
		}
	}

	if m.companies != nil {
		if company == "" {
			if cp := m.companies.Recognize(text); cp != nil {
				if cps := m.companyProposals(text, cp); len(cps) > 0 {
					company = cp.Name
					out = append(out, cps...)
				}
			}
		}
		if company != "" && !haveOccupation {
			hints = m.companies.PossibleRoles(company)
		}
	}
	return out, hints
}

// companyProposals covers employers known to the recognizer but absent from
// the graph: the company itself plus its industry, chained.
func (m *Matcher) companyProposals(text string, cp *occupation.CompanyProfile) []proposal {
	idx, surface := -1, cp.Name
	for _, f := range append([]string{cp.Name}, cp.Aliases...) {
		if i := strings.Index(text, strings.ToLower(f)); i >= 0 && (idx < 0 || i < idx) {
			idx, surface = i, strings.ToLower(f)
		}
	}
	if idx < 0 {
		return nil
	}
	prefix, negated, tense := m.hitContext(text, idx)
	if negated {
		return nil
	}
	conf := companyConfidence
	if !employed(text, idx, surface, prefix) {
		conf = bareCompanyConfidence
	}
	if tense != lexicon.TensePresent {
		conf /= 2
	}
	evidence := strings.TrimSpace(prefix + surface)
	out := []proposal{{field: FieldCompany, value: attr.String(cp.Name), conf: conf, evidence: evidence, pos: idx}}
	if cp.Industry != "" {
		out = append(out, proposal{
			field: FieldIndustry, value: attr.String(cp.Industry),
			conf: conf * m.cfg.ChainDiscount, evidence: evidence, pos: idx,
		})
	}
	return out
}

func matchBirthYear(text string) []proposal {
	if loc := fullYearRe.FindStringSubmatchIndex(text); loc != nil {
		year, _ := strconv.Atoi(text[loc[2]:loc[3]])
		return []proposal{{
			field: FieldBirthYear, value: attr.Number(float64(year)),
			conf: attr.ExplicitConfidence, evidence: text[loc[0]:loc[1]],
			explicit: true, pos: loc[0],
		}}
	}
	if loc := shortYearRe.FindStringSubmatchIndex(text); loc != nil {
		yy, _ := strconv.Atoi(text[loc[2]:loc[3]])
		year := 1900 + yy
		if yy < 30 {
			year = 2000 + yy
		}
		return []proposal{{
			field: FieldBirthYear, value: attr.Number(float64(year)),
			conf: birthYearConfidence, evidence: strings.TrimSpace(text[loc[2]:loc[1]]),
			pos: loc[2],
		}}
	}
	return nil
}

// resolve keeps one proposal per field. An explicit proposal beats an
// inferred one, then higher confidence wins, then the later mention. List
// values are unioned with each other and with the current state.
func resolve(props []proposal, state attr.Map) []proposal {
	byField := make(map[string]proposal)
	var order []string
	for _, p := range props {
		cur, ok := byField[p.field]
		if !ok {
			byField[p.field] = p
			order = append(order, p.field)
			continue
		}
		if cur.value.Kind() == attr.KindList && p.value.Kind() == attr.KindList {
			merged := cur
			merged.value = cur.value.Union(p.value)
			if p.conf > merged.conf {
				merged.conf = p.conf
			}
			merged.explicit = cur.explicit || p.explicit
			if p.pos > merged.pos {
				merged.pos = p.pos
			}
			merged.evidence = joinEvidence(cur.evidence, p.evidence)
			byField[p.field] = merged
			continue
		}
		if better(p, cur) {
			byField[p.field] = p
		}
	}

	out := make([]proposal, 0, len(order))
	for _, f := range order {
		p := byField[f]
		if p.value.Kind() == attr.KindList {
			if existing, ok := state[f]; ok && existing.Value.Kind() == attr.KindList {
				p.value = existing.Value.Union(p.value)
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].pos != out[j].pos {
			return out[i].pos < out[j].pos
		}
		return out[i].field < out[j].field
	})
	return out
}

func better(p, cur proposal) bool {
	if p.explicit != cur.explicit {
		return p.explicit
	}
	if p.conf != cur.conf {
		return p.conf > cur.conf
	}
	return p.pos >= cur.pos
}

func joinEvidence(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	return a + "；" + b
}

func (m *Matcher) build(props []proposal, hints []string) Result {
	res := Result{RoleHints: hints}
	if len(props) == 0 {
		return res
	}

	var skip []string
	var confirm []attr.ConfirmQuestion
	for _, p := range props {
		if p.conf > res.Confidence {
			res.Confidence = p.conf
		}
		if p.explicit {
			if res.Extracted == nil {
				res.Extracted = make(map[string]attr.Value)
			}
			res.Extracted[p.field] = p.value
		} else {
			res.Inferences = append(res.Inferences, attr.InferredAttribute{
				Field:      p.field,
				Value:      p.value,
				Confidence: p.conf,
				Evidence:   p.evidence,
			})
		}
		switch attr.Classify(p.conf) {
		case attr.Skip:
			skip = append(skip, p.field)
		case attr.Confirm:
			confirm = append(confirm, attr.NewConfirmQuestion(p.field, p.value))
		}
	}
	sort.Strings(skip)
	sort.SliceStable(confirm, func(i, j int) bool { return confirm[i].Field < confirm[j].Field })
	res.SkipQuestions = skip
	res.ConfirmQuestions = confirm
	res.Matched = res.Confidence >= m.cfg.Threshold
	return res
}
