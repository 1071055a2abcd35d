// Package reasoner is the slow extraction path: it asks an external
// text-generation service to extract profile facts or topic insights and
// validates whatever comes back. It never returns an error; any failure
// yields an empty result so the conversation can carry on.
package reasoner

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/llm"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/state"
)

// DefaultTimeout is the latency budget of a single call.
const DefaultTimeout = 3 * time.Second

// maxFieldLen rejects field names that are clearly not identifiers.
const maxFieldLen = 64

// Request is one extraction call.
type Request struct {
	Message   string
	History   []llm.Message
	State     attr.Map
	RoleHints []string
}

// Result is the validated extraction.
type Result struct {
	Extracted        map[string]attr.Value    `json:"extracted"`
	Inferred         []attr.InferredAttribute `json:"inferred"`
	Conflicts        []attr.ConflictInfo      `json:"conflicts"`
	SkipQuestions    []string                 `json:"skipQuestions"`
	ConfirmQuestions []attr.ConfirmQuestion   `json:"confirmQuestions"`
	LatencyMs        int64                    `json:"latencyMs"`
	// Failed is set when the call or its parsing failed and the result is
	// empty for that reason.
	Failed bool `json:"-"`
}

// Findings converts the result for state reconciliation.
func (r Result) Findings() state.Findings {
	return state.Findings{
		Extracted:        r.Extracted,
		Inferred:         r.Inferred,
		SkipQuestions:    r.SkipQuestions,
		ConfirmQuestions: r.ConfirmQuestions,
	}
}

// Reasoner calls the external service with a bounded latency budget.
type Reasoner struct {
	client  llm.Chatter
	model   string
	timeout time.Duration
}

// New creates a Reasoner. A non-positive timeout uses DefaultTimeout.
func New(client llm.Chatter, model string, timeout time.Duration) *Reasoner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reasoner{client: client, model: model, timeout: timeout}
}

// Infer extracts explicit and inferred attributes from the message. Skip and
// confirm directives are derived from the returned confidences. Conflicts
// are always empty; they are the state manager's concern.
func (r *Reasoner) Infer(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	defer func() {
		res.LatencyMs = time.Since(start).Milliseconds()
	}()

	if strings.TrimSpace(req.Message) == "" {
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages := BuildExtractionPrompt(req.Message, req.History, req.State, req.RoleHints)
	raw, err := r.client.Chat(ctx, r.model, messages, extractionSchema())
	if err != nil {
		slog.Warn("reasoner: extraction chat failed", "error", err)
		return Result{Failed: true}
	}

	obj, err := decodeObject(raw)
	if err != nil {
		slog.Warn("reasoner: malformed extraction response", "error", err, "response", raw)
		return Result{Failed: true}
	}
	extracted, inferred, ok := validateExtraction(obj)
	if !ok {
		slog.Warn("reasoner: extraction response has the wrong shape", "response", raw)
		return Result{Failed: true}
	}

	res = Result{Extracted: extracted, Inferred: inferred}
	res.SkipQuestions, res.ConfirmQuestions = directives(extracted, inferred)
	return res
}

// validateExtraction type-checks the decoded response. The top-level shape
// must match; individual malformed entries are dropped.
func validateExtraction(obj map[string]any) (map[string]attr.Value, []attr.InferredAttribute, bool) {
	var extracted map[string]attr.Value
	if rawEx, present := obj["extracted"]; present && rawEx != nil {
		m, ok := rawEx.(map[string]any)
		if !ok {
			return nil, nil, false
		}
		for field, rv := range m {
			if !validField(field) {
				continue
			}
			v, err := attr.FromAny(rv)
			if err != nil || v.Normalize().IsZero() {
				continue
			}
			if extracted == nil {
				extracted = make(map[string]attr.Value)
			}
			extracted[field] = v.Normalize()
		}
	}

	var inferred []attr.InferredAttribute
	if rawInf, present := obj["inferred"]; present && rawInf != nil {
		arr, ok := rawInf.([]any)
		if !ok {
			return nil, nil, false
		}
		for _, item := range arr {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			field, _ := entry["field"].(string)
			if !validField(field) {
				continue
			}
			conf, ok := number(entry, "confidence")
			if !ok || conf < 0 || conf > 1 {
				continue
			}
			v, err := attr.FromAny(entry["value"])
			if err != nil || v.Normalize().IsZero() {
				continue
			}
			evidence, _ := entry["evidence"].(string)
			inferred = append(inferred, attr.InferredAttribute{
				Field:      field,
				Value:      v.Normalize(),
				Confidence: conf,
				Evidence:   strings.TrimSpace(evidence),
			})
		}
	}
	return extracted, inferred, true
}

func validField(f string) bool {
	return f != "" && len(f) <= maxFieldLen && strings.TrimSpace(f) == f
}

func directives(extracted map[string]attr.Value, inferred []attr.InferredAttribute) ([]string, []attr.ConfirmQuestion) {
	var skip []string
	var confirm []attr.ConfirmQuestion
	for f := range extracted {
		skip = append(skip, f)
	}
	for _, inf := range inferred {
		if _, ok := extracted[inf.Field]; ok {
			continue
		}
		switch attr.Classify(inf.Confidence) {
		case attr.Skip:
			skip = append(skip, inf.Field)
		case attr.Confirm:
			confirm = append(confirm, attr.NewConfirmQuestion(inf.Field, inf.Value))
		}
	}
	sort.Strings(skip)
	sort.SliceStable(confirm, func(i, j int) bool { return confirm[i].Field < confirm[j].Field })
	return skip, confirm
}

func extractionSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"extracted": {Type: "object", Description: "Facts the user stated directly, keyed by field"},
			"inferred":  {Type: "array", Description: "Implied facts with field, value, confidence and evidence"},
		},
		Required: []string{"extracted", "inferred"},
	}
}
