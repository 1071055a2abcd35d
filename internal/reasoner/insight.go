package reasoner

import (
	"context"
	"fmt"
	"strings"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/llm"
)

// Insights is the result of topic-insight detection.
type Insights struct {
	Insights   []string `json:"insights"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// DetectInsights asks for insights about the user on one topic dimension.
// Unlike Infer it reports failures, because it runs detached and its caller
// logs and counts them; the returned Insights is empty whenever err is set.
func (r *Reasoner) DetectInsights(ctx context.Context, dimension, message, conversationContext string) (Insights, error) {
	if strings.TrimSpace(message) == "" {
		return Insights{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.Chat(ctx, r.model, BuildInsightPrompt(dimension, message, conversationContext), insightSchema())
	if err != nil {
		return Insights{}, fmt.Errorf("insight chat: %w", err)
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return Insights{}, err
	}

	insights, ok := stringList(obj, "insights")
	if !ok {
		return Insights{}, fmt.Errorf("insights: expected an array of strings")
	}
	conf, ok := number(obj, "confidence")
	if !ok || conf < 0 || conf > 1 {
		return Insights{}, fmt.Errorf("confidence: expected a number in [0,1]")
	}
	out := Insights{Insights: insights, Confidence: conf}
	if rs, present := obj["reasoning"]; present && rs != nil {
		s, ok := rs.(string)
		if !ok {
			return Insights{}, fmt.Errorf("reasoning: expected a string")
		}
		out.Reasoning = strings.TrimSpace(s)
	}
	return out, nil
}

func insightSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"insights":   {Type: "array", Description: "Short insights about the user for this dimension"},
			"confidence": {Type: "number", Description: "How well the dimension is understood, 0.0-1.0"},
			"reasoning":  {Type: "string", Description: "One sentence explaining the insights"},
		},
		Required: []string{"insights", "confidence"},
	}
}
