// Package llm talks to the external text-generation service. The reasoner
// depends only on the Chatter interface; Ollama and OpenAI-compatible
// (DeepSeek, OpenRouter) backends implement it.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Chatter sends chat messages and returns the assistant's text.
// When jsonSchema is non-nil, structured JSON output is requested.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)
}

// Backend is a Chatter that can report its own health.
type Backend interface {
	Chatter
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
}

// Backend names accepted by New.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New returns the backend named by opts.Backend.
func New(opts Options) (Backend, error) {
	switch opts.Backend {
	case BackendOpenAI, "":
		c := NewOpenAI(opts.APIKey, opts.BaseURL)
		if opts.Timeout > 0 {
			c.httpClient.Timeout = opts.Timeout
		}
		return c, nil
	case BackendOllama:
		return NewOllama(opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", opts.Backend)
	}
}

// EnsureReady checks that the backend is reachable and serves model.
func EnsureReady(ctx context.Context, b Backend, model string) error {
	if !b.IsRunning(ctx) {
		return fmt.Errorf("llm backend is not reachable")
	}
	if model != "" && !b.HasModel(ctx, model) {
		return fmt.Errorf("llm backend does not serve model %s", model)
	}
	return nil
}
