// Package inference runs one conversation turn through the extraction
// pipeline: the semantic matcher first, the LLM reasoner when the matcher is
// unsure, then state reconciliation.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/llm"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/matcher"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/metrics"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/reasoner"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/state"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/storage"
)

// Reasoner is the slow extraction path.
type Reasoner interface {
	Infer(ctx context.Context, req reasoner.Request) reasoner.Result
	DetectInsights(ctx context.Context, dimension, message, conversationContext string) (reasoner.Insights, error)
}

// InsightSink persists topic insights.
type InsightSink interface {
	SaveInsight(in storage.Insight) error
}

// Options configures optional Engine behaviour.
type Options struct {
	// Policy decides whether a turn's dimension progress warrants insight
	// detection. The zero value uses the default high-stakes dimensions.
	Policy *reasoner.Policy
	// Sink receives detected insights. Nil discards them.
	Sink   InsightSink
	Logger *slog.Logger
}

// Request is one user turn.
type Request struct {
	SessionID string
	Message   string
	History   []llm.Message
	State     attr.Map
	// Progress, when set, is the conversation's standing on the dimension
	// this turn belongs to.
	Progress *reasoner.Progress
}

// Debug carries per-turn diagnostics.
type Debug struct {
	MatcherHit        bool    `json:"matcherHit"`
	MatcherConfidence float64 `json:"matcherConfidence"`
	LLMCalled         bool    `json:"llmCalled"`
	LLMLatencyMs      *int64  `json:"llmLatencyMs,omitempty"`
	TotalLatencyMs    int64   `json:"totalLatencyMs"`
}

// Result is the reconciled outcome of one turn.
type Result struct {
	Extracted        map[string]attr.Value    `json:"extracted"`
	Inferred         []attr.InferredAttribute `json:"inferred"`
	Conflicts        []attr.ConflictInfo      `json:"conflicts"`
	SkipQuestions    []string                 `json:"skipQuestions"`
	ConfirmQuestions []attr.ConfirmQuestion   `json:"confirmQuestions"`
	NewState         attr.Map                 `json:"newState"`
	Debug            Debug                    `json:"debug"`
}

// Engine orchestrates the matcher, the reasoner and the state manager.
type Engine struct {
	matcher  *matcher.Matcher
	reasoner Reasoner
	state    *state.Manager
	policy   reasoner.Policy
	sink     InsightSink
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewEngine creates an Engine. r may be nil, in which case turns the matcher
// cannot settle are reconciled from the matcher's findings alone.
func NewEngine(m *matcher.Matcher, r Reasoner, st *state.Manager, opts Options) *Engine {
	e := &Engine{
		matcher:  m,
		reasoner: r,
		state:    st,
		sink:     opts.Sink,
		logger:   opts.Logger,
	}
	if opts.Policy != nil {
		e.policy = *opts.Policy
	} else {
		e.policy = reasoner.NewPolicy(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Process runs one turn. It never fails: when the reasoner is unavailable
// the turn is reconciled from the matcher's findings.
//  1. Match the message against the lexicon, occupation and graph tables
//  2. Start insight detection in the background if the dimension needs it
//  3. Call the reasoner when the matcher's confidence is below threshold
//  4. Reconcile both results into the new state
func (e *Engine) Process(ctx context.Context, req Request) (out Result) {
	start := time.Now()
	defer func() {
		out.Debug.TotalLatencyMs = time.Since(start).Milliseconds()
		metrics.RecordTurn(out.Debug.LLMCalled, time.Since(start))
		for _, c := range out.Conflicts {
			metrics.RecordConflict(string(c.Resolution))
		}
	}()

	current := req.State
	if current == nil {
		current = attr.Map{}
	}

	// 1. Fast path.
	mres := e.matcher.Match(req.Message, current)
	out.Debug.MatcherHit = mres.Matched
	out.Debug.MatcherConfidence = mres.Confidence

	// 2. Insight detection never delays the turn.
	if req.Progress != nil && e.reasoner != nil && e.policy.ShouldCall(*req.Progress) {
		e.detectInsights(ctx, req)
	}

	fromMatcher := state.Findings{
		Extracted:        mres.Extracted,
		Inferred:         mres.Inferences,
		SkipQuestions:    mres.SkipQuestions,
		ConfirmQuestions: mres.ConfirmQuestions,
	}

	// 3. Slow path.
	var fromLLM *state.Findings
	if !mres.Matched && e.reasoner != nil {
		rres := e.reasoner.Infer(ctx, reasoner.Request{
			Message:   req.Message,
			History:   req.History,
			State:     current,
			RoleHints: mres.RoleHints,
		})
		latency := rres.LatencyMs
		out.Debug.LLMCalled = true
		out.Debug.LLMLatencyMs = &latency
		metrics.RecordLLMCall("extract", !rres.Failed, time.Duration(latency)*time.Millisecond)

		if rres.Failed {
			e.logger.Warn("inference: reasoner failed, continuing with matcher results",
				"session_id", req.SessionID,
				"latency_ms", latency,
			)
		} else {
			f := rres.Findings()
			fromLLM = &f
		}
	}

	// 4. Reconcile.
	oc := e.state.Reconcile(fromMatcher, fromLLM, current)
	out.Extracted = oc.Extracted
	out.Inferred = oc.Inferred
	out.Conflicts = oc.Conflicts
	out.SkipQuestions = oc.SkipQuestions
	out.ConfirmQuestions = oc.ConfirmQuestions
	out.NewState = oc.NewState

	e.logger.Debug("inference: turn processed",
		"session_id", req.SessionID,
		"matcher_hit", out.Debug.MatcherHit,
		"llm_called", out.Debug.LLMCalled,
		"conflicts", len(out.Conflicts),
	)
	return out
}

// Wait blocks until every background task has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) detectInsights(ctx context.Context, req Request) {
	dimension := req.Progress.Dimension
	conversation := conversationContext(req.History)
	e.detach(ctx, "insight detection", req.SessionID, func(ctx context.Context) error {
		start := time.Now()
		ins, err := e.reasoner.DetectInsights(ctx, dimension, req.Message, conversation)
		metrics.RecordLLMCall("insight", err == nil, time.Since(start))
		if err != nil {
			return err
		}
		if e.sink == nil || len(ins.Insights) == 0 {
			return nil
		}
		return e.sink.SaveInsight(storage.Insight{
			ID:         uuid.New().String(),
			SessionID:  req.SessionID,
			Dimension:  dimension,
			Insights:   ins.Insights,
			Confidence: ins.Confidence,
			Reasoning:  ins.Reasoning,
			CreatedAt:  time.Now(),
		})
	})
}

// detach runs task in the background, outliving the request context but
// keeping its values. The returned channel yields the task's error (nil on
// success) and is then closed.
func (e *Engine) detach(ctx context.Context, name, sessionID string, task func(context.Context) error) <-chan error {
	errc := make(chan error, 1)
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		start := time.Now()
		defer e.wg.Done()
		defer close(errc)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("inference: background task panicked",
					"task", name, "session_id", sessionID, "panic", r)
				errc <- fmt.Errorf("%s panicked: %v", name, r)
			}
		}()

		if err := task(ctx); err != nil {
			e.logger.Warn("inference: background task failed",
				"task", name,
				"session_id", sessionID,
				"latency_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			errc <- err
			return
		}
		errc <- nil
	}()
	return errc
}

// conversationContext flattens recent history into plain text.
func conversationContext(history []llm.Message) string {
	const maxTurns = 6
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	var b strings.Builder
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return strings.TrimSpace(b.String())
}
