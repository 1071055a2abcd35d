// Package metrics exposes Prometheus collectors for the inference pipeline,
// the session lifecycle and the profile flush worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "joyjoin"

var (
	// turnsTotal counts processed turns.
	// Labels: path (matcher, llm)
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "turns_total",
		Help:      "Processed turns by the path that produced the answer",
	}, []string{"path"})

	turnLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "turn_latency_seconds",
		Help:      "End-to-end latency of a turn",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 3, 5},
	})

	// llmCallsTotal counts reasoner calls.
	// Labels: kind (extract, insight), status (ok, failed)
	llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Calls to the external text-generation service",
	}, []string{"kind", "status"})

	llmLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "Latency of calls to the external text-generation service",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
	}, []string{"kind"})

	// conflictsTotal counts reconciliation conflicts.
	// Labels: resolution (use_new, keep_existing, needs_clarification)
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "conflicts_total",
		Help:      "Attribute conflicts by resolution",
	}, []string{"resolution"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions currently held in the live store",
	})

	// sessionsEndedTotal counts ended sessions.
	// Labels: reason (ended, expired)
	sessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "ended_total",
		Help:      "Sessions ended, by reason",
	}, []string{"reason"})

	// flushJobsTotal counts profile flush jobs.
	// Labels: status (done, failed)
	flushJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "jobs_total",
		Help:      "Profile flush jobs by outcome",
	}, []string{"status"})
)

// RecordTurn records one processed turn.
func RecordTurn(llmCalled bool, total time.Duration) {
	path := "matcher"
	if llmCalled {
		path = "llm"
	}
	turnsTotal.WithLabelValues(path).Inc()
	turnLatencySeconds.Observe(total.Seconds())
}

// RecordLLMCall records a call to the external service.
// kind is "extract" or "insight".
func RecordLLMCall(kind string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	llmCallsTotal.WithLabelValues(kind, status).Inc()
	llmLatencySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordConflict records one reconciliation conflict.
func RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}

// SessionStarted increments the live-session gauge.
func SessionStarted() { sessionsActive.Inc() }

// SessionEnded decrements the live-session gauge. reason is "ended" or
// "expired".
func SessionEnded(reason string) {
	sessionsActive.Dec()
	sessionsEndedTotal.WithLabelValues(reason).Inc()
}

// RecordFlush records the outcome of one profile flush job.
func RecordFlush(ok bool) {
	status := "done"
	if !ok {
		status = "failed"
	}
	flushJobsTotal.WithLabelValues(status).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
