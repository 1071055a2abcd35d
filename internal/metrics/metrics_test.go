package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn(t *testing.T) {
	before := testutil.ToFloat64(turnsTotal.WithLabelValues("llm"))
	RecordTurn(true, 20*time.Millisecond)
	if got := testutil.ToFloat64(turnsTotal.WithLabelValues("llm")); got != before+1 {
		t.Errorf("turns_total{path=llm} = %v, want %v", got, before+1)
	}
}

func TestRecordLLMCall(t *testing.T) {
	before := testutil.ToFloat64(llmCallsTotal.WithLabelValues("insight", "failed"))
	RecordLLMCall("insight", false, time.Second)
	if got := testutil.ToFloat64(llmCallsTotal.WithLabelValues("insight", "failed")); got != before+1 {
		t.Errorf("calls_total{insight,failed} = %v, want %v", got, before+1)
	}
}

func TestSessionGauge(t *testing.T) {
	before := testutil.ToFloat64(sessionsActive)
	SessionStarted()
	SessionStarted()
	SessionEnded("expired")
	if got := testutil.ToFloat64(sessionsActive); got != before+1 {
		t.Errorf("active = %v, want %v", got, before+1)
	}
}

func TestHandler(t *testing.T) {
	RecordConflict("use_new")
	RecordFlush(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"joyjoin_state_conflicts_total", "joyjoin_flush_jobs_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
