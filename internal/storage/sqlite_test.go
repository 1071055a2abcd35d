package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_session_snapshots_user", "idx_insights_session", "idx_inference_log_session", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestCommitAttributeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	changed, err := s.CommitAttribute("u1", "city", attr.AttributeState{
		Value:      attr.String("深圳"),
		Source:     attr.SourceExplicit,
		Confidence: 1,
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("CommitAttribute: %v", err)
	}
	if !changed {
		t.Error("first commit should change the row")
	}
	if _, err := s.CommitAttribute("u1", "interests", attr.AttributeState{
		Value:      attr.List("徒步", "摄影"),
		Source:     attr.SourceInferred,
		Confidence: 0.9,
		Evidence:   "周末去爬山",
		Timestamp:  ts,
	}); err != nil {
		t.Fatalf("CommitAttribute: %v", err)
	}

	got, err := s.GetProfileAttributes("u1")
	if err != nil {
		t.Fatalf("GetProfileAttributes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	city := got["city"]
	if !city.Value.Equal(attr.String("深圳")) || city.Source != attr.SourceExplicit || city.Confidence != 1 {
		t.Errorf("city = %+v", city)
	}
	if !city.Timestamp.Equal(ts) {
		t.Errorf("city timestamp = %v, want %v", city.Timestamp, ts)
	}
	interests := got["interests"]
	if !interests.Value.Equal(attr.List("徒步", "摄影")) {
		t.Errorf("interests = %v", interests.Value)
	}
	if interests.Evidence != "周末去爬山" {
		t.Errorf("evidence = %q", interests.Evidence)
	}
}

func TestCommitAttribute_ExplicitNotReplacedByInferred(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.CommitAttribute("u1", "city", attr.AttributeState{
		Value: attr.String("深圳"), Source: attr.SourceExplicit, Confidence: 1,
	}); err != nil {
		t.Fatalf("CommitAttribute: %v", err)
	}

	changed, err := s.CommitAttribute("u1", "city", attr.AttributeState{
		Value: attr.String("香港"), Source: attr.SourceInferred, Confidence: 0.99,
	})
	if err != nil {
		t.Fatalf("CommitAttribute inferred: %v", err)
	}
	if changed {
		t.Error("inferred commit should not replace an explicit value")
	}

	changed, err = s.CommitAttribute("u1", "city", attr.AttributeState{
		Value: attr.String("广州"), Source: attr.SourceExplicit, Confidence: 1,
	})
	if err != nil {
		t.Fatalf("CommitAttribute explicit: %v", err)
	}
	if !changed {
		t.Error("explicit commit should replace an explicit value")
	}

	got, err := s.GetProfileAttributes("u1")
	if err != nil {
		t.Fatalf("GetProfileAttributes: %v", err)
	}
	if v := got["city"].Value; !v.Equal(attr.String("广州")) {
		t.Errorf("city = %v, want 广州", v)
	}
}

func TestCommitAttribute_InferredReplacesInferred(t *testing.T) {
	s := openTestStore(t)

	for _, v := range []string{"互联网", "金融"} {
		if _, err := s.CommitAttribute("u1", "industry", attr.AttributeState{
			Value: attr.String(v), Source: attr.SourceInferred, Confidence: 0.85,
		}); err != nil {
			t.Fatalf("CommitAttribute %s: %v", v, err)
		}
	}
	got, err := s.GetProfileAttributes("u1")
	if err != nil {
		t.Fatalf("GetProfileAttributes: %v", err)
	}
	if v := got["industry"].Value; !v.Equal(attr.String("金融")) {
		t.Errorf("industry = %v, want 金融", v)
	}
}

func TestGetProfileAttributes_UnknownUser(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetProfileAttributes("nobody")
	if err != nil {
		t.Fatalf("GetProfileAttributes: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	snap := Snapshot{
		SessionID: "s1",
		UserID:    "u1",
		State: attr.Map{
			"city": {Value: attr.String("深圳"), Source: attr.SourceExplicit, Confidence: 1, Timestamp: created},
		},
		Turns:     1,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap.Turns = 2
	snap.State["hasPet"] = attr.AttributeState{Value: attr.Bool(false), Source: attr.SourceInferred, Confidence: 0.8, Timestamp: created}
	snap.CreatedAt = created.Add(time.Hour)
	snap.UpdatedAt = created.Add(time.Hour)
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot update: %v", err)
	}

	got, err := s.GetSnapshot("s1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.UserID != "u1" || got.Turns != 2 || got.Status != SnapshotActive {
		t.Errorf("snapshot = %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v (preserved)", got.CreatedAt, created)
	}
	if !got.UpdatedAt.Equal(created.Add(time.Hour)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
	if len(got.State) != 2 {
		t.Fatalf("state fields = %v", got.State.Fields())
	}
	if v := got.State["hasPet"].Value; v.Kind() != attr.KindBool || v.Bool() {
		t.Errorf("hasPet = %v, want false", v)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSnapshot("missing")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndListInsights(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 2; i++ {
		in := Insight{
			ID:         fmt.Sprintf("ins-%d", i),
			SessionID:  "s1",
			Dimension:  "career",
			Insights:   []string{fmt.Sprintf("insight %d", i)},
			Confidence: 0.8,
			Reasoning:  "mentions promotion",
			CreatedAt:  time.Date(2025, 3, 1, 0, i, 0, 0, time.UTC),
		}
		if err := s.SaveInsight(in); err != nil {
			t.Fatalf("SaveInsight %d: %v", i, err)
		}
	}
	if err := s.SaveInsight(Insight{ID: "other", SessionID: "s2", Dimension: "career"}); err != nil {
		t.Fatalf("SaveInsight other: %v", err)
	}

	got, err := s.ListInsights("s1")
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "ins-0" || got[1].ID != "ins-1" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if len(got[1].Insights) != 1 || got[1].Insights[0] != "insight 1" {
		t.Errorf("insights = %v", got[1].Insights)
	}

	other, err := s.ListInsights("s2")
	if err != nil {
		t.Fatalf("ListInsights s2: %v", err)
	}
	if len(other) != 1 || other[0].Insights == nil || len(other[0].Insights) != 0 {
		t.Errorf("empty insights should round-trip as an empty list, got %+v", other)
	}
}

func TestAppendAndListTurnLogs(t *testing.T) {
	s := openTestStore(t)

	llm := int64(420)
	entries := []TurnLog{
		{SessionID: "s1", Message: "我在深圳做投资", MatcherHit: true, MatcherConfidence: 0.92, TotalLatencyMs: 3},
		{SessionID: "s1", Message: "周末一般宅着", LLMCalled: true, LLMLatencyMs: &llm, TotalLatencyMs: 425, ConflictsJSON: `[{"field":"city"}]`},
	}
	for _, e := range entries {
		if err := s.AppendTurnLog(e); err != nil {
			t.Fatalf("AppendTurnLog: %v", err)
		}
	}

	got, err := s.RecentTurnLogs("s1", 10)
	if err != nil {
		t.Fatalf("RecentTurnLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	newest := got[0]
	if newest.Message != "周末一般宅着" || !newest.LLMCalled || newest.MatcherHit {
		t.Errorf("newest = %+v", newest)
	}
	if newest.LLMLatencyMs == nil || *newest.LLMLatencyMs != 420 {
		t.Errorf("LLMLatencyMs = %v, want 420", newest.LLMLatencyMs)
	}
	if newest.ConflictsJSON != `[{"field":"city"}]` {
		t.Errorf("ConflictsJSON = %q", newest.ConflictsJSON)
	}
	oldest := got[1]
	if !oldest.MatcherHit || oldest.MatcherConfidence != 0.92 {
		t.Errorf("oldest = %+v", oldest)
	}
	if oldest.LLMLatencyMs != nil {
		t.Errorf("LLMLatencyMs = %v, want nil", *oldest.LLMLatencyMs)
	}
	if oldest.ConflictsJSON != "[]" {
		t.Errorf("ConflictsJSON = %q, want []", oldest.ConflictsJSON)
	}

	limited, err := s.RecentTurnLogs("s1", 1)
	if err != nil {
		t.Fatalf("RecentTurnLogs limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len = %d, want 1", len(limited))
	}
}

func TestGetJob(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetJob("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.EnqueueJob(Job{ID: "j1", Type: "profile_flush", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "pending" || got.MaxAttempts != 3 {
		t.Errorf("job = %+v", got)
	}
}

// TestJobsTableExists verifies the jobs table is created by migration and supports round-trip.
func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json) VALUES ('j1', 'profile_flush', '{"user_id":"u1"}')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var id, typ, payload, status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&id, &typ, &payload, &status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}

	if id != "j1" {
		t.Errorf("id = %q, want %q", id, "j1")
	}
	if typ != "profile_flush" {
		t.Errorf("type = %q, want %q", typ, "profile_flush")
	}
	if payload != `{"user_id":"u1"}` {
		t.Errorf("payload_json = %q, want %q", payload, `{"user_id":"u1"}`)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if maxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", maxAttempts)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "profile_flush",
		PayloadJSON: `{"user_id":"u1"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"profile_flush"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "profile_flush" {
		t.Errorf("Type = %q, want %q", got.Type, "profile_flush")
	}
	if got.PayloadJSON != `{"user_id":"u1"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"user_id":"u1"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"profile_flush"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "profile_flush",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"profile_flush"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}
