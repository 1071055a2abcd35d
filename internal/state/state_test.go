package state

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager() (*Manager, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManagerWithClock(clk, 0), clk
}

func inferred(field string, v attr.Value, conf float64) attr.InferredAttribute {
	return attr.InferredAttribute{Field: field, Value: v, Confidence: conf, Evidence: "test"}
}

func TestUpdateExplicit(t *testing.T) {
	m, clk := newTestManager()
	start := attr.Map{
		"city": {Value: attr.String("北京"), Source: attr.SourceInferred, Confidence: 0.9},
	}
	got := m.UpdateExplicit(start, map[string]attr.Value{
		"city":      attr.String("  深圳 "),
		"interests": attr.List("徒步", " ", ""),
		"blank":     attr.String("   "),
	})

	city := got["city"]
	if !city.Value.Equal(attr.String("深圳")) || city.Source != attr.SourceExplicit || city.Confidence != 1.0 {
		t.Errorf("city = %+v, want explicit 深圳 at 1.0", city)
	}
	if !city.Timestamp.Equal(clk.t) {
		t.Errorf("timestamp = %v, want %v", city.Timestamp, clk.t)
	}
	if items := got["interests"].Value.Items(); !reflect.DeepEqual(items, []string{"徒步"}) {
		t.Errorf("interests = %v, want [徒步]", items)
	}
	if _, ok := got["blank"]; ok {
		t.Error("blank value should not be stored")
	}
	if !start["city"].Value.Equal(attr.String("北京")) {
		t.Error("UpdateExplicit mutated its input")
	}
}

func TestUpdateInferred_InsertAbsent(t *testing.T) {
	m, _ := newTestManager()
	got, conflicts := m.UpdateInferred(nil, []attr.InferredAttribute{inferred("industry", attr.String("金融"), 0.85)})
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %+v, want none", conflicts)
	}
	s := got["industry"]
	if s.Source != attr.SourceInferred || s.Confidence != 0.85 || s.Evidence != "test" {
		t.Errorf("industry = %+v", s)
	}
}

func TestUpdateInferred_ExplicitOverridesInferred(t *testing.T) {
	m, clk := newTestManager()
	st := m.UpdateExplicit(nil, map[string]attr.Value{"city": attr.String("深圳")})
	clk.Advance(time.Hour) // stale, but explicit still wins

	for _, conf := range []float64{0.1, 0.6, 0.9, 0.94} {
		next, conflicts := m.UpdateInferred(st, []attr.InferredAttribute{inferred("city", attr.String("广州"), conf)})
		if got := next["city"]; got.Source != attr.SourceExplicit || !got.Value.Equal(attr.String("深圳")) {
			t.Errorf("conf %v: city = %+v, want explicit 深圳", conf, got)
		}
		if len(conflicts) != 1 || conflicts[0].Resolution != attr.ResolutionKeepExisting {
			t.Errorf("conf %v: conflicts = %+v, want keep_existing", conf, conflicts)
		}
	}

	next, conflicts := m.UpdateInferred(st, []attr.InferredAttribute{inferred("city", attr.String("广州"), 0.98)})
	if len(conflicts) != 1 || conflicts[0].Resolution != attr.ResolutionUseNew {
		t.Fatalf("conflicts = %+v, want use_new", conflicts)
	}
	if !next["city"].Value.Equal(attr.String("广州")) {
		t.Errorf("city = %v, want 广州", next["city"].Value)
	}
}

func TestUpdateInferred_Reinforcement(t *testing.T) {
	m, _ := newTestManager()
	st, _ := m.UpdateInferred(nil, []attr.InferredAttribute{inferred("city", attr.String("深圳"), 0.6)})

	prev := st["city"].Confidence
	for i := 0; i < 10; i++ {
		var conflicts []attr.ConflictInfo
		st, conflicts = m.UpdateInferred(st, []attr.InferredAttribute{inferred("city", attr.String("深圳"), 1.0)})
		if len(conflicts) != 0 {
			t.Fatalf("identical value produced conflicts: %+v", conflicts)
		}
		got := st["city"].Confidence
		if got < prev {
			t.Fatalf("confidence decreased from %v to %v", prev, got)
		}
		if got > 1.0 {
			t.Fatalf("confidence %v exceeds 1.0", got)
		}
		prev = got
	}
	if prev != 1.0 {
		t.Errorf("confidence = %v, want capped at 1.0", prev)
	}
}

func TestUpdateInferred_ReinforceStep(t *testing.T) {
	m, _ := newTestManager()
	st, _ := m.UpdateInferred(nil, []attr.InferredAttribute{inferred("city", attr.String("深圳"), 0.6)})
	st, _ = m.UpdateInferred(st, []attr.InferredAttribute{inferred("city", attr.String("深圳"), 0.65)})
	if got := st["city"].Confidence; got < 0.6999 || got > 0.7001 {
		t.Errorf("confidence = %v, want 0.7", got)
	}
	// Lower confidence for the same value changes nothing.
	st2, _ := m.UpdateInferred(st, []attr.InferredAttribute{inferred("city", attr.String("深圳"), 0.5)})
	if st2["city"].Confidence != st["city"].Confidence {
		t.Errorf("lower confidence changed stored value: %v", st2["city"].Confidence)
	}
}

func TestUpdateInferred_ConflictPolicy(t *testing.T) {
	tests := []struct {
		name     string
		existing float64
		age      time.Duration
		incoming float64
		want     attr.Resolution
	}{
		{"substantially more confident", 0.6, 0, 0.85, attr.ResolutionUseNew},
		{"margin not exceeded", 0.6, 0, 0.8, attr.ResolutionNeedsClarification},
		{"stale and confident", 0.8, 6 * time.Minute, 0.7, attr.ResolutionUseNew},
		{"stale but weak", 0.8, 6 * time.Minute, 0.65, attr.ResolutionNeedsClarification},
		{"fresh and confident", 0.8, 4 * time.Minute, 0.75, attr.ResolutionNeedsClarification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clk := newTestManager()
			st, _ := m.UpdateInferred(nil, []attr.InferredAttribute{inferred("city", attr.String("深圳"), tt.existing)})
			clk.Advance(tt.age)

			next, conflicts := m.UpdateInferred(st, []attr.InferredAttribute{inferred("city", attr.String("广州"), tt.incoming)})
			if len(conflicts) != 1 {
				t.Fatalf("conflicts = %+v, want exactly one", conflicts)
			}
			c := conflicts[0]
			if c.Resolution != tt.want {
				t.Errorf("resolution = %s, want %s (%s)", c.Resolution, tt.want, c.Reason)
			}
			if !c.ExistingValue.Equal(attr.String("深圳")) || !c.NewValue.Equal(attr.String("广州")) {
				t.Errorf("conflict values = %v → %v", c.ExistingValue, c.NewValue)
			}
			wantValue := attr.String("深圳")
			if tt.want == attr.ResolutionUseNew {
				wantValue = attr.String("广州")
			}
			if !next["city"].Value.Equal(wantValue) {
				t.Errorf("city = %v, want %v", next["city"].Value, wantValue)
			}
		})
	}
}

func TestUpdateInferred_StaleWindowConfigurable(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManagerWithClock(clk, time.Minute)
	st, _ := m.UpdateInferred(nil, []attr.InferredAttribute{inferred("city", attr.String("深圳"), 0.8)})
	clk.Advance(2 * time.Minute)
	_, conflicts := m.UpdateInferred(st, []attr.InferredAttribute{inferred("city", attr.String("广州"), 0.7)})
	if len(conflicts) != 1 || conflicts[0].Resolution != attr.ResolutionUseNew {
		t.Errorf("conflicts = %+v, want use_new after 1m stale window", conflicts)
	}
}

func TestUpdateInferred_ListGrowth(t *testing.T) {
	m, _ := newTestManager()
	st, _ := m.UpdateInferred(nil, []attr.InferredAttribute{inferred("interests", attr.List("摄影"), 0.75)})

	st, conflicts := m.UpdateInferred(st, []attr.InferredAttribute{inferred("interests", attr.List("摄影", "徒步"), 0.7)})
	if len(conflicts) != 0 {
		t.Errorf("list growth produced conflicts: %+v", conflicts)
	}
	if got := st["interests"]; !got.Value.Equal(attr.List("摄影", "徒步")) || got.Confidence != 0.75 {
		t.Errorf("interests = %+v", got)
	}

	_, conflicts = m.UpdateInferred(st, []attr.InferredAttribute{inferred("interests", attr.List("徒步"), 0.7)})
	if len(conflicts) != 0 {
		t.Errorf("subset list produced conflicts: %+v", conflicts)
	}
}

func TestSkipAndConfirmLists(t *testing.T) {
	st := attr.Map{
		"a": {Value: attr.String("x"), Confidence: 1.0},
		"b": {Value: attr.String("x"), Confidence: 0.85},
		"c": {Value: attr.String("x"), Confidence: 0.8499},
		"d": {Value: attr.String("x"), Confidence: 0.6},
		"e": {Value: attr.String("x"), Confidence: 0.5999},
	}
	if got := SkipList(st); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("SkipList = %v, want [a b]", got)
	}
	var confirmFields []string
	for _, q := range ConfirmList(st) {
		confirmFields = append(confirmFields, q.Field)
	}
	if !reflect.DeepEqual(confirmFields, []string{"c", "d"}) {
		t.Errorf("ConfirmList fields = %v, want [c d]", confirmFields)
	}
}

func TestContextDigest(t *testing.T) {
	st := attr.Map{
		"city":      {Value: attr.String("深圳"), Source: attr.SourceExplicit, Confidence: 1.0},
		"industry":  {Value: attr.String("金融"), Source: attr.SourceInferred, Confidence: 0.85},
		"interests": {Value: attr.List("徒步", "摄影"), Source: attr.SourceInferred, Confidence: 0.7},
		"gender":    {Value: attr.String("女"), Source: attr.SourceInferred, Confidence: 0.3},
	}
	got := ContextDigest(st)
	for _, want := range []string{"【已确认信息】", "所在城市：深圳（用户亲口说的）", "行业：金融（推断）", "【待确认信息】", "兴趣爱好：徒步、摄影（置信度 70%）"} {
		if !strings.Contains(got, want) {
			t.Errorf("digest missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "性别") {
		t.Errorf("low-confidence field leaked into digest:\n%s", got)
	}
	if ContextDigest(nil) != "" {
		t.Error("empty state should produce an empty digest")
	}
}

func TestReconcile_LLMTakesPrecedence(t *testing.T) {
	m, _ := newTestManager()
	fromMatcher := Findings{
		Inferred: []attr.InferredAttribute{
			inferred("industry", attr.String("技术"), 0.85),
			inferred("city", attr.String("深圳"), 0.9),
		},
	}
	fromLLM := &Findings{
		Inferred: []attr.InferredAttribute{inferred("industry", attr.String("金融"), 0.8)},
	}
	out := m.Reconcile(fromMatcher, fromLLM, nil)

	if got := out.NewState["industry"].Value; !got.Equal(attr.String("金融")) {
		t.Errorf("industry = %v, want LLM's 金融", got)
	}
	if got := out.NewState["city"].Value; !got.Equal(attr.String("深圳")) {
		t.Errorf("city = %v, want matcher gap-fill 深圳", got)
	}
	if len(out.Conflicts) != 0 {
		t.Errorf("conflicts = %+v, want none on empty state", out.Conflicts)
	}
}

func TestReconcile_ExplicitThenInferred(t *testing.T) {
	m, _ := newTestManager()
	fromMatcher := Findings{
		Extracted: map[string]attr.Value{"city": attr.String("深圳")},
		Inferred:  []attr.InferredAttribute{inferred("city", attr.String("北京"), 0.72)},
	}
	out := m.Reconcile(fromMatcher, nil, nil)
	if got := out.NewState["city"]; got.Source != attr.SourceExplicit || !got.Value.Equal(attr.String("深圳")) {
		t.Errorf("city = %+v, want explicit 深圳", got)
	}
	if len(out.Conflicts) != 1 || out.Conflicts[0].Resolution != attr.ResolutionKeepExisting {
		t.Errorf("conflicts = %+v, want keep_existing", out.Conflicts)
	}
}

func TestReconcile_ListsUnionAndDisjoint(t *testing.T) {
	m, _ := newTestManager()
	fromMatcher := Findings{
		Inferred: []attr.InferredAttribute{
			inferred("industry", attr.String("金融"), 0.85),
			inferred("interests", attr.List("徒步"), 0.7),
		},
		SkipQuestions:    []string{"industry"},
		ConfirmQuestions: []attr.ConfirmQuestion{attr.NewConfirmQuestion("interests", attr.List("徒步"))},
	}
	fromLLM := &Findings{
		SkipQuestions:    []string{"gender"},
		ConfirmQuestions: []attr.ConfirmQuestion{attr.NewConfirmQuestion("industry", attr.String("金融"))},
	}
	out := m.Reconcile(fromMatcher, fromLLM, nil)

	if !reflect.DeepEqual(out.SkipQuestions, []string{"gender", "industry"}) {
		t.Errorf("SkipQuestions = %v, want [gender industry]", out.SkipQuestions)
	}
	if len(out.ConfirmQuestions) != 1 || out.ConfirmQuestions[0].Field != "interests" {
		t.Errorf("ConfirmQuestions = %+v, want only interests", out.ConfirmQuestions)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	m, _ := newTestManager()
	start := attr.Map{
		"city": {Value: attr.String("北京"), Source: attr.SourceInferred, Confidence: 0.6, Timestamp: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	fromMatcher := Findings{
		Extracted: map[string]attr.Value{"gender": attr.String("女")},
		Inferred: []attr.InferredAttribute{
			inferred("city", attr.String("深圳"), 0.9),
			inferred("interests", attr.List("徒步", "摄影"), 0.75),
		},
	}
	fromLLM := &Findings{
		Inferred: []attr.InferredAttribute{inferred("industry", attr.String("金融"), 0.85)},
	}

	a := m.Reconcile(fromMatcher, fromLLM, start)
	b := m.Reconcile(fromMatcher, fromLLM, start)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Reconcile is not idempotent:\n%+v\n%+v", a, b)
	}
	if !start["city"].Value.Equal(attr.String("北京")) {
		t.Error("Reconcile mutated its input state")
	}
}

func TestReconcile_EndToEndTurn(t *testing.T) {
	m, _ := newTestManager()
	fromMatcher := Findings{
		Extracted: map[string]attr.Value{"city": attr.String("深圳")},
		Inferred: []attr.InferredAttribute{
			{Field: "industry", Value: attr.String("金融"), Confidence: 0.85, Evidence: "我在深圳做投资"},
		},
	}
	out := m.Reconcile(fromMatcher, nil, nil)

	if got := out.NewState["city"]; got.Source != attr.SourceExplicit || got.Confidence != 1.0 {
		t.Errorf("city = %+v, want explicit at 1.0", got)
	}
	ind := out.NewState["industry"]
	if !ind.Value.Equal(attr.String("金融")) || ind.Confidence != 0.85 || !strings.Contains(ind.Evidence, "投资") {
		t.Errorf("industry = %+v", ind)
	}
	if !reflect.DeepEqual(out.SkipQuestions, []string{"city", "industry"}) {
		t.Errorf("SkipQuestions = %v, want [city industry]", out.SkipQuestions)
	}
	for _, q := range out.ConfirmQuestions {
		if q.Field == "industry" {
			t.Error("industry at 0.85 must not be confirmed")
		}
	}
}

func TestReconcile_UnresolvedConflictIsNotSkipped(t *testing.T) {
	m, clk := newTestManager()
	current := attr.Map{
		"industry": {Value: attr.String("互联网"), Source: attr.SourceInferred, Confidence: 0.72, Timestamp: clk.Now()},
		"city":     {Value: attr.String("深圳"), Source: attr.SourceInferred, Confidence: 0.6, Timestamp: clk.Now()},
	}
	fromMatcher := Findings{
		Inferred:         []attr.InferredAttribute{inferred("industry", attr.String("金融"), 0.85)},
		SkipQuestions:    []string{"industry"},
		ConfirmQuestions: []attr.ConfirmQuestion{attr.NewConfirmQuestion("industry", attr.String("金融"))},
	}
	fromLLM := &Findings{SkipQuestions: []string{"city", "gender"}}
	out := m.Reconcile(fromMatcher, fromLLM, current)

	if len(out.Conflicts) != 1 || out.Conflicts[0].Resolution != attr.ResolutionNeedsClarification {
		t.Fatalf("conflicts = %+v, want one needs_clarification", out.Conflicts)
	}
	if got := out.NewState["industry"]; !got.Value.Equal(attr.String("互联网")) || got.Confidence != 0.72 {
		t.Errorf("industry = %+v, want stored 互联网 at 0.72", got)
	}
	if !reflect.DeepEqual(out.SkipQuestions, []string{"gender"}) {
		t.Errorf("SkipQuestions = %v, want [gender]", out.SkipQuestions)
	}

	var industry *attr.ConfirmQuestion
	for i, q := range out.ConfirmQuestions {
		if q.Field == "industry" {
			industry = &out.ConfirmQuestions[i]
		}
	}
	if industry == nil {
		t.Fatalf("ConfirmQuestions = %+v, want one for industry", out.ConfirmQuestions)
	}
	if !industry.InferredValue.Equal(attr.String("互联网")) {
		t.Errorf("industry confirm value = %v, want the stored 互联网", industry.InferredValue)
	}
}
