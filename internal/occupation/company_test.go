package occupation

import (
	"reflect"
	"testing"
)

func TestRecognize(t *testing.T) {
	r := DefaultRecognizer()
	tests := []struct {
		text string
		want string
	}{
		{"我在腾讯上班", "腾讯"},
		{"I work at Tencent", "腾讯"},
		{"在鹅厂做产品", "腾讯"},
		{"刚从ByteDance离职", "字节跳动"},
		{"招行的客户经理", "招商银行"},
	}
	for _, tt := range tests {
		got := r.Recognize(tt.text)
		if got == nil {
			t.Errorf("Recognize(%q) = nil, want %q", tt.text, tt.want)
			continue
		}
		if got.Name != tt.want {
			t.Errorf("Recognize(%q) = %q, want %q", tt.text, got.Name, tt.want)
		}
	}
}

func TestRecognize_None(t *testing.T) {
	r := DefaultRecognizer()
	for _, in := range []string{"", "  ", "我在一家小公司"} {
		if got := r.Recognize(in); got != nil {
			t.Errorf("Recognize(%q) = %+v, want nil", in, got)
		}
	}
}

func TestRecognize_FirstMatchWins(t *testing.T) {
	r := NewRecognizer([]CompanyProfile{
		{Name: "Alpha", Industry: "a"},
		{Name: "Beta", Industry: "b"},
	})
	got := r.Recognize("beta and alpha")
	if got == nil || got.Name != "Alpha" {
		t.Errorf("Recognize = %+v, want Alpha (table order)", got)
	}
}

func TestPossibleRoles(t *testing.T) {
	r := NewRecognizer([]CompanyProfile{
		{Name: "腾讯", Aliases: []string{"Tencent"}, CommonRoles: []string{"软件工程师", "产品经理"}},
	})
	want := []string{"软件工程师", "产品经理"}
	if got := r.PossibleRoles("腾讯"); !reflect.DeepEqual(got, want) {
		t.Errorf("PossibleRoles(腾讯) = %v, want %v", got, want)
	}
	if got := r.PossibleRoles("TENCENT"); !reflect.DeepEqual(got, want) {
		t.Errorf("PossibleRoles(alias) = %v, want %v", got, want)
	}
	if got := r.PossibleRoles("unknown"); got != nil {
		t.Errorf("PossibleRoles(unknown) = %v, want nil", got)
	}

	got := r.PossibleRoles("腾讯")
	got[0] = "mutated"
	if r.PossibleRoles("腾讯")[0] != "软件工程师" {
		t.Error("PossibleRoles must return a copy")
	}
}

func TestLoadRecognizer_MissingName(t *testing.T) {
	if _, err := LoadRecognizer([]byte("companies:\n  - industry: x\n")); err == nil {
		t.Error("expected error for company without name")
	}
}
