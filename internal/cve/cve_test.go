package cve

import "testing"

func TestMentions(t *testing.T) {
	r := Record{ID: "CVE-2024-0001", Description: "A flaw in WordPress core allows XSS."}
	if !r.Mentions("wordpress") {
		t.Error("expected case-insensitive match on wordpress")
	}
	if r.Mentions("drupal") {
		t.Error("unexpected match on drupal")
	}
}

func TestSeverityFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{9.8, "CRITICAL"},
		{7.0, "HIGH"},
		{5.3, "MEDIUM"},
		{0.1, "LOW"},
		{0, "NONE"},
	}
	for _, tt := range tests {
		if got := SeverityFromScore(tt.score); got != tt.want {
			t.Errorf("score %v: expected %s, got %s", tt.score, tt.want, got)
		}
	}
}
