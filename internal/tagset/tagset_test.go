package tagset

import (
	"encoding/json"
	"reflect"
	"testing"
)

// TestNew verifies that construction normalizes and de-duplicates input.
func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   []string
	}{
		{"empty", nil, []string{}},
		{"lowercases", []string{"Windows", "LINUX"}, []string{"linux", "windows"}},
		{"trims and dedupes", []string{" aws ", "AWS", "aws"}, []string{"aws"}},
		{"drops blanks", []string{"", "   ", "gcp"}, []string{"gcp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.values...).Sorted()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// TestSetNeverContainsEmpty verifies Add rejects tags that normalize to "".
func TestSetNeverContainsEmpty(t *testing.T) {
	s := New()
	if s.Add("  ") {
		t.Error("expected Add of blank tag to report no change")
	}
	if s.Has("") {
		t.Error("set must not contain the empty tag")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty set, got %d tags", s.Len())
	}
}

// TestHasNormalizes verifies membership is case-insensitive.
func TestHasNormalizes(t *testing.T) {
	s := New("windows")
	if !s.Has(" Windows ") {
		t.Error("expected Has to match after normalization")
	}
	if s.Has("linux") {
		t.Error("unexpected member linux")
	}
}

// TestJSONRoundTrip verifies the set encodes as a sorted array and decodes normalized.
func TestJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(New("b", "A"))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `["a","b"]` {
		t.Errorf("expected sorted array, got %s", data)
	}

	var s Set
	if err := json.Unmarshal([]byte(`["Linux"," linux","", "macOS"]`), &s); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got := s.Sorted(); !reflect.DeepEqual(got, []string{"linux", "macos"}) {
		t.Errorf("unexpected decoded set %v", got)
	}
}

// TestValuesKeepsOrder verifies Values de-duplicates while keeping first-seen order.
func TestValuesKeepsOrder(t *testing.T) {
	got := Values([]string{"Windows", "linux", "WINDOWS", "", "macos"})
	want := []string{"windows", "linux", "macos"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// TestUnion verifies Union leaves its operands untouched.
func TestUnion(t *testing.T) {
	a := New("x")
	b := New("y")
	u := a.Union(b)
	if u.Len() != 2 || a.Len() != 1 || b.Len() != 1 {
		t.Errorf("unexpected sizes: union=%d a=%d b=%d", u.Len(), a.Len(), b.Len())
	}
}
