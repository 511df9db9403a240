package filter

import (
	"reflect"
	"testing"

	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// =============================================================================
// Compile
// =============================================================================

// TestCompile verifies parsing of separators, negation, and empty pieces.
func TestCompile(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Conjunction
	}{
		{
			name: "empty string",
			raw:  "",
			want: nil,
		},
		{
			name: "only separators",
			raw:  ", ,+,",
			want: nil,
		},
		{
			name: "single term",
			raw:  "Windows",
			want: []Conjunction{{Terms: []Term{{Tag: "windows"}}}},
		},
		{
			name: "plus and space are equivalent",
			raw:  "windows+!linux aws",
			want: []Conjunction{{Terms: []Term{
				{Tag: "windows"},
				{Tag: "linux", Negated: true},
				{Tag: "aws"},
			}}},
		},
		{
			name: "comma separates conjunctions in order",
			raw:  "windows+!linux,aws",
			want: []Conjunction{
				{Terms: []Term{{Tag: "windows"}, {Tag: "linux", Negated: true}}},
				{Terms: []Term{{Tag: "aws"}}},
			},
		},
		{
			name: "bare bang is dropped",
			raw:  "!,!+windows",
			want: []Conjunction{{Terms: []Term{{Tag: "windows"}}}},
		},
		{
			name: "whitespace trimmed and lowercased",
			raw:  "  Office 365 ,, LINUX ",
			want: []Conjunction{
				{Terms: []Term{{Tag: "office"}, {Tag: "365"}}},
				{Terms: []Term{{Tag: "linux"}}},
			},
		},
		{
			name: "tab is not a term separator",
			raw:  "windows\tlinux+aws",
			want: []Conjunction{{Terms: []Term{{Tag: "windows\tlinux"}, {Tag: "aws"}}}},
		},
		{
			name: "edge tabs trimmed",
			raw:  "\twindows\t,aws",
			want: []Conjunction{
				{Terms: []Term{{Tag: "windows"}}},
				{Terms: []Term{{Tag: "aws"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compile(tt.raw)
			if !reflect.DeepEqual(got.Conjunctions, tt.want) {
				t.Errorf("Compile(%q) = %+v, want %+v", tt.raw, got.Conjunctions, tt.want)
			}
		})
	}
}

// TestCompileRoundTrip verifies that compiling the canonical form of an
// expression yields the same expression.
func TestCompileRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"a",
		"A+!b, c d ,,",
		"!x+!y,z",
		"windows+!linux,aws",
	}
	for _, raw := range inputs {
		first := Compile(raw)
		second := Compile(first.String())
		if !reflect.DeepEqual(first, second) {
			t.Errorf("round trip of %q changed expression: %+v vs %+v", raw, first, second)
		}
	}
}

// =============================================================================
// Matches
// =============================================================================

// TestEmptyExpressionMatchesEverything verifies the match-all identity.
func TestEmptyExpressionMatchesEverything(t *testing.T) {
	sets := []tagset.Set{nil, tagset.New(), tagset.New("anything", "else")}
	for _, raw := range []string{"", " ", ",,", "!"} {
		expr := Compile(raw)
		if !expr.IsEmpty() {
			t.Fatalf("expected %q to compile to an empty expression", raw)
		}
		for _, s := range sets {
			if !expr.Matches(s) {
				t.Errorf("empty expression %q rejected %v", raw, s.Sorted())
			}
		}
	}
}

// TestNegationExcludes verifies that a negated term rejects sets containing it.
func TestNegationExcludes(t *testing.T) {
	expr := Compile("!linux")
	if expr.Matches(tagset.New("linux", "windows")) {
		t.Error("expected !linux to reject a set containing linux")
	}
	if !expr.Matches(tagset.New("windows")) {
		t.Error("expected !linux to accept a set without linux")
	}
}

// TestDisjunctionMonotonicity verifies that adding a conjunction never
// removes matches.
func TestDisjunctionMonotonicity(t *testing.T) {
	sets := []tagset.Set{
		tagset.New("windows"),
		tagset.New("windows", "linux"),
		tagset.New("aws"),
		tagset.New(),
	}
	base := Compile("windows+!linux")
	wider := Compile("windows+!linux,aws")
	for _, s := range sets {
		if base.Matches(s) && !wider.Matches(s) {
			t.Errorf("adding a conjunction removed match for %v", s.Sorted())
		}
	}
}

// TestConjunctionOrderIndependent verifies term order does not change results.
func TestConjunctionOrderIndependent(t *testing.T) {
	a := Compile("windows+!linux+aws")
	b := Compile("aws !linux windows")
	sets := []tagset.Set{
		tagset.New("windows", "aws"),
		tagset.New("windows", "aws", "linux"),
		tagset.New("windows"),
	}
	for _, s := range sets {
		if a.Matches(s) != b.Matches(s) {
			t.Errorf("term order changed result for %v", s.Sorted())
		}
	}
}

// TestLabelScenario verifies labels=windows+!linux,aws against three techniques.
func TestLabelScenario(t *testing.T) {
	expr := Compile("windows+!linux,aws")
	entities := []struct {
		labels tagset.Set
		want   bool
	}{
		{tagset.New("windows"), true},
		{tagset.New("windows", "linux"), false},
		{tagset.New("aws"), true},
	}
	for i, e := range entities {
		if got := expr.Matches(e.labels); got != e.want {
			t.Errorf("entity %d: expected %v, got %v", i+1, e.want, got)
		}
	}
}

// TestConjunctionTags verifies Required and Excluded split terms by polarity.
func TestConjunctionTags(t *testing.T) {
	c := Compile("a+!b+c+!d").Conjunctions[0]
	if got := c.Required(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("unexpected required tags %v", got)
	}
	if got := c.Excluded(); !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Errorf("unexpected excluded tags %v", got)
	}
}
