// Package filter compiles tag filter strings into a two-level
// disjunction-of-conjunctions and evaluates them against tag sets.
//
// Grammar:
//
//	filter      := conjunction (',' conjunction)*
//	conjunction := term (('+' | ' ') term)*
//	term        := ['!'] TOKEN
//
// Tokens are case-insensitive. Empty segments and empty terms are ignored,
// and a filter with no terms matches every tag set.
package filter

import (
	"strings"

	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// Term is a single tag test inside a conjunction.
type Term struct {
	Tag     string `json:"tag"`
	Negated bool   `json:"negated,omitempty"`
}

// Matches reports whether the term holds for set.
func (t Term) Matches(set tagset.Set) bool {
	_, present := set[t.Tag]
	return present != t.Negated
}

func (t Term) String() string {
	if t.Negated {
		return "!" + t.Tag
	}
	return t.Tag
}

// Conjunction matches when all of its terms match.
type Conjunction struct {
	Terms []Term `json:"terms"`
}

// Matches reports whether every term holds for set.
func (c Conjunction) Matches(set tagset.Set) bool {
	for _, t := range c.Terms {
		if !t.Matches(set) {
			return false
		}
	}
	return true
}

// Required returns the tags that must be present.
func (c Conjunction) Required() []string {
	return c.tags(false)
}

// Excluded returns the tags that must be absent.
func (c Conjunction) Excluded() []string {
	return c.tags(true)
}

func (c Conjunction) tags(negated bool) []string {
	var out []string
	for _, t := range c.Terms {
		if t.Negated == negated {
			out = append(out, t.Tag)
		}
	}
	return out
}

func (c Conjunction) String() string {
	parts := make([]string, len(c.Terms))
	for i, t := range c.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, "+")
}

// Expression matches when any of its conjunctions matches. An expression
// with no conjunctions matches everything.
type Expression struct {
	Conjunctions []Conjunction `json:"conjunctions"`
}

// Compile parses raw into an Expression. It never fails: malformed pieces
// are dropped, which can only make the expression broader.
func Compile(raw string) Expression {
	var expr Expression
	for _, segment := range strings.Split(raw, ",") {
		var conj Conjunction
		for _, field := range strings.FieldsFunc(segment, isSeparator) {
			negated := false
			token := strings.TrimSpace(field)
			if strings.HasPrefix(token, "!") {
				negated = true
				token = token[1:]
			}
			token = tagset.Normalize(token)
			if token == "" {
				continue
			}
			conj.Terms = append(conj.Terms, Term{Tag: token, Negated: negated})
		}
		if len(conj.Terms) > 0 {
			expr.Conjunctions = append(expr.Conjunctions, conj)
		}
	}
	return expr
}

func isSeparator(r rune) bool {
	return r == '+' || r == ' '
}

// IsEmpty reports whether the expression carries no terms.
func (e Expression) IsEmpty() bool {
	return len(e.Conjunctions) == 0
}

// Matches evaluates the expression against set.
func (e Expression) Matches(set tagset.Set) bool {
	if e.IsEmpty() {
		return true
	}
	for _, c := range e.Conjunctions {
		if c.Matches(set) {
			return true
		}
	}
	return false
}

// String renders the expression in canonical form. Compiling the result
// yields an equivalent expression.
func (e Expression) String() string {
	parts := make([]string, len(e.Conjunctions))
	for i, c := range e.Conjunctions {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}
