package sqlite

import (
	"strings"

	"github.com/lvonguyen/ctiengine/internal/filter"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// whereBuilder accumulates AND-ed predicates and their arguments.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

// contains adds a case-insensitive substring test on column. Both sides are
// folded with strings.ToLower; SQLite's lower() only folds ASCII.
func (w *whereBuilder) contains(column, substr string) {
	if substr == "" {
		return
	}
	w.add("instr(fold(coalesce("+column+", '')), ?) > 0", strings.ToLower(substr))
}

// tags translates expr over one tag field of kind. Each conjunction becomes
// a group of EXISTS / NOT EXISTS probes joined by AND, and the conjunctions
// are joined by OR. An empty expression adds nothing.
func (w *whereBuilder) tags(kind mitre.Kind, field string, expr filter.Expression) {
	if expr.IsEmpty() {
		return
	}
	disjuncts := make([]string, 0, len(expr.Conjunctions))
	for _, conj := range expr.Conjunctions {
		probes := make([]string, 0, len(conj.Terms))
		for _, term := range conj.Terms {
			probe := tagProbe
			if term.Negated {
				probe = "NOT " + tagProbe
			}
			probes = append(probes, probe)
			w.args = append(w.args, string(kind), field, term.Tag)
		}
		disjuncts = append(disjuncts, "("+strings.Join(probes, " AND ")+")")
	}
	w.clauses = append(w.clauses, "("+strings.Join(disjuncts, " OR ")+")")
}

// anyTag adds an any-of membership test for values on one tag field.
func (w *whereBuilder) anyTag(kind mitre.Kind, field string, values []string) {
	values = tagset.Values(values)
	if len(values) == 0 {
		return
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	clause := "EXISTS (SELECT 1 FROM entity_tags t WHERE t.kind = ? AND t.mid = e.mid AND t.field = ? AND t.tag IN (" + placeholders + "))"
	args := []any{string(kind), field}
	for _, v := range values {
		args = append(args, v)
	}
	w.add(clause, args...)
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " AND " + strings.Join(w.clauses, " AND ")
}

const tagProbe = "EXISTS (SELECT 1 FROM entity_tags t WHERE t.kind = ? AND t.mid = e.mid AND t.field = ? AND t.tag = ?)"
