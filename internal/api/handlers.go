package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/filter"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// compile turns a query parameter into a filter expression. Filters never
// fail; a non-blank value that yields no terms matches everything.
func (s *Server) compile(q url.Values, param string) filter.Expression {
	raw := q.Get(param)
	expr := filter.Compile(raw)
	if expr.IsEmpty() && strings.TrimSpace(raw) != "" {
		s.logger.Debug("Filter has no terms", zap.String("param", param), zap.String("raw", raw))
	}
	return expr
}

// list splits a parameter on the filter separators into normalized values.
func list(q url.Values, param string) []string {
	fields := strings.FieldsFunc(q.Get(param), func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	return tagset.Values(fields)
}

func (s *Server) handleFindCVEs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.CVEQuery{
		ID:       q.Get("id"),
		Keywords: q.Get("keywords"),
	}
	if raw := q.Get("base_score"); raw != "" {
		n := filter.ParseNumeric(raw)
		query.BaseScore = &n
	}

	records, err := s.entities.FindCVEs(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []cve.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetCVE(w http.ResponseWriter, r *http.Request) {
	record, err := s.entities.GetCVE(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleFindGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	groups, err := s.entities.FindGroups(r.Context(), store.GroupQuery{
		MID:        q.Get("mid"),
		Desc:       q.Get("desc"),
		Techniques: s.compile(q, "techs"),
		Labels:     s.compile(q, "labels"),
		Sectors:    s.compile(q, "sectors"),
		Countries:  s.compile(q, "countries"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []mitre.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.entities.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleFindTechniques(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	techniques, err := s.entities.FindTechniques(r.Context(), store.TechniqueQuery{
		MID:       q.Get("mid"),
		Desc:      q.Get("desc"),
		Platforms: list(q, "platforms"),
		Labels:    s.compile(q, "labels"),
		Tactics:   s.compile(q, "tactics"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if techniques == nil {
		techniques = []mitre.Technique{}
	}
	writeJSON(w, http.StatusOK, techniques)
}

func (s *Server) handleGetTechnique(w http.ResponseWriter, r *http.Request) {
	technique, err := s.entities.GetTechnique(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, technique)
}

func (s *Server) handleFindTactics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tactics, err := s.entities.FindTactics(r.Context(), store.TacticQuery{
		MID:        q.Get("mid"),
		Techniques: s.compile(q, "techs"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tactics == nil {
		tactics = []mitre.Tactic{}
	}
	writeJSON(w, http.StatusOK, tactics)
}

func (s *Server) handleFindMalware(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	malware, err := s.entities.FindMalware(r.Context(), store.MalwareQuery{
		MID:       q.Get("mid"),
		Name:      q.Get("name"),
		Labels:    s.compile(q, "labels"),
		Platforms: s.compile(q, "platforms"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if malware == nil {
		malware = []mitre.Malware{}
	}
	writeJSON(w, http.StatusOK, malware)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	s.writeGroupTags(w, r, func(g mitre.Group) tagset.Set { return g.Countries })
}

func (s *Server) handleSectors(w http.ResponseWriter, r *http.Request) {
	s.writeGroupTags(w, r, func(g mitre.Group) tagset.Set { return g.Sectors })
}

// writeGroupTags responds with the sorted distinct values of one group tag
// field across every stored group.
func (s *Server) writeGroupTags(w http.ResponseWriter, r *http.Request, field func(mitre.Group) tagset.Set) {
	groups, err := s.entities.FindGroups(r.Context(), store.GroupQuery{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	values := tagset.New()
	for _, g := range groups {
		values = values.Union(field(g))
	}
	writeJSON(w, http.StatusOK, values.Sorted())
}
