// Package memory implements the store contracts in process, evaluating
// filter expressions directly against entity tag sets.
package memory

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// Store holds the knowledge base in memory.
type Store struct {
	catalog *mitre.Catalog

	mu     sync.RWMutex
	cves   map[string]cve.Record
	inputs map[string]store.StoredInput

	logger *zap.Logger
}

var (
	_ store.EntityStore = (*Store)(nil)
	_ store.Writer      = (*Store)(nil)
	_ store.InputStore  = (*Store)(nil)
	_ store.Pinger      = (*Store)(nil)
)

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		catalog: mitre.NewCatalog(logger),
		cves:    make(map[string]cve.Record),
		inputs:  make(map[string]store.StoredInput),
		logger:  logger,
	}
}

// Catalog exposes the underlying entity index.
func (s *Store) Catalog() *mitre.Catalog {
	return s.catalog
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Reset drops all entities and CVE records. Submitted inputs are kept.
func (s *Store) Reset(ctx context.Context) error {
	s.catalog.Reset()
	s.mu.Lock()
	s.cves = make(map[string]cve.Record)
	s.mu.Unlock()
	return nil
}

func (s *Store) PutGroups(ctx context.Context, groups []mitre.Group) error {
	s.catalog.PutGroups(groups...)
	return nil
}

func (s *Store) PutTechniques(ctx context.Context, techniques []mitre.Technique) error {
	s.catalog.PutTechniques(techniques...)
	return nil
}

func (s *Store) PutTactics(ctx context.Context, tactics []mitre.Tactic) error {
	s.catalog.PutTactics(tactics...)
	return nil
}

func (s *Store) PutMalware(ctx context.Context, malware []mitre.Malware) error {
	s.catalog.PutMalware(malware...)
	return nil
}

func (s *Store) PutCVEs(ctx context.Context, records []cve.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.cves[cve.NormalizeID(r.ID)] = r
	}
	return nil
}

// FindGroups returns the groups matching q.
func (s *Store) FindGroups(ctx context.Context, q store.GroupQuery) ([]mitre.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]mitre.Group, 0)
	for _, g := range s.catalog.Groups() {
		if matchGroup(q, g) {
			out = append(out, g)
		}
	}
	return out, nil
}

// GetGroup returns a group by mid.
func (s *Store) GetGroup(ctx context.Context, mid string) (*mitre.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, ok := s.catalog.GetGroup(mid)
	if !ok {
		return nil, store.NotFound(mitre.KindGroup, mid)
	}
	return g, nil
}

// FindTechniques returns the techniques matching q. A platform list is
// served from the catalog's platform index.
func (s *Store) FindTechniques(ctx context.Context, q store.TechniqueQuery) ([]mitre.Technique, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var candidates []mitre.Technique
	platforms := tagset.Values(q.Platforms)
	if len(platforms) > 0 {
		seen := make(map[string]struct{})
		for _, p := range platforms {
			for _, t := range s.catalog.TechniquesByPlatform(p) {
				if _, ok := seen[t.MID]; ok {
					continue
				}
				seen[t.MID] = struct{}{}
				candidates = append(candidates, t)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].MID < candidates[j].MID })
	} else {
		candidates = s.catalog.Techniques()
	}

	out := make([]mitre.Technique, 0, len(candidates))
	for _, t := range candidates {
		if matchTechnique(q, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTechnique returns a technique by mid.
func (s *Store) GetTechnique(ctx context.Context, mid string) (*mitre.Technique, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := s.catalog.GetTechnique(mid)
	if !ok {
		return nil, store.NotFound(mitre.KindTechnique, mid)
	}
	return t, nil
}

// FindTactics returns the tactics matching q.
func (s *Store) FindTactics(ctx context.Context, q store.TacticQuery) ([]mitre.Tactic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]mitre.Tactic, 0)
	for _, t := range s.catalog.Tactics() {
		if store.ContainsFold(t.MID, q.MID) && q.Techniques.Matches(t.TechniqueRefs) {
			out = append(out, t)
		}
	}
	return out, nil
}

// FindMalware returns the software entries matching q.
func (s *Store) FindMalware(ctx context.Context, q store.MalwareQuery) ([]mitre.Malware, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]mitre.Malware, 0)
	for _, m := range s.catalog.Malware() {
		if store.ContainsFold(m.MID, q.MID) && store.ContainsFold(m.Name, q.Name) &&
			q.Labels.Matches(m.Labels) && q.Platforms.Matches(m.Platforms) {
			out = append(out, m)
		}
	}
	return out, nil
}

// FindCVEs returns the CVE records matching q, ordered by id.
func (s *Store) FindCVEs(ctx context.Context, q store.CVEQuery) ([]cve.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]cve.Record, 0)
	for _, r := range s.cves {
		if matchCVE(q, r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCVE returns a CVE record by id.
func (s *Store) GetCVE(ctx context.Context, id string) (*cve.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cves[cve.NormalizeID(id)]
	if !ok {
		return nil, store.NotFound("cve", id)
	}
	return &r, nil
}

// SaveInput stores an infrastructure description under a new id.
func (s *Store) SaveInput(ctx context.Context, dt infra.DataType, data infra.InputData) (string, error) {
	id := store.NewInputID()
	s.mu.Lock()
	s.inputs[id] = store.StoredInput{ID: id, Type: dt, Data: data}
	s.mu.Unlock()
	s.logger.Debug("Stored input", zap.String("id", id), zap.String("type", string(dt)))
	return id, nil
}

// GetInput returns a stored description.
func (s *Store) GetInput(ctx context.Context, id string) (*store.StoredInput, error) {
	key, err := store.ParseInputID(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.inputs[key]
	if !ok {
		return nil, store.NotFound("input", id)
	}
	return &in, nil
}

// DeleteInput removes a stored description.
func (s *Store) DeleteInput(ctx context.Context, id string) error {
	key, err := store.ParseInputID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inputs[key]; !ok {
		return store.NotFound("input", id)
	}
	delete(s.inputs, key)
	return nil
}

func matchGroup(q store.GroupQuery, g mitre.Group) bool {
	return store.ContainsFold(g.MID, q.MID) &&
		store.ContainsFold(g.Description, q.Desc) &&
		q.Techniques.Matches(g.Techniques) &&
		q.Labels.Matches(g.Labels) &&
		q.Sectors.Matches(g.Sectors) &&
		q.Countries.Matches(g.Countries)
}

func matchTechnique(q store.TechniqueQuery, t mitre.Technique) bool {
	return store.ContainsFold(t.MID, q.MID) &&
		store.ContainsFold(t.Description, q.Desc) &&
		q.Labels.Matches(t.Labels) &&
		q.Tactics.Matches(t.Tactics)
}

func matchCVE(q store.CVEQuery, r cve.Record) bool {
	if !store.ContainsFold(r.ID, q.ID) || !store.ContainsFold(r.Description, q.Keywords) {
		return false
	}
	if q.BaseScore != nil && !q.BaseScore.Matches(r.BaseScore) {
		return false
	}
	return true
}
