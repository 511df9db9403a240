// Package mitre provides the MITRE ATT&CK entity model and an in-memory
// catalog indexed for the lookups correlation needs.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// Kind names an entity collection.
type Kind string

const (
	KindGroup     Kind = "group"
	KindTechnique Kind = "technique"
	KindTactic    Kind = "tactic"
	KindMalware   Kind = "malware"
)

// Group represents a MITRE ATT&CK intrusion set (threat actor).
type Group struct {
	MID         string     `json:"mid"`  // e.g., "G0016"
	Name        string     `json:"name"` // e.g., "APT29"
	Description string     `json:"description,omitempty"`
	Aliases     []string   `json:"aliases"`
	Labels      tagset.Set `json:"labels"`
	Techniques  tagset.Set `json:"techniques"` // technique mids, lower-cased
	Sectors     tagset.Set `json:"sectors"`
	Countries   tagset.Set `json:"countries"`
	URL         string     `json:"url,omitempty"`
}

// Technique represents a MITRE ATT&CK technique or sub-technique.
type Technique struct {
	MID            string     `json:"mid"`  // e.g., "T1059.001"
	Name           string     `json:"name"` // e.g., "PowerShell"
	Description    string     `json:"description,omitempty"`
	Detection      string     `json:"detection,omitempty"`
	Labels         tagset.Set `json:"labels"`
	Tactics        tagset.Set `json:"tactics"`   // tactic shortnames, e.g. "execution"
	Platforms      tagset.Set `json:"platforms"` // e.g. "windows", "linux"
	DataSources    tagset.Set `json:"data_sources"`
	IsSubtechnique bool       `json:"is_subtechnique"`
	URL            string     `json:"url,omitempty"`
}

// Tactic represents a MITRE ATT&CK tactic.
type Tactic struct {
	MID           string     `json:"mid"`       // e.g., "TA0002"
	Name          string     `json:"name"`      // e.g., "Execution"
	ShortName     string     `json:"shortname"` // e.g., "execution"
	Description   string     `json:"description,omitempty"`
	TechniqueRefs tagset.Set `json:"technique_refs"`
	URL           string     `json:"url,omitempty"`
}

// Malware represents a MITRE ATT&CK software entry (malware or tool).
type Malware struct {
	MID         string     `json:"mid"` // e.g., "S0154"
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Aliases     []string   `json:"aliases"`
	Labels      tagset.Set `json:"labels"`
	Platforms   tagset.Set `json:"platforms"`
	URL         string     `json:"url,omitempty"`
}

// NormalizeMID canonicalizes an ATT&CK identifier for lookups.
func NormalizeMID(mid string) string {
	return strings.ToUpper(strings.TrimSpace(mid))
}

// TechniqueURL returns the ATT&CK page for a technique id.
func TechniqueURL(mid string) string {
	return fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(mid, ".", "/"))
}

// Catalog is a concurrency-safe in-memory index of ATT&CK entities.
type Catalog struct {
	groups     map[string]*Group
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	malware    map[string]*Malware

	tacticsByShortName   map[string]*Tactic
	techniquesByPlatform map[string][]string

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{logger: logger}
	c.reset()
	return c
}

func (c *Catalog) reset() {
	c.groups = make(map[string]*Group)
	c.techniques = make(map[string]*Technique)
	c.tactics = make(map[string]*Tactic)
	c.malware = make(map[string]*Malware)
	c.tacticsByShortName = make(map[string]*Tactic)
	c.techniquesByPlatform = make(map[string][]string)
}

// Reset drops every entity.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// PutGroups inserts or replaces groups.
func (c *Catalog) PutGroups(groups ...Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range groups {
		g := groups[i]
		c.groups[NormalizeMID(g.MID)] = &g
	}
}

// PutTechniques inserts or replaces techniques and refreshes the platform index.
func (c *Catalog) PutTechniques(techniques ...Technique) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range techniques {
		t := techniques[i]
		c.techniques[NormalizeMID(t.MID)] = &t
	}
	c.reindexPlatforms()
}

// PutTactics inserts or replaces tactics.
func (c *Catalog) PutTactics(tactics ...Tactic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range tactics {
		t := tactics[i]
		c.tactics[NormalizeMID(t.MID)] = &t
		if t.ShortName != "" {
			c.tacticsByShortName[strings.ToLower(t.ShortName)] = &t
		}
	}
}

// PutMalware inserts or replaces software entries.
func (c *Catalog) PutMalware(malware ...Malware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range malware {
		m := malware[i]
		c.malware[NormalizeMID(m.MID)] = &m
	}
}

func (c *Catalog) reindexPlatforms() {
	c.techniquesByPlatform = make(map[string][]string)
	for mid, t := range c.techniques {
		for platform := range t.Platforms {
			c.techniquesByPlatform[platform] = append(c.techniquesByPlatform[platform], mid)
		}
	}
	for platform := range c.techniquesByPlatform {
		sort.Strings(c.techniquesByPlatform[platform])
	}
}

// GetGroup returns a group by mid.
func (c *Catalog) GetGroup(mid string) (*Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[NormalizeMID(mid)]
	if !ok {
		return nil, false
	}
	cp := *g
	return &cp, true
}

// GetTechnique returns a technique by mid.
func (c *Catalog) GetTechnique(mid string) (*Technique, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.techniques[NormalizeMID(mid)]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// GetTactic returns a tactic by mid or short name.
func (c *Catalog) GetTactic(id string) (*Tactic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tactics[NormalizeMID(id)]
	if !ok {
		t, ok = c.tacticsByShortName[strings.ToLower(strings.TrimSpace(id))]
	}
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// TechniquesByPlatform returns the techniques that list platform, ordered by mid.
func (c *Catalog) TechniquesByPlatform(platform string) []Technique {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mids := c.techniquesByPlatform[tagset.Normalize(platform)]
	result := make([]Technique, 0, len(mids))
	for _, mid := range mids {
		result = append(result, *c.techniques[mid])
	}
	c.logger.Debug("Resolved techniques by platform",
		zap.String("platform", platform),
		zap.Int("count", len(result)),
	)
	return result
}

// TechniquesByTactic returns all techniques for a tactic short name, ordered by mid.
func (c *Catalog) TechniquesByTactic(shortName string) []Technique {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Technique, 0)
	for _, t := range c.techniques {
		if t.Tactics.Has(shortName) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MID < result[j].MID })
	return result
}

// Groups returns every group ordered by mid.
func (c *Catalog) Groups() []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MID < out[j].MID })
	return out
}

// Techniques returns every technique ordered by mid.
func (c *Catalog) Techniques() []Technique {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Technique, 0, len(c.techniques))
	for _, t := range c.techniques {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MID < out[j].MID })
	return out
}

// Tactics returns every tactic ordered by mid.
func (c *Catalog) Tactics() []Tactic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tactic, 0, len(c.tactics))
	for _, t := range c.tactics {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MID < out[j].MID })
	return out
}

// Malware returns every software entry ordered by mid.
func (c *Catalog) Malware() []Malware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Malware, 0, len(c.malware))
	for _, m := range c.malware {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MID < out[j].MID })
	return out
}

// Counts reports the number of entities per kind.
func (c *Catalog) Counts() map[Kind]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[Kind]int{
		KindGroup:     len(c.groups),
		KindTechnique: len(c.techniques),
		KindTactic:    len(c.tactics),
		KindMalware:   len(c.malware),
	}
}
