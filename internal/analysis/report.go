package analysis

import (
	"sort"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/mitre"
)

// Report is the correlation result for one infrastructure description.
type Report struct {
	Groups      GroupResult                  `json:"groups"`
	Techniques  []TechniqueCount             `json:"techniques"`
	Tactics     map[string][]mitre.Technique `json:"tactics"`
	CVEs        map[string][]cve.Record      `json:"cves"`
	Procedures  []string                     `json:"procedures"`
	Mitigations []string                     `json:"mitigations"`
}

// GroupResult keeps the three group-matching dimensions separate. Each map
// is keyed by the requested sector, country, or matched technique label.
type GroupResult struct {
	Countries map[string][]mitre.Group `json:"countries"`
	Sectors   map[string][]mitre.Group `json:"sectors"`
	Keywords  map[string][]mitre.Group `json:"keywords"`
}

// TechniqueCount is a technique and the number of matched groups using it.
type TechniqueCount struct {
	Technique mitre.Technique `json:"technique"`
	Count     int             `json:"count"`
}

func newReport() *Report {
	return &Report{
		Groups: GroupResult{
			Countries: make(map[string][]mitre.Group),
			Sectors:   make(map[string][]mitre.Group),
			Keywords:  make(map[string][]mitre.Group),
		},
		Techniques:  []TechniqueCount{},
		Tactics:     make(map[string][]mitre.Technique),
		CVEs:        make(map[string][]cve.Record),
		Procedures:  []string{},
		Mitigations: []string{},
	}
}

// Groups returns every group present in any dimension, de-duplicated by MID
// and ordered by MID.
func (r GroupResult) Groups() []mitre.Group {
	byMID := make(map[string]mitre.Group)
	for _, m := range []map[string][]mitre.Group{r.Countries, r.Sectors, r.Keywords} {
		for _, groups := range m {
			for _, g := range groups {
				byMID[g.MID] = g
			}
		}
	}

	out := make([]mitre.Group, 0, len(byMID))
	for _, g := range byMID {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MID < out[j].MID })
	return out
}

// sortTechniqueCounts orders by count descending, then MID ascending.
func sortTechniqueCounts(counts []TechniqueCount) {
	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Technique.MID < counts[j].Technique.MID
	})
}
