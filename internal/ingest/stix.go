// Package ingest loads ATT&CK and CVE source data and seeds a store.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// ErrInvalidBundle indicates the STIX document could not be decoded.
var ErrInvalidBundle = errors.New("invalid STIX bundle")

// Bundle is the entity set extracted from one ATT&CK STIX bundle.
type Bundle struct {
	Groups     []mitre.Group
	Techniques []mitre.Technique
	Tactics    []mitre.Tactic
	Malware    []mitre.Malware
}

// stixBundle represents the STIX 2.x bundle envelope.
type stixBundle struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Objects []json.RawMessage `json:"objects"`
}

// stixObject carries the union of the fields we read across object types.
type stixObject struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Revoked     bool   `json:"revoked"`
	Deprecated  bool   `json:"x_mitre_deprecated"`

	ExternalReferences []struct {
		SourceName string `json:"source_name"`
		ExternalID string `json:"external_id"`
		URL        string `json:"url"`
	} `json:"external_references"`

	// attack-pattern
	KillChainPhases []struct {
		KillChainName string `json:"kill_chain_name"`
		PhaseName     string `json:"phase_name"`
	} `json:"kill_chain_phases"`
	Platforms      []string `json:"x_mitre_platforms"`
	IsSubtechnique bool     `json:"x_mitre_is_subtechnique"`
	DataSources    []string `json:"x_mitre_data_sources"`
	Detection      string   `json:"x_mitre_detection"`

	// x-mitre-tactic
	ShortName string `json:"x_mitre_shortname"`

	// intrusion-set, malware, tool
	Aliases      []string `json:"aliases"`
	MitreAliases []string `json:"x_mitre_aliases"`

	// relationship
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

func (o *stixObject) mitreRef() (id, url string) {
	for _, ref := range o.ExternalReferences {
		if ref.SourceName == "mitre-attack" {
			return ref.ExternalID, ref.URL
		}
	}
	return "", ""
}

// LoadSTIX decodes an enterprise ATT&CK bundle. Revoked and deprecated
// objects are skipped. Group techniques come from "uses" relationships and
// tactic technique references mirror each technique's kill chain phases.
func LoadSTIX(r io.Reader) (*Bundle, error) {
	var raw stixBundle
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if raw.Type != "bundle" {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrInvalidBundle, raw.Type)
	}

	var (
		groups     = make(map[string]*mitre.Group)     // by STIX id
		techniques = make(map[string]*mitre.Technique) // by STIX id
		tactics    = make(map[string]*mitre.Tactic)    // by shortname
		malware    []mitre.Malware
		uses       []stixObject
	)

	for _, data := range raw.Objects {
		var obj stixObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		if obj.Revoked || obj.Deprecated {
			continue
		}

		mid, url := obj.mitreRef()
		switch obj.Type {
		case "attack-pattern":
			if mid == "" {
				continue
			}
			t := &mitre.Technique{
				MID:            mid,
				Name:           obj.Name,
				Description:    obj.Description,
				Detection:      obj.Detection,
				Labels:         tagset.New(),
				Tactics:        tagset.New(),
				Platforms:      tagset.New(obj.Platforms...),
				DataSources:    tagset.New(obj.DataSources...),
				IsSubtechnique: obj.IsSubtechnique,
				URL:            url,
			}
			for _, phase := range obj.KillChainPhases {
				if phase.KillChainName == "mitre-attack" {
					t.Tactics.Add(phase.PhaseName)
				}
			}
			techniques[obj.ID] = t

		case "x-mitre-tactic":
			if mid == "" || obj.ShortName == "" {
				continue
			}
			tactics[tagset.Normalize(obj.ShortName)] = &mitre.Tactic{
				MID:           mid,
				Name:          obj.Name,
				ShortName:     tagset.Normalize(obj.ShortName),
				Description:   obj.Description,
				TechniqueRefs: tagset.New(),
				URL:           url,
			}

		case "intrusion-set":
			if mid == "" {
				continue
			}
			groups[obj.ID] = &mitre.Group{
				MID:         mid,
				Name:        obj.Name,
				Description: obj.Description,
				Aliases:     aliasesExcluding(obj.Aliases, obj.Name),
				Labels:      tagset.New(),
				Techniques:  tagset.New(),
				Sectors:     tagset.New(),
				Countries:   tagset.New(),
				URL:         url,
			}

		case "malware", "tool":
			if mid == "" {
				continue
			}
			malware = append(malware, mitre.Malware{
				MID:         mid,
				Name:        obj.Name,
				Description: obj.Description,
				Aliases:     aliasesExcluding(obj.MitreAliases, obj.Name),
				Labels:      tagset.New(obj.Type),
				Platforms:   tagset.New(obj.Platforms...),
				URL:         url,
			})

		case "relationship":
			if obj.RelationshipType == "uses" {
				uses = append(uses, obj)
			}
		}
	}

	for _, rel := range uses {
		g, ok := groups[rel.SourceRef]
		if !ok {
			continue
		}
		if t, ok := techniques[rel.TargetRef]; ok {
			g.Techniques.Add(t.MID)
		}
	}

	for _, t := range techniques {
		for shortName := range t.Tactics {
			if tactic, ok := tactics[shortName]; ok {
				tactic.TechniqueRefs.Add(t.MID)
			}
		}
	}

	b := &Bundle{Malware: malware}
	for _, g := range groups {
		b.Groups = append(b.Groups, *g)
	}
	for _, t := range techniques {
		b.Techniques = append(b.Techniques, *t)
	}
	for _, t := range tactics {
		b.Tactics = append(b.Tactics, *t)
	}
	b.sort()
	return b, nil
}

func (b *Bundle) sort() {
	sort.Slice(b.Groups, func(i, j int) bool { return b.Groups[i].MID < b.Groups[j].MID })
	sort.Slice(b.Techniques, func(i, j int) bool { return b.Techniques[i].MID < b.Techniques[j].MID })
	sort.Slice(b.Tactics, func(i, j int) bool { return b.Tactics[i].MID < b.Tactics[j].MID })
	sort.Slice(b.Malware, func(i, j int) bool { return b.Malware[i].MID < b.Malware[j].MID })
}

func aliasesExcluding(aliases []string, name string) []string {
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a != "" && !strings.EqualFold(a, name) {
			out = append(out, a)
		}
	}
	return out
}
