package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// ApplyThreatActors enriches bundle groups with targeted sectors and
// countries. The CSV has a header row followed by
//
//	name,<ignored>,aliases,sectors,countries
//
// where the last three columns are '|'-separated lists. A row applies to a
// group whose name equals the row name, or whose name or aliases appear in
// the row's aliases. It returns the number of groups updated.
func ApplyThreatActors(b *Bundle, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read threat actor header: %w", err)
	}

	updated := make(map[string]struct{})
	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return 0, fmt.Errorf("failed to read threat actor row %d: %w", line, err)
		}
		if len(record) < 5 {
			return 0, fmt.Errorf("threat actor row %d: expected 5 columns, got %d", line, len(record))
		}

		name := strings.TrimSpace(record[0])
		aliases := tagset.New(splitList(record[2])...)
		sectors := splitList(record[3])
		countries := splitList(record[4])

		for i := range b.Groups {
			g := &b.Groups[i]
			if !actorMatches(name, aliases, g.Name, g.Aliases) {
				continue
			}
			g.Sectors = tagset.New(sectors...)
			g.Countries = tagset.New(countries...)
			updated[g.MID] = struct{}{}
		}
	}
	return len(updated), nil
}

func actorMatches(name string, aliases tagset.Set, groupName string, groupAliases []string) bool {
	if name != "" && strings.EqualFold(name, groupName) {
		return true
	}
	if aliases.Has(groupName) {
		return true
	}
	for _, a := range groupAliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
