// Package tagset provides the normalized tag collection shared by entities,
// filter expressions, and label generation.
package tagset

import (
	"encoding/json"
	"sort"
	"strings"
)

// Set is an unordered collection of normalized tags. The zero value is an
// empty set that is safe to read; use New or Add to populate it.
type Set map[string]struct{}

// Normalize lower-cases and trims a raw tag.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// New builds a set from raw values. Empty values are dropped.
func New(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add normalizes v and inserts it. It reports whether the set changed.
func (s Set) Add(v string) bool {
	tag := Normalize(v)
	if tag == "" {
		return false
	}
	if _, ok := s[tag]; ok {
		return false
	}
	s[tag] = struct{}{}
	return true
}

// Has reports whether the normalized form of v is a member.
func (s Set) Has(v string) bool {
	_, ok := s[Normalize(v)]
	return ok
}

// Len returns the number of tags.
func (s Set) Len() int {
	return len(s)
}

// Sorted returns the tags in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Union returns a new set holding the members of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for tag := range s {
		out[tag] = struct{}{}
	}
	for tag := range other {
		out[tag] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of strings, normalizing each entry.
func (s *Set) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = New(values...)
	return nil
}

// Values normalizes and de-duplicates raw values while keeping first-seen
// order. Used where a slice, not a set, is the natural result.
func Values(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		tag := Normalize(v)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
