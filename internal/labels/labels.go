// Package labels derives keyword labels for techniques and groups from their
// free-text descriptions.
package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// LabelGenerator produces normalized labels for entities.
type LabelGenerator interface {
	TechniqueLabels(t mitre.Technique) []string
	GroupLabels(g mitre.Group) []string
}

// DefaultKeywordCount is the number of keywords kept per text.
const DefaultKeywordCount = 5

var (
	citationPattern = regexp.MustCompile(`\(Citation:[^)]*\)`)
	linkPattern     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	cleanPattern    = regexp.MustCompile(`[^a-z0-9\s\-]`)
)

// KeywordGenerator ranks terms by frequency, breaking ties by first
// occurrence, after removing stop words and ATT&CK markup.
type KeywordGenerator struct {
	n         int
	stopWords map[string]struct{}
}

// NewKeywordGenerator returns a generator keeping n keywords per text, using
// the built-in English stop words plus extra.
func NewKeywordGenerator(n int, extra ...string) *KeywordGenerator {
	if n <= 0 {
		n = DefaultKeywordCount
	}
	stop := make(map[string]struct{}, len(englishStopWords)+len(extra))
	for _, w := range englishStopWords {
		stop[w] = struct{}{}
	}
	for _, w := range extra {
		if w = tagset.Normalize(w); w != "" {
			stop[w] = struct{}{}
		}
	}
	return &KeywordGenerator{n: n, stopWords: stop}
}

// LoadStopWords reads one stop word per line. Blank lines and lines starting
// with '#' are ignored.
func LoadStopWords(r io.Reader) ([]string, error) {
	var words []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stop words: %w", err)
	}
	return words, nil
}

// LoadStopWordsFile reads stop words from path.
func LoadStopWordsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stop words file: %w", err)
	}
	defer f.Close()
	return LoadStopWords(f)
}

// TechniqueLabels returns keywords from the description and detection text
// plus the technique's platforms.
func (g *KeywordGenerator) TechniqueLabels(t mitre.Technique) []string {
	labels := tagset.New(g.Keywords(t.Description)...)
	for _, kw := range g.Keywords(t.Detection) {
		labels.Add(kw)
	}
	for platform := range t.Platforms {
		labels.Add(platform)
	}
	return labels.Sorted()
}

// GroupLabels returns keywords from the group description.
func (g *KeywordGenerator) GroupLabels(grp mitre.Group) []string {
	return tagset.New(g.Keywords(grp.Description)...).Sorted()
}

// Keywords returns up to n ranked keywords from text.
func (g *KeywordGenerator) Keywords(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	text = citationPattern.ReplaceAllString(text, " ")
	text = linkPattern.ReplaceAllString(text, "$1")
	text = urlPattern.ReplaceAllString(text, " ")
	text = cleanPattern.ReplaceAllString(strings.ToLower(text), " ")

	type candidate struct {
		term  string
		count int
		first int
	}
	index := make(map[string]*candidate)
	var order []*candidate

	for pos, word := range strings.Fields(text) {
		word = strings.Trim(word, "-")
		if len(word) < 3 || isNumeric(word) {
			continue
		}
		if _, stop := g.stopWords[word]; stop {
			continue
		}
		if c, ok := index[word]; ok {
			c.count++
			continue
		}
		c := &candidate{term: word, count: 1, first: pos}
		index[word] = c
		order = append(order, c)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})

	if len(order) > g.n {
		order = order[:g.n]
	}
	out := make([]string, len(order))
	for i, c := range order {
		out[i] = c.term
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

// Apply fills the Labels of every technique and group using gen.
func Apply(gen LabelGenerator, techniques []mitre.Technique, groups []mitre.Group) {
	for i := range techniques {
		techniques[i].Labels = tagset.New(gen.TechniqueLabels(techniques[i])...)
	}
	for i := range groups {
		groups[i].Labels = tagset.New(gen.GroupLabels(groups[i])...)
	}
}
