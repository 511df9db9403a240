package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/labels"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/observability"
	"github.com/lvonguyen/ctiengine/internal/store"
)

// Sources names the documents a seed run reads. Empty paths are skipped,
// except STIXPath which is required.
type Sources struct {
	STIXPath         string
	ThreatActorsPath string
	NVDPaths         []string
}

// Summary reports what a seed run wrote.
type Summary struct {
	Groups         int           `json:"groups"`
	Techniques     int           `json:"techniques"`
	Tactics        int           `json:"tactics"`
	Malware        int           `json:"malware"`
	CVEs           int           `json:"cves"`
	ActorsEnriched int           `json:"actors_enriched"`
	Duration       time.Duration `json:"duration"`
}

// Seeder loads source documents, labels them, and replaces the contents of
// a store.
type Seeder struct {
	writer  store.Writer
	labels  labels.LabelGenerator
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewSeeder creates a Seeder. metrics may be nil.
func NewSeeder(w store.Writer, gen labels.LabelGenerator, logger *zap.Logger, metrics *observability.Metrics) *Seeder {
	if gen == nil {
		gen = labels.NewKeywordGenerator(labels.DefaultKeywordCount)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{writer: w, labels: gen, logger: logger, metrics: metrics}
}

// Seed reads src and replaces the store contents with it.
func (s *Seeder) Seed(ctx context.Context, src Sources) (*Summary, error) {
	start := time.Now()

	bundle, err := readFile(src.STIXPath, LoadSTIX)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	if src.ThreatActorsPath != "" {
		n, err := readFile(src.ThreatActorsPath, func(r io.Reader) (int, error) {
			return ApplyThreatActors(bundle, r)
		})
		if err != nil {
			return nil, err
		}
		sum.ActorsEnriched = n
	}

	var cves []cve.Record
	for _, path := range src.NVDPaths {
		records, err := readFile(path, LoadNVD)
		if err != nil {
			return nil, err
		}
		cves = append(cves, records...)
	}

	labels.Apply(s.labels, bundle.Techniques, bundle.Groups)

	if err := s.writer.Reset(ctx); err != nil {
		return nil, fmt.Errorf("resetting store: %w", err)
	}
	if err := s.writer.PutTactics(ctx, bundle.Tactics); err != nil {
		return nil, fmt.Errorf("writing tactics: %w", err)
	}
	if err := s.writer.PutTechniques(ctx, bundle.Techniques); err != nil {
		return nil, fmt.Errorf("writing techniques: %w", err)
	}
	if err := s.writer.PutGroups(ctx, bundle.Groups); err != nil {
		return nil, fmt.Errorf("writing groups: %w", err)
	}
	if err := s.writer.PutMalware(ctx, bundle.Malware); err != nil {
		return nil, fmt.Errorf("writing malware: %w", err)
	}
	if len(cves) > 0 {
		if err := s.writer.PutCVEs(ctx, cves); err != nil {
			return nil, fmt.Errorf("writing cves: %w", err)
		}
	}

	sum.Groups = len(bundle.Groups)
	sum.Techniques = len(bundle.Techniques)
	sum.Tactics = len(bundle.Tactics)
	sum.Malware = len(bundle.Malware)
	sum.CVEs = len(cves)
	sum.Duration = time.Since(start)

	s.metrics.Loaded(string(mitre.KindGroup), sum.Groups)
	s.metrics.Loaded(string(mitre.KindTechnique), sum.Techniques)
	s.metrics.Loaded(string(mitre.KindTactic), sum.Tactics)
	s.metrics.Loaded(string(mitre.KindMalware), sum.Malware)
	s.metrics.Loaded("cve", sum.CVEs)

	s.logger.Info("knowledge base seeded",
		zap.Int("groups", sum.Groups),
		zap.Int("techniques", sum.Techniques),
		zap.Int("tactics", sum.Tactics),
		zap.Int("malware", sum.Malware),
		zap.Int("cves", sum.CVEs),
		zap.Int("actors_enriched", sum.ActorsEnriched),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

func readFile[T any](path string, load func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	v, err := load(f)
	if err != nil {
		return zero, fmt.Errorf("loading %s: %w", path, err)
	}
	return v, nil
}
