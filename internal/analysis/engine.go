// Package analysis correlates an infrastructure description against the
// ATT&CK and CVE knowledge base.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/observability"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

// ErrTimeout indicates the analysis deadline expired before the report was
// complete. It wraps context.DeadlineExceeded.
var ErrTimeout = errors.New("analysis timed out")

// Stage names used for spans and metrics.
const (
	StagePlatforms  = "platforms"
	StageGroups     = "groups"
	StageTechniques = "techniques"
	StageTactics    = "tactics"
	StageCVEs       = "cves"
)

// Config holds configuration for the engine.
type Config struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		Timeout:     30 * time.Second,
	}
}

// Engine runs the correlation pipeline against an EntityStore.
type Engine struct {
	store   store.EntityStore
	config  Config
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for analysis spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates a new correlation engine.
func NewEngine(s store.EntityStore, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:  s,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/lvonguyen/ctiengine/internal/analysis"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze correlates in against the store. Groups, techniques, and tactics
// are computed in order while CVE correlation runs alongside them. On
// deadline expiry no partial report is returned.
func (e *Engine) Analyze(ctx context.Context, in infra.InputData) (*Report, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "analysis.Analyze", trace.WithAttributes(
		attribute.Int("input.operating_systems", len(in.OperatingSystems)),
		attribute.Int("input.software", len(in.Software)),
		attribute.Int("input.sectors", len(in.Sectors)),
		attribute.Int("input.countries", len(in.Countries)),
	))
	defer span.End()

	report := newReport()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.platformTechniques(gctx, in.OperatingSystems)
		return err
	})
	g.Go(func() error {
		return e.correlateGroups(gctx, in, report)
	})
	g.Go(func() error {
		cves, err := e.correlateCVEs(gctx, in.Software)
		if err != nil {
			return err
		}
		report.CVEs = cves
		return nil
	})

	if err := g.Wait(); err != nil {
		err = e.classify(ctx, err)
		outcome := "error"
		if errors.Is(err, ErrTimeout) {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveAnalysis(outcome, time.Since(start).Seconds())
		e.logger.Warn("analysis failed", zap.String("outcome", outcome), zap.Error(err))
		return nil, err
	}

	e.metrics.ObserveAnalysis("success", time.Since(start).Seconds())
	e.logger.Info("analysis complete",
		zap.Int("groups", len(report.Groups.Groups())),
		zap.Int("techniques", len(report.Techniques)),
		zap.Int("tactics", len(report.Tactics)),
		zap.Int("cve_keys", len(report.CVEs)),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (e *Engine) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
	}
	return err
}

// stage starts a span for name and returns a func that ends it and records
// its duration.
func (e *Engine) stage(ctx context.Context, name string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "analysis.stage."+name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveStage(name, time.Since(start).Seconds())
	}
}

// skip absorbs not-found errors from aggregate lookups and passes every
// other error through with the entity kind and id attached.
func (e *Engine) skip(kind mitre.Kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("skipping missing entity", zap.String("kind", string(kind)), zap.String("id", id))
		e.metrics.Skipped(string(kind))
		return nil
	}
	return fmt.Errorf("resolving %s %s: %w", kind, id, err)
}

// platformTechniques collects the techniques available on the requested
// operating systems. The result does not feed later stages.
func (e *Engine) platformTechniques(ctx context.Context, systems []string) (n int, err error) {
	ctx, done := e.stage(ctx, StagePlatforms)
	defer func() { done(err) }()

	platforms := tagset.Values(systems)
	results := make([][]mitre.Technique, len(platforms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, platform := range platforms {
		g.Go(func() error {
			techniques, err := e.store.FindTechniques(gctx, store.TechniqueQuery{Platforms: []string{platform}})
			if err != nil {
				return fmt.Errorf("finding techniques for platform %s: %w", platform, err)
			}
			results[i] = techniques
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	for _, techniques := range results {
		for _, t := range techniques {
			seen[t.MID] = struct{}{}
		}
	}

	e.metrics.ObservePlatformMatches(len(seen))
	e.logger.Debug("platform techniques", zap.Strings("platforms", platforms), zap.Int("techniques", len(seen)))
	return len(seen), nil
}

// correlateGroups fills the group, technique, and tactic sections of report.
func (e *Engine) correlateGroups(ctx context.Context, in infra.InputData, report *Report) error {
	resolved := make(map[string]*mitre.Technique)

	matched, err := e.matchGroups(ctx, in, resolved, &report.Groups)
	if err != nil {
		return err
	}

	ranked, err := e.rankTechniques(ctx, matched, resolved)
	if err != nil {
		return err
	}
	report.Techniques = ranked

	report.Tactics = e.fanOutTactics(ctx, ranked)
	return nil
}

// matchGroups tests every stored group against the requested sectors,
// countries, and software. Techniques resolved for keyword matching are
// recorded in resolved (nil for missing ones) for reuse by ranking.
func (e *Engine) matchGroups(ctx context.Context, in infra.InputData, resolved map[string]*mitre.Technique, out *GroupResult) (matched []mitre.Group, err error) {
	ctx, done := e.stage(ctx, StageGroups)
	defer func() { done(err) }()

	groups, err := e.store.FindGroups(ctx, store.GroupQuery{})
	if err != nil {
		return nil, fmt.Errorf("finding groups: %w", err)
	}

	sectors := tagset.Values(in.Sectors)
	countries := tagset.Values(in.Countries)
	for _, g := range groups {
		for _, sector := range sectors {
			if g.Sectors.Has(sector) {
				out.Sectors[sector] = append(out.Sectors[sector], g)
			}
		}
		for _, country := range countries {
			if g.Countries.Has(country) {
				out.Countries[country] = append(out.Countries[country], g)
			}
		}
	}

	software := tagset.Values(in.Software)
	if len(software) > 0 {
		var mids []string
		for _, g := range groups {
			mids = append(mids, g.Techniques.Sorted()...)
		}
		if err := e.resolveTechniques(ctx, mids, resolved); err != nil {
			return nil, err
		}

		for _, g := range groups {
			recorded := make(map[string]struct{})
			for _, mid := range g.Techniques.Sorted() {
				t := resolved[mitre.NormalizeMID(mid)]
				if t == nil {
					continue
				}
				for _, label := range t.Labels.Sorted() {
					if _, ok := recorded[label]; ok {
						continue
					}
					for _, sw := range software {
						if strings.Contains(sw, label) {
							out.Keywords[label] = append(out.Keywords[label], g)
							recorded[label] = struct{}{}
							break
						}
					}
				}
			}
		}
	}

	return out.Groups(), nil
}

// rankTechniques counts technique references across matched groups and
// orders them by count descending, MID ascending.
func (e *Engine) rankTechniques(ctx context.Context, matched []mitre.Group, resolved map[string]*mitre.Technique) (ranked []TechniqueCount, err error) {
	ctx, done := e.stage(ctx, StageTechniques)
	defer func() { done(err) }()

	counts := make(map[string]int)
	var mids []string
	for _, g := range matched {
		for mid := range g.Techniques {
			key := mitre.NormalizeMID(mid)
			if counts[key] == 0 {
				mids = append(mids, key)
			}
			counts[key]++
		}
	}
	sort.Strings(mids)

	if err := e.resolveTechniques(ctx, mids, resolved); err != nil {
		return nil, err
	}

	ranked = make([]TechniqueCount, 0, len(mids))
	for _, mid := range mids {
		if t := resolved[mid]; t != nil {
			ranked = append(ranked, TechniqueCount{Technique: *t, Count: counts[mid]})
		}
	}
	sortTechniqueCounts(ranked)
	return ranked, nil
}

// fanOutTactics lists each ranked technique under every tactic it carries,
// keeping ranked order within each tactic.
func (e *Engine) fanOutTactics(ctx context.Context, ranked []TechniqueCount) map[string][]mitre.Technique {
	_, done := e.stage(ctx, StageTactics)
	defer done(nil)

	tactics := make(map[string][]mitre.Technique)
	for _, tc := range ranked {
		for _, tactic := range tc.Technique.Tactics.Sorted() {
			tactics[tactic] = append(tactics[tactic], tc.Technique)
		}
	}
	return tactics
}

// resolveTechniques looks up every mid not already present in resolved.
// Missing techniques are stored as nil so they are not looked up again.
func (e *Engine) resolveTechniques(ctx context.Context, mids []string, resolved map[string]*mitre.Technique) error {
	var pending []string
	queued := make(map[string]struct{})
	for _, mid := range mids {
		key := mitre.NormalizeMID(mid)
		if _, ok := resolved[key]; ok {
			continue
		}
		if _, ok := queued[key]; ok {
			continue
		}
		queued[key] = struct{}{}
		pending = append(pending, key)
	}
	if len(pending) == 0 {
		return nil
	}

	results := make([]*mitre.Technique, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, mid := range pending {
		g.Go(func() error {
			t, err := e.store.GetTechnique(gctx, mid)
			if err != nil {
				return e.skip(mitre.KindTechnique, mid, err)
			}
			results[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, mid := range pending {
		resolved[mid] = results[i]
	}
	return nil
}

// correlateCVEs maps each software name to the CVEs whose description
// mentions it.
func (e *Engine) correlateCVEs(ctx context.Context, software []string) (out map[string][]cve.Record, err error) {
	ctx, done := e.stage(ctx, StageCVEs)
	defer func() { done(err) }()

	names := distinctNames(software)
	results := make([][]cve.Record, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			records, err := e.store.FindCVEs(gctx, store.CVEQuery{Keywords: name})
			if err != nil {
				return fmt.Errorf("finding cves for %q: %w", name, err)
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out = make(map[string][]cve.Record, len(names))
	for i, name := range names {
		if results[i] == nil {
			results[i] = []cve.Record{}
		}
		out[name] = results[i]
	}
	return out, nil
}

// distinctNames trims names and drops blanks and case-insensitive repeats,
// keeping the first spelling seen.
func distinctNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}
