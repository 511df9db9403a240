// Package app builds the shared runtime components from configuration so
// the server and the CLI wire the same stack.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/analysis"
	"github.com/lvonguyen/ctiengine/internal/config"
	"github.com/lvonguyen/ctiengine/internal/ingest"
	"github.com/lvonguyen/ctiengine/internal/labels"
	"github.com/lvonguyen/ctiengine/internal/observability"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/store/cache"
	"github.com/lvonguyen/ctiengine/internal/store/memory"
	"github.com/lvonguyen/ctiengine/internal/store/sqlite"
)

// Backend is a store that serves every contract the service needs.
type Backend interface {
	store.EntityStore
	store.Writer
	store.InputStore
	store.Pinger
}

// Stack is the assembled runtime.
type Stack struct {
	Config    *config.Config
	Telemetry *observability.Telemetry
	Backend   Backend
	// Entities is Backend, behind the Redis cache when one is configured.
	Entities store.EntityStore
	Redis    redis.UniversalClient
	Labels   labels.LabelGenerator
	Engine   *analysis.Engine

	closers []func() error
}

// TelemetryConfig maps the service configuration onto observability.
func TelemetryConfig(cfg *config.Config, version string) observability.Config {
	return observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	}
}

// New opens the store, connects Redis when enabled, and builds the engine.
// Close releases everything New acquired except the telemetry, which the
// caller owns.
func New(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) (*Stack, error) {
	logger := tel.Logger()
	s := &Stack{Config: cfg, Telemetry: tel}

	backend, closeFn, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	s.Backend = backend
	s.Entities = backend
	s.addCloser(closeFn)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.RedisPassword(),
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// The cache and rate limiter both degrade without Redis.
			logger.Warn("redis unreachable, continuing", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		s.Redis = client
		s.addCloser(client.Close)
		s.Entities = cache.New(backend, client, cache.Config{
			TTL:         cfg.Redis.CacheTTL,
			NotFoundTTL: cfg.Redis.NotFoundTTL,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			OpTimeout:   cfg.Redis.Timeout,
			Backoff:     cfg.Redis.Backoff,
		}, logger, tel.Metrics())
	}

	gen, err := LabelGenerator(cfg.Labels)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Labels = gen

	s.Engine = analysis.NewEngine(s.Entities, analysis.Config{
		Concurrency: cfg.Analysis.Concurrency,
		Timeout:     cfg.Analysis.Timeout,
	}, logger,
		analysis.WithMetrics(tel.Metrics()),
		analysis.WithTracer(tel.Tracer()),
	)
	return s, nil
}

// Seed replaces the store contents from the configured sources and drops
// any cached entities.
func (s *Stack) Seed(ctx context.Context) (*ingest.Summary, error) {
	seeder := ingest.NewSeeder(s.Backend, s.Labels, s.Telemetry.Logger(), s.Telemetry.Metrics())
	summary, err := seeder.Seed(ctx, Sources(s.Config.Ingest))
	if err != nil {
		return nil, err
	}
	if c, ok := s.Entities.(*cache.Store); ok {
		if err := c.Invalidate(ctx); err != nil {
			s.Telemetry.Logger().Warn("failed to invalidate entity cache", zap.Error(err))
		}
	}
	return summary, nil
}

// Close releases resources in reverse order of acquisition.
func (s *Stack) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

func (s *Stack) addCloser(fn func() error) {
	if fn != nil {
		s.closers = append(s.closers, fn)
	}
}

// OpenStore opens the configured backend. The returned close function may
// be nil.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Backend, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(logger), nil, nil
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		dbCfg := sqlite.DefaultConfig(cfg.Path)
		if cfg.MaxOpenConns > 0 {
			dbCfg.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.BusyTimeout > 0 {
			dbCfg.BusyTimeout = cfg.BusyTimeout
		}
		db, err := sqlite.Open(ctx, dbCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// LabelGenerator builds the keyword generator, loading extra stop words
// when a file is configured.
func LabelGenerator(cfg config.LabelsConfig) (labels.LabelGenerator, error) {
	var extra []string
	if cfg.StopWordsFile != "" {
		words, err := labels.LoadStopWordsFile(cfg.StopWordsFile)
		if err != nil {
			return nil, err
		}
		extra = words
	}
	return labels.NewKeywordGenerator(cfg.KeywordCount, extra...), nil
}

// Sources maps the ingest configuration onto seed sources.
func Sources(cfg config.IngestConfig) ingest.Sources {
	return ingest.Sources{
		STIXPath:         cfg.STIXFile,
		ThreatActorsPath: cfg.ThreatActorsFile,
		NVDPaths:         cfg.NVDFiles,
	}
}
