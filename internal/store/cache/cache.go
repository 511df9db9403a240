// Package cache decorates an EntityStore with a Redis read-through cache
// for single-entity lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/observability"
	"github.com/lvonguyen/ctiengine/internal/store"
)

// Config configures the cache. OpTimeout bounds each Redis call; after a
// failure Redis is bypassed for Backoff.
type Config struct {
	TTL         time.Duration
	NotFoundTTL time.Duration
	KeyPrefix   string
	OpTimeout   time.Duration
	Backoff     time.Duration
}

// Store is a caching EntityStore. Find methods pass through; Get methods
// are served from Redis when possible. Not-found results are cached too.
// Redis failures fall back to the inner store.
type Store struct {
	inner     store.EntityStore
	redis     redis.UniversalClient
	config    Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	redisDown atomic.Int64 // unix nanos until which Redis is bypassed
	now       func() time.Time
}

var _ store.EntityStore = (*Store)(nil)

// New wraps inner with a Redis cache.
func New(inner store.EntityStore, client redis.UniversalClient, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.NotFoundTTL <= 0 {
		cfg.NotFoundTTL = cfg.TTL / 4
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ctiengine:entity"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		inner:   inner,
		redis:   client,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *Store) bypassed() bool {
	return s.now().UnixNano() < s.redisDown.Load()
}

func (s *Store) markDown() {
	s.redisDown.Store(s.now().Add(s.config.Backoff).UnixNano())
}

// entry is the cached representation. A nil Value with NotFound set is a
// negative entry.
type entry[T any] struct {
	Value    *T   `json:"v,omitempty"`
	NotFound bool `json:"nf,omitempty"`
}

func (s *Store) cacheKey(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.config.KeyPrefix, kind, strings.ToUpper(strings.TrimSpace(id)))
}

// Invalidate drops every cached entry under the configured prefix.
func (s *Store) Invalidate(ctx context.Context) error {
	iter := s.redis.Scan(ctx, 0, s.config.KeyPrefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return store.Unavailable("cache scan", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return store.Unavailable("cache invalidate", err)
	}
	s.logger.Info("Invalidated entity cache", zap.Int("keys", len(keys)))
	return nil
}

// readThrough serves key from Redis or loads it from the inner store.
func readThrough[T any](ctx context.Context, s *Store, kind, id string, load func(context.Context, string) (*T, error)) (*T, error) {
	key := s.cacheKey(kind, id)
	if s.bypassed() {
		s.metrics.CacheLookup(kind, "bypass")
		return load(ctx, id)
	}

	getCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	raw, err := s.redis.Get(getCtx, key).Bytes()
	cancel()
	switch {
	case err == nil:
		var e entry[T]
		if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil {
			s.metrics.CacheLookup(kind, "hit")
			if e.NotFound || e.Value == nil {
				return nil, store.NotFound(mitre.Kind(kind), id)
			}
			return e.Value, nil
		}
		s.logger.Warn("Discarding undecodable cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
		s.metrics.CacheLookup(kind, "miss")
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.metrics.CacheLookup(kind, "error")
		s.markDown()
		s.logger.Warn("Cache read failed, using store",
			zap.String("key", key),
			zap.Duration("backoff", s.config.Backoff),
			zap.Error(err),
		)
		return load(ctx, id)
	}

	value, err := load(ctx, id)
	switch {
	case err == nil:
		s.set(ctx, key, entry[T]{Value: value}, s.config.TTL)
		return value, nil
	case errors.Is(err, store.ErrNotFound):
		s.set(ctx, key, entry[T]{NotFound: true}, s.config.NotFoundTTL)
		return nil, err
	default:
		return nil, err
	}
}

func (s *Store) set(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()
	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.markDown()
		}
		s.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// GetGroup returns a group, preferring the cache.
func (s *Store) GetGroup(ctx context.Context, mid string) (*mitre.Group, error) {
	return readThrough(ctx, s, string(mitre.KindGroup), mid, s.inner.GetGroup)
}

// GetTechnique returns a technique, preferring the cache.
func (s *Store) GetTechnique(ctx context.Context, mid string) (*mitre.Technique, error) {
	return readThrough(ctx, s, string(mitre.KindTechnique), mid, s.inner.GetTechnique)
}

// GetCVE returns a CVE record, preferring the cache.
func (s *Store) GetCVE(ctx context.Context, id string) (*cve.Record, error) {
	return readThrough(ctx, s, "cve", id, s.inner.GetCVE)
}

func (s *Store) FindGroups(ctx context.Context, q store.GroupQuery) ([]mitre.Group, error) {
	return s.inner.FindGroups(ctx, q)
}

func (s *Store) FindTechniques(ctx context.Context, q store.TechniqueQuery) ([]mitre.Technique, error) {
	return s.inner.FindTechniques(ctx, q)
}

func (s *Store) FindTactics(ctx context.Context, q store.TacticQuery) ([]mitre.Tactic, error) {
	return s.inner.FindTactics(ctx, q)
}

func (s *Store) FindMalware(ctx context.Context, q store.MalwareQuery) ([]mitre.Malware, error) {
	return s.inner.FindMalware(ctx, q)
}

func (s *Store) FindCVEs(ctx context.Context, q store.CVEQuery) ([]cve.Record, error) {
	return s.inner.FindCVEs(ctx, q)
}

// Ping reports the health of the inner store. An unreachable Redis only
// degrades lookups, so it is logged rather than returned.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	err := s.redis.Ping(pingCtx).Err()
	cancel()
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("Redis ping failed, cache degraded", zap.Error(err))
	}
	if p, ok := s.inner.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
