// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/ctiengine/internal/observability"
)

// Backends reported in metrics.
const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

// TierHeader optionally selects the caller's rate limit tier.
const TierHeader = "X-API-Tier"

// RateLimiter provides configurable rate limiting for API endpoints. Counts
// are kept in Redis as fixed one-minute windows; when Redis is absent or
// failing, a per-key token bucket in process memory takes over. After a
// Redis failure the limiter stays local for RedisBackoff before trying
// Redis again.
type RateLimiter struct {
	redis       redis.UniversalClient
	logger      *zap.Logger
	metrics     *observability.Metrics
	config      RateLimitConfig
	localLimits sync.Map     // key -> *rate.Limiter
	redisDown   atomic.Int64 // unix nanos until which Redis is skipped
	now         func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	DefaultRequestsPerSecond int                       `yaml:"default_requests_per_second"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	DefaultBurstSize         int                       `yaml:"default_burst_size"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
	KeyPrefix                string                    `yaml:"key_prefix"`
	RedisTimeout             time.Duration             `yaml:"redis_timeout"`
	RedisBackoff             time.Duration             `yaml:"redis_backoff"`
}

// TierLimits defines rate limits per API tier
type TierLimits struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// EndpointLimits defines rate limits for specific endpoints. Path is the
// chi route pattern.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Backend    string
	Reason     string
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil, in
// which case only the local limiter is used.
func NewRateLimiter(redisClient redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.DefaultRequestsPerSecond == 0 {
		cfg.DefaultRequestsPerSecond = 10
	}
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 100
	}
	if cfg.DefaultBurstSize == 0 {
		cfg.DefaultBurstSize = 20
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ctiengine:ratelimit"
	}
	if cfg.RedisTimeout <= 0 {
		cfg.RedisTimeout = 100 * time.Millisecond
	}
	if cfg.RedisBackoff <= 0 {
		cfg.RedisBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:   redisClient,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
}

// DefaultTiers returns default tier configurations
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free": {
			RequestsPerSecond: 2,
			RequestsPerMinute: 30,
			BurstSize:         5,
		},
		"basic": {
			RequestsPerSecond: 10,
			RequestsPerMinute: 100,
			BurstSize:         20,
		},
		"enterprise": {
			RequestsPerSecond: 100,
			RequestsPerMinute: 1000,
			BurstSize:         200,
		},
	}
}

// DefaultEndpointLimits returns endpoint-specific limits for the expensive
// routes: analysis and infrastructure uploads.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"GET:/analyze/{id}": {
			Path:              "/analyze/{id}",
			Method:            http.MethodGet,
			RequestsPerSecond: 2,
			RequestsPerMinute: 30,
			CostMultiplier:    2,
		},
		"POST:/file/custom": {
			Path:              "/file/custom",
			Method:            http.MethodPost,
			RequestsPerSecond: 5,
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
		"POST:/file/terraform": {
			Path:              "/file/terraform",
			Method:            http.MethodPost,
			RequestsPerSecond: 5,
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
	}
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) *RateLimitResult {
	tierLimits := rl.getTierLimits(tier)
	endpointLimits := rl.getEndpointLimits(endpoint, method)
	effective := rl.calculateEffectiveLimits(tierLimits, endpointLimits)
	key := fmt.Sprintf("%s:%s:%s:%s:%s", rl.config.KeyPrefix, tier, clientID, method, endpoint)

	now := rl.now()
	var result *RateLimitResult
	if rl.redis != nil && now.UnixNano() >= rl.redisDown.Load() {
		var err error
		result, err = rl.checkRedis(ctx, key, effective, now)
		if err != nil {
			if ctx.Err() == nil {
				rl.redisDown.Store(now.Add(rl.config.RedisBackoff).UnixNano())
			}
			rl.logger.Warn("Redis rate limit check failed, using local limiter",
				zap.String("key", key),
				zap.Duration("backoff", rl.config.RedisBackoff),
				zap.Error(err),
			)
			result = nil
		}
	}
	if result == nil {
		result = rl.checkLocal(key, effective, now)
	}

	result.Tier = tier
	if !result.Allowed {
		result.Reason = "Rate limit exceeded"
		rl.metrics.Limited(tier, result.Backend)
	}
	return result
}

var fixedWindowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

func (rl *RateLimiter) checkRedis(ctx context.Context, key string, limits TierLimits, now time.Time) (*RateLimitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, rl.config.RedisTimeout)
	defer cancel()

	vals, err := fixedWindowScript.Run(ctx, rl.redis, []string{key + ":minute"}, time.Minute.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected rate limit script reply %v", vals)
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = time.Minute
	}

	remaining := limits.RequestsPerMinute - count
	if remaining < 0 {
		remaining = 0
	}
	result := &RateLimitResult{
		Allowed:   count <= limits.RequestsPerMinute,
		Remaining: remaining,
		Limit:     limits.RequestsPerMinute,
		ResetAt:   now.Add(ttl),
		Backend:   BackendRedis,
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

func (rl *RateLimiter) checkLocal(key string, limits TierLimits, now time.Time) *RateLimitResult {
	rps := limits.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := limits.BurstSize
	if burst <= 0 {
		burst = rps
	}

	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(rate.Limit(rps), burst))
	limiter := v.(*rate.Limiter)

	r := limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	allowed := r.OK() && delay == 0
	if !allowed {
		r.CancelAt(now)
	}

	remaining := int(limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     burst,
		ResetAt:   now.Add(time.Second),
		Backend:   BackendLocal,
	}
	if !allowed {
		result.RetryAfter = delay
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
	}
	return result
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	if limits, ok := rl.config.Tiers["free"]; ok {
		return limits
	}
	return TierLimits{
		RequestsPerSecond: rl.config.DefaultRequestsPerSecond,
		RequestsPerMinute: rl.config.DefaultRequestsPerMinute,
		BurstSize:         rl.config.DefaultBurstSize,
	}
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) calculateEffectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	if endpoint == nil {
		return tier
	}
	effective := tier
	if endpoint.RequestsPerSecond > 0 && endpoint.RequestsPerSecond < tier.RequestsPerSecond {
		effective.RequestsPerSecond = endpoint.RequestsPerSecond
	}
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < tier.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerSecond = max(effective.RequestsPerSecond/endpoint.CostMultiplier, 1)
		effective.RequestsPerMinute = max(effective.RequestsPerMinute/endpoint.CostMultiplier, 1)
	}
	return effective
}

// Middleware returns an HTTP middleware for rate limiting. Mount it on the
// routes it guards so the chi route pattern is known when it runs.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := getTier(r)
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result := rl.Check(r.Context(), tier, clientID, routePattern(r), r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       result.Reason,
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TierFromHeader returns a tier selector that reads TierHeader and falls
// back to def.
func TierFromHeader(def string) func(r *http.Request) string {
	return func(r *http.Request) string {
		if tier := r.Header.Get(TierHeader); tier != "" {
			return tier
		}
		return def
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// getClientIP returns the originating client address without a port. For a
// forwarded chain only the first entry counts.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := stripPort(strings.TrimSpace(first)); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
