// Package config provides configuration management for ctiengine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/ctiengine/internal/api/gateway"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config holds all ctiengine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Labels    LabelsConfig    `yaml:"labels"`
	Ingest    IngestConfig    `yaml:"ingest"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// StoreConfig selects and configures the entity store.
type StoreConfig struct {
	Driver       string        `yaml:"driver"` // memory, sqlite
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// RedisConfig holds Redis connection settings. Redis backs the entity
// cache and the rate limiter; both are skipped when disabled.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	NotFoundTTL time.Duration `yaml:"not_found_ttl"`
	KeyPrefix   string        `yaml:"key_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	Backoff     time.Duration `yaml:"backoff"`
}

// AnalysisConfig holds correlation engine settings.
type AnalysisConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LabelsConfig holds label generation settings.
type LabelsConfig struct {
	KeywordCount  int    `yaml:"keyword_count"`
	StopWordsFile string `yaml:"stop_words_file"`
}

// IngestConfig names the source documents used to seed the store.
type IngestConfig struct {
	DataDir          string        `yaml:"data_dir"`
	STIXURL          string        `yaml:"stix_url"`
	STIXFile         string        `yaml:"stix_file"`
	ThreatActorsFile string        `yaml:"threat_actors_file"`
	NVDFiles         []string      `yaml:"nvd_files"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	SeedOnStart      bool          `yaml:"seed_on_start"`
}

// RateLimitConfig enables the gateway rate limiter.
type RateLimitConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DefaultTier string `yaml:"default_tier"`

	gateway.RateLimitConfig `yaml:",inline"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		Store: StoreConfig{
			Driver:       DriverSQLite,
			Path:         "data/ctiengine.db",
			MaxOpenConns: 10,
			BusyTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
			CacheTTL:    1 * time.Hour,
			NotFoundTTL: 15 * time.Minute,
			KeyPrefix:   "ctiengine:entity",
			Timeout:     250 * time.Millisecond,
			MaxRetries:  1,
			Backoff:     5 * time.Second,
		},
		Analysis: AnalysisConfig{
			Concurrency: 8,
			Timeout:     30 * time.Second,
		},
		Labels: LabelsConfig{
			KeywordCount: 5,
		},
		Ingest: IngestConfig{
			DataDir:          "data",
			STIXURL:          "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/master/enterprise-attack/enterprise-attack.json",
			STIXFile:         "data/enterprise-attack.json",
			ThreatActorsFile: "data/threat_actors.csv",
			DownloadTimeout:  5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			DefaultTier: "free",
			RateLimitConfig: gateway.RateLimitConfig{
				IncludeHeaders: true,
				Endpoints:      gateway.DefaultEndpointLimits(),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "ctiengine",
			Environment:    "development",
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of memory, sqlite", c.Store.Driver))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required when redis is enabled")
	}
	if c.Analysis.Concurrency <= 0 {
		problems = append(problems, "analysis.concurrency must be positive")
	}
	if c.Analysis.Timeout <= 0 {
		problems = append(problems, "analysis.timeout must be positive")
	}
	if c.Labels.KeywordCount <= 0 {
		problems = append(problems, "labels.keyword_count must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RedisPassword resolves the Redis password from the configured env var.
func (c *Config) RedisPassword() string {
	if c.Redis.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Redis.PasswordEnv)
}
