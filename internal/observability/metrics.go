package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ctiengine"

// Metrics holds Prometheus metrics for the service. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Analysis metrics
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	SkippedEntities  *prometheus.CounterVec
	PlatformMatches  prometheus.Histogram

	// Store metrics
	CacheLookups   *prometheus.CounterVec
	EntitiesLoaded *prometheus.GaugeVec

	// Gateway metrics
	RateLimited *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the service metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AnalysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Total infrastructure analyses by outcome",
			},
			[]string{"outcome"},
		),
		AnalysisDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "End-to-end analysis duration",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_stage_duration_seconds",
				Help:      "Correlation stage duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"stage"},
		),
		SkippedEntities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_entities_total",
				Help:      "Referenced entities missing from the store during correlation",
			},
			[]string{"kind"},
		),
		PlatformMatches: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "platform_techniques",
				Help:      "Techniques matched by operating system per analysis",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Entity cache lookups by kind and result",
			},
			[]string{"kind", "result"},
		),
		EntitiesLoaded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities_loaded",
				Help:      "Entities written by the last seed, by kind",
			},
			[]string{"kind"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"tier", "backend"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveAnalysis records the outcome and duration of one analysis.
func (m *Metrics) ObserveAnalysis(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(outcome).Inc()
	m.AnalysisDuration.Observe(seconds)
}

// ObserveStage records the duration of one correlation stage.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObservePlatformMatches records the size of the platform technique set.
func (m *Metrics) ObservePlatformMatches(n int) {
	if m == nil {
		return
	}
	m.PlatformMatches.Observe(float64(n))
}

// Skipped counts a missing entity encountered during correlation.
func (m *Metrics) Skipped(kind string) {
	if m == nil {
		return
	}
	m.SkippedEntities.WithLabelValues(kind).Inc()
}

// CacheLookup counts a cache lookup by result: hit, miss, error, or
// bypass while Redis is backing off.
func (m *Metrics) CacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

// Loaded records the number of entities seeded for kind.
func (m *Metrics) Loaded(kind string, n int) {
	if m == nil {
		return
	}
	m.EntitiesLoaded.WithLabelValues(kind).Set(float64(n))
}

// Limited counts a rejected request.
func (m *Metrics) Limited(tier, backend string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(tier, backend).Inc()
}
