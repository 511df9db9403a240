// Package api exposes the knowledge base and the correlation engine over
// HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/analysis"
	"github.com/lvonguyen/ctiengine/internal/api/gateway"
	"github.com/lvonguyen/ctiengine/internal/infra"
	"github.com/lvonguyen/ctiengine/internal/observability"
	"github.com/lvonguyen/ctiengine/internal/store"
)

// Analyzer runs correlation for one infrastructure description.
type Analyzer interface {
	Analyze(ctx context.Context, in infra.InputData) (*analysis.Report, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	entities       store.EntityStore
	inputs         store.InputStore
	analyzer       Analyzer
	logger         *zap.Logger
	telemetry      *observability.Telemetry
	limiter        *gateway.RateLimiter
	tierFn         func(*http.Request) string
	maxUploadBytes int64
	requestTimeout time.Duration
	version        string
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry adds request metrics and the /metrics endpoint.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

// WithRateLimiter guards the analyze and upload routes.
func WithRateLimiter(rl *gateway.RateLimiter, tierFn func(*http.Request) string) Option {
	return func(s *Server) {
		s.limiter = rl
		s.tierFn = tierFn
	}
}

// WithMaxUploadBytes caps the size of uploaded infrastructure files.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUploadBytes = n }
}

// WithRequestTimeout bounds every request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates the API server.
func NewServer(entities store.EntityStore, inputs store.InputStore, analyzer Analyzer, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		entities:       entities,
		inputs:         inputs,
		analyzer:       analyzer,
		logger:         logger,
		maxUploadBytes: 10 << 20,
		requestTimeout: 60 * time.Second,
		version:        "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tierFn == nil {
		s.tierFn = gateway.TierFromHeader("free")
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	if s.telemetry != nil {
		r.Use(s.telemetry.HTTPMiddleware)
		r.Method(http.MethodGet, "/metrics", s.telemetry.MetricsHandler())
	}

	// Health endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// Knowledge base
	r.Get("/cves", s.handleFindCVEs)
	r.Get("/cves/{id}", s.handleGetCVE)
	r.Get("/groups", s.handleFindGroups)
	r.Get("/groups/{id}", s.handleGetGroup)
	r.Get("/techniques", s.handleFindTechniques)
	r.Get("/techniques/{id}", s.handleGetTechnique)
	r.Get("/tactics", s.handleFindTactics)
	r.Get("/malware", s.handleFindMalware)
	r.Get("/countries", s.handleCountries)
	r.Get("/sectors", s.handleSectors)

	// Infrastructure files and analysis
	r.Get("/file", s.handleDataTypes)
	r.Get("/file/{id}", s.handleGetInput)
	r.Delete("/file/{id}", s.handleDeleteInput)
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(s.tierFn, nil))
		}
		r.Post("/file/custom", s.handleUpload(infra.Custom))
		r.Post("/file/terraform", s.handleUpload(infra.Terraform))
		r.Get("/analyze/{id}", s.handleAnalyze)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.entities.(store.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
