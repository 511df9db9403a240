// Package main provides the entry point for the ctiengine server.
// It serves ATT&CK and CVE queries and correlates submitted infrastructure
// descriptions against the knowledge base.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/api"
	"github.com/lvonguyen/ctiengine/internal/api/gateway"
	"github.com/lvonguyen/ctiengine/internal/app"
	"github.com/lvonguyen/ctiengine/internal/config"
	"github.com/lvonguyen/ctiengine/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ctiengine %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ctiengine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(app.TelemetryConfig(cfg, Version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	logger.Info("Starting ctiengine",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
		zap.String("store", cfg.Store.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.New(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}()

	if cfg.Ingest.SeedOnStart {
		sum, err := stack.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seeding store: %w", err)
		}
		logger.Info("Store seeded", zap.Int("techniques", sum.Techniques), zap.Int("groups", sum.Groups))
	}

	opts := []api.Option{
		api.WithTelemetry(tel),
		api.WithVersion(Version),
		api.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		api.WithRequestTimeout(cfg.Server.WriteTimeout),
	}
	if cfg.RateLimit.Enabled {
		rl := gateway.NewRateLimiter(stack.Redis, cfg.RateLimit.RateLimitConfig, logger, tel.Metrics())
		opts = append(opts, api.WithRateLimiter(rl, gateway.TierFromHeader(cfg.RateLimit.DefaultTier)))
	}

	srv := api.NewServer(stack.Entities, stack.Backend, stack.Engine, logger, opts...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.ReadTimeout,
	}

	tel.StartSystemMetricsCollector(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}
