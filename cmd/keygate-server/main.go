// Package main is the entrypoint for the KeyGate server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MacJediWizard/keygate/internal/api"
	"github.com/MacJediWizard/keygate/internal/artifacts"
	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/billing"
	"github.com/MacJediWizard/keygate/internal/config"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/licensing"
	"github.com/MacJediWizard/keygate/internal/maintenance"
	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/rs/zerolog"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting KeyGate server")

	// Load configuration
	cfg := config.LoadServerConfig()

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL environment variable is required")
		return 1
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	// Initialize session store
	if cfg.SessionSecret == "" {
		logger.Fatal().Msg("SESSION_SECRET environment variable is required")
		return 1
	}
	sessionCfg := auth.DefaultSessionConfig([]byte(cfg.SessionSecret), cfg.SecureCookies())
	sessionCfg.MaxAge = cfg.SessionMaxAge
	sessions, err := auth.NewSessionStore(sessionCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize session store")
		return 1
	}

	m, err := metrics.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize metrics")
		return 1
	}

	// Billing services
	dues := billing.NewService(database, logger)
	evaluator := billing.NewEvaluator(database, m, logger)

	// License validator
	validator := licensing.NewValidator(database, db.ErrNotFound, dues, m, logger)

	// Artifact blob store (optional)
	var blobs maintenance.BlobDeleter
	if cfg.BlobStoreConfigured() {
		store, err := artifacts.NewS3BlobStore(ctx, cfg.S3)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize artifact blob store")
			return 1
		}
		if err := store.TestConnection(ctx); err != nil {
			logger.Warn().Err(err).Msg("Artifact bucket unreachable (continuing; blob deletes will retry)")
		}
		blobs = store
	} else {
		logger.Info().Msg("No artifact bucket configured - artifact rows purged without blob deletes")
	}

	// Maintenance: nightly schedule plus the per-request trigger in the router
	sweeper := maintenance.NewSweeper(database, blobs, m, logger)
	scheduler := maintenance.NewScheduler(sweeper, evaluator, m, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start maintenance scheduler")
	}
	defer scheduler.Stop()

	var allowedOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins = append(allowedOrigins, origin)
			}
		}
	}

	routerCfg := api.Config{
		AllowedOrigins: allowedOrigins,
		Environment:    cfg.Environment,
		RateLimit:      cfg.RateLimit,
		RedisURL:       cfg.RedisURL,
		Version:        Version,
		Commit:         Commit,
		BuildDate:      BuildDate,
	}

	router, err := api.NewRouter(routerCfg, database, sessions, validator, dues, scheduler, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}
