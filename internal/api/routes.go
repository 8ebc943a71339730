// Package api provides the HTTP API for the KeyGate server.
package api

import (
	"time"

	"github.com/MacJediWizard/keygate/internal/api/handlers"
	"github.com/MacJediWizard/keygate/internal/api/middleware"
	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/billing"
	"github.com/MacJediWizard/keygate/internal/config"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/licensing"
	"github.com/MacJediWizard/keygate/internal/maintenance"
	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxBodyBytes limits request bodies; every payload on this API is small JSON.
const maxBodyBytes = 64 << 10

// maintenanceInterval throttles the per-request maintenance trigger.
const maintenanceInterval = time.Minute

// Config holds configuration for the API router.
type Config struct {
	// AllowedOrigins for CORS. Empty means all origins allowed in dev mode.
	AllowedOrigins []string
	// Environment selects production behavior for CORS and cookies.
	Environment config.Environment
	// RateLimit is a limiter rate string, e.g. "60-M".
	RateLimit string
	// RedisURL, when set, backs the rate limit with a shared Redis store.
	RedisURL string
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{},
		Environment:    config.EnvDevelopment,
		RateLimit:      "60-M",
		Version:        "dev",
		Commit:         "unknown",
		BuildDate:      "unknown",
	}
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine   *gin.Engine
	logger   zerolog.Logger
	sessions *auth.SessionStore
	db       *db.DB
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(
	cfg Config,
	database *db.DB,
	sessions *auth.SessionStore,
	validator *licensing.Validator,
	dues *billing.Service,
	runner *maintenance.Scheduler,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Router, error) {
	r := &Router{
		Engine:   gin.New(),
		logger:   logger.With().Str("component", "router").Logger(),
		sessions: sessions,
		db:       database,
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment))
	r.Engine.Use(middleware.BodyLimitMiddleware(maxBodyBytes))

	// Rate limiting
	var rateLimiter gin.HandlerFunc
	var err error
	if cfg.RedisURL != "" {
		rateLimiter, err = middleware.NewRedisRateLimiter(cfg.RedisURL, cfg.RateLimit)
	} else {
		rateLimiter, err = middleware.NewRateLimiter(cfg.RateLimit)
	}
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	// Opportunistic maintenance off request traffic; the nightly cron is
	// the backstop for idle deployments.
	if runner != nil {
		r.Engine.Use(middleware.MaintenanceTrigger(runner, maintenanceInterval))
	}

	// Public endpoints
	healthHandler := handlers.NewHealthHandler(database, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	metricsHandler := handlers.NewMetricsHandler(m)
	metricsHandler.RegisterPublicRoutes(r.Engine)

	versionHandler := handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate)
	versionHandler.RegisterPublicRoutes(r.Engine)

	validateHandler := handlers.NewValidateHandler(validator, m, logger)
	validateHandler.RegisterPublicRoutes(r.Engine)

	// Auth routes (no auth required)
	authGroup := r.Engine.Group("/auth")
	authHandler := handlers.NewAuthHandler(database, sessions, logger)
	authHandler.RegisterRoutes(authGroup)

	licensesHandler := handlers.NewLicensesHandler(database, validator, logger)
	artifactsHandler := handlers.NewArtifactsHandler(database, logger)

	// API v1 routes (tier session required)
	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(sessions, database, logger))

	tiersHandler := handlers.NewTiersHandler(database, dues, m, logger)
	tiersHandler.RegisterRoutes(apiV1)
	licensesHandler.RegisterRoutes(apiV1)

	// End user routes (license session required)
	userGroup := r.Engine.Group("/user")
	userGroup.Use(middleware.LicenseUserMiddleware(sessions, logger))
	licensesHandler.RegisterUserRoutes(userGroup)
	artifactsHandler.RegisterUserRoutes(userGroup)

	return r, nil
}
