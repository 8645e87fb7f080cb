// Package eventapi is the event-ingestion HTTP surface: the wire contract
// the GPIO/coin relay adapter and remote ESP-class sub-devices call into.
// It is not the portal server — no HTML/JSON product pages, no session
// cookies — it exists only so the out-of-scope portal process and board
// firmware have a concrete contract to drive CoinAggregator and
// SourceRegistry.
package eventapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Djnirds1984/cjtech/internal/coin"
	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/Djnirds1984/cjtech/internal/idempotency"
	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/metrics"
	"github.com/Djnirds1984/cjtech/internal/ratelimit"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/subauth"
	"github.com/Djnirds1984/cjtech/internal/versioning"
)

var serverStartTime = time.Now()

// Server wires the event-ingestion router and its HTTP listener.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	aggregator       *coin.Aggregator
	sourcesRg        *sources.Registry
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// New builds the event-ingestion HTTP server with a configured router.
func New(cfg *config.Config, aggregator *coin.Aggregator, sourcesRg *sources.Registry, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              cfg,
			aggregator:       aggregator,
			sourcesRg:        sourcesRg,
			idempotencyStore: idempotencyStore,
			metrics:          metricsCollector,
			logger:           appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, aggregator, sourcesRg, idempotencyStore, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches the event-ingestion routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, aggregator *coin.Aggregator, sourcesRg *sources.Registry, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:              cfg,
		aggregator:       aggregator,
		sourcesRg:        sourcesRg,
		idempotencyStore: idempotencyStore,
		metrics:          metricsCollector,
		logger:           appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"POST", "GET"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers applied first for all responses.
	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID so request-scoped fields propagate.
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// API version negotiation.
	router.Use(versioning.Negotiation)

	// Shared-secret HMAC validation for remote sub-device requests. Local
	// routes pass through untouched when subauth is disabled or the
	// request carries no X-Vendo-Source header.
	subauthCfg := subauth.Config{
		SharedSecret: cfg.Sources.SubVendoKey,
		Enabled:      cfg.Sources.SubVendoKey != "",
	}
	router.Use(subauth.Middleware(subauthCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:    cfg.RateLimit.GlobalEnabled,
		GlobalLimit:      cfg.RateLimit.GlobalLimit,
		GlobalWindow:     cfg.RateLimit.GlobalWindow.Duration,
		PerSourceEnabled: cfg.RateLimit.PerSourceEnabled,
		PerSourceLimit:   cfg.RateLimit.PerSourceLimit,
		PerSourceWindow:  cfg.RateLimit.PerSourceWindow.Duration,
		PerIPEnabled:     cfg.RateLimit.PerIPEnabled,
		PerIPLimit:       cfg.RateLimit.PerIPLimit,
		PerIPWindow:      cfg.RateLimit.PerIPWindow.Duration,
		Metrics:          metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.SourceLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health, version, metrics. No idempotency and a
	// short 5s timeout — these are polled or scraped, not retried.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		r.Get("/version", handler.version)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Event-ingestion endpoints: deduplicated by a client-supplied
	// Idempotency-Key (the same pulse delivered twice by a flaky relay or
	// retried sub-device must not double-credit).
	idempotencyMW := idempotency.Middleware(idempotencyStore, idempotency.DefaultTTL)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(idempotencyMW)

		r.Post(prefix+"/events/pulse", handler.localPulse)
		r.Post(prefix+"/events/remote/{source_id}/pulse", handler.remotePulse)
		r.Post(prefix+"/events/remote/{source_id}/heartbeat", handler.remoteHeartbeat)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
