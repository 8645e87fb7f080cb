package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Djnirds1984/cjtech/internal/metrics"
	"github.com/Djnirds1984/cjtech/internal/subauth"
	"github.com/go-chi/httprate"
)

// Config holds rate limiting configuration for the event-ingestion surface.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-source rate limiting (identified by the authenticated remote source id)
	PerSourceEnabled bool
	PerSourceLimit   int
	PerSourceWindow  time.Duration

	// Per-IP rate limiting (fallback for the local hardware slot's own caller)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns sensible default rate limits for a captive-portal
// event-ingestion surface: generous enough for legitimate pulse bursts,
// tight enough to stop a spoofed flood.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   600,
		GlobalWindow:  1 * time.Minute,

		PerSourceEnabled: true,
		PerSourceLimit:   120,
		PerSourceWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   60,
		PerIPWindow:  1 * time.Minute,
	}
}

func createRateLimitHandler(limitType string, windowSeconds int, extractIdentifier func(*http.Request) string, metricsCollector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_source":
			message = fmt.Sprintf("Per-source rate limit exceeded for %s. Please try again later.", identifier)
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// GlobalLimiter rate-limits the event-ingestion surface as a whole.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(createRateLimitHandler("global", int(cfg.GlobalWindow.Seconds()), nil, cfg.Metrics)),
	)
}

// SourceLimiter rate-limits by the authenticated remote source id, falling
// back to IP when the request carries no subauth identity (the local
// hardware slot's own in-process caller).
func SourceLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerSourceEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.PerSourceLimit,
		cfg.PerSourceWindow,
		httprate.WithKeyFuncs(sourceKeyExtractor),
		httprate.WithLimitHandler(createRateLimitHandler("per_source", int(cfg.PerSourceWindow.Seconds()), extractSourceID, cfg.Metrics)),
	)
}

// IPLimiter rate-limits by caller IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(createRateLimitHandler("per_ip", int(cfg.PerIPWindow.Seconds()),
			func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics)),
	)
}

func sourceKeyExtractor(r *http.Request) (string, error) {
	if id := extractSourceID(r); id != "" {
		return "source:" + id, nil
	}
	return httprate.KeyByIP(r)
}

func extractSourceID(r *http.Request) string {
	return subauth.SourceID(r)
}
