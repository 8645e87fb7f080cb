package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vendo gateway.
type Metrics struct {
	// Coin / sale metrics
	PulsesTotal         *prometheus.CounterVec
	PulsesDroppedTotal  *prometheus.CounterVec
	SalesTotal          *prometheus.CounterVec
	SaleAmountTotal      *prometheus.CounterVec
	CoinCommitDuration   prometheus.Histogram
	CoinBansTotal        prometheus.Counter

	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionsExpiredTotal prometheus.Counter
	SessionsPausedTotal  prometheus.Counter

	// PacketPolicy call metrics
	PolicyCallsTotal   *prometheus.CounterVec
	PolicyCallDuration *prometheus.HistogramVec
	PolicyErrorsTotal  *prometheus.CounterVec

	// Source metrics
	SourcesOnline        prometheus.Gauge
	SourceOfflineTotal   *prometheus.CounterVec

	// Operator notification metrics
	NotifyTotal         *prometheus.CounterVec
	NotifyRetriesTotal  *prometheus.CounterVec
	NotifyDLQTotal      *prometheus.CounterVec
	NotifyDuration      *prometheus.HistogramVec

	// Event-ingestion HTTP surface
	RateLimitHitsTotal *prometheus.CounterVec
	EventsTotal        *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PulsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_pulses_total",
				Help: "Total number of coin pulses accepted by the CoinAggregator",
			},
			[]string{"source"},
		),
		PulsesDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_pulses_dropped_total",
				Help: "Total number of coin pulses dropped (idle slot or manual-mode filter)",
			},
			[]string{"source", "reason"},
		),
		SalesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_sales_total",
				Help: "Total number of committed sales",
			},
			[]string{"source"},
		),
		SaleAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_sale_amount_pesos_total",
				Help: "Total pesos credited across all committed sales",
			},
			[]string{"source"},
		),
		CoinCommitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vendo_coin_commit_duration_seconds",
				Help:    "Time taken to run the CreditApplier transaction",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),
		CoinBansTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vendo_coin_bans_total",
				Help: "Total number of pulse-flood bans triggered by the CoinAggregator",
			},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vendo_sessions_active",
				Help: "Current number of connected, unpaused sessions with positive credit",
			},
		),
		SessionsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vendo_sessions_expired_total",
				Help: "Total number of sessions expired by the Ticker",
			},
		),
		SessionsPausedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vendo_sessions_paused_total",
				Help: "Total number of sessions paused by the IdleMonitor",
			},
		),

		PolicyCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_policy_calls_total",
				Help: "Total number of PacketPolicy subprocess calls",
			},
			[]string{"service"},
		),
		PolicyCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vendo_policy_call_duration_seconds",
				Help:    "Duration of PacketPolicy subprocess calls",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"service"},
		),
		PolicyErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_policy_errors_total",
				Help: "Total number of PacketPolicy subprocess failures",
			},
			[]string{"service"},
		),

		SourcesOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vendo_sources_online",
				Help: "Current number of sources with a live heartbeat",
			},
		),
		SourceOfflineTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_source_offline_total",
				Help: "Total number of source online->offline transitions",
			},
			[]string{"source"},
		),

		NotifyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_notify_total",
				Help: "Total number of operator webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		NotifyRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_notify_retries_total",
				Help: "Total number of operator webhook retry attempts",
			},
			[]string{"event_type"},
		),
		NotifyDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_notify_dlq_total",
				Help: "Total number of operator events sent to the dead-letter queue",
			},
			[]string{"event_type"},
		),
		NotifyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vendo_notify_duration_seconds",
				Help:    "Time taken for operator webhook delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_rate_limit_hits_total",
				Help: "Total number of rate limit hits on the event-ingestion surface",
			},
			[]string{"limit_type", "identifier"},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendo_events_total",
				Help: "Total number of events accepted by the event-ingestion surface",
			},
			[]string{"route", "status"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vendo_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vendo_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObservePulse records an accepted coin pulse.
func (m *Metrics) ObservePulse(source string) {
	m.PulsesTotal.WithLabelValues(source).Inc()
}

// ObservePulseDropped records a dropped coin pulse (idle slot or manual-mode filter).
func (m *Metrics) ObservePulseDropped(source, reason string) {
	m.PulsesDroppedTotal.WithLabelValues(source, reason).Inc()
}

// ObserveSale records a committed sale and the commit's wall-clock duration.
func (m *Metrics) ObserveSale(source string, amountPesos int, duration time.Duration) {
	m.SalesTotal.WithLabelValues(source).Inc()
	m.SaleAmountTotal.WithLabelValues(source).Add(float64(amountPesos))
	m.CoinCommitDuration.Observe(duration.Seconds())
}

// ObserveCoinBan records a pulse-flood ban.
func (m *Metrics) ObserveCoinBan() {
	m.CoinBansTotal.Inc()
}

// ObserveSessionExpired records a Ticker-driven session expiry.
func (m *Metrics) ObserveSessionExpired() {
	m.SessionsExpiredTotal.Inc()
}

// ObserveSessionPaused records an IdleMonitor-driven session pause.
func (m *Metrics) ObserveSessionPaused() {
	m.SessionsPausedTotal.Inc()
}

// ObservePolicyCall records a PacketPolicy subprocess call.
func (m *Metrics) ObservePolicyCall(service string, duration time.Duration, err error) {
	m.PolicyCallsTotal.WithLabelValues(service).Inc()
	m.PolicyCallDuration.WithLabelValues(service).Observe(duration.Seconds())
	if err != nil {
		m.PolicyErrorsTotal.WithLabelValues(service).Inc()
	}
}

// ObserveSourceOffline records a source online->offline transition.
func (m *Metrics) ObserveSourceOffline(sourceID string) {
	m.SourceOfflineTotal.WithLabelValues(sourceID).Inc()
}

// ObserveNotify records an operator webhook delivery attempt.
func (m *Metrics) ObserveNotify(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	m.NotifyTotal.WithLabelValues(eventType, status).Inc()
	m.NotifyDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	if attempt > 1 {
		m.NotifyRetriesTotal.WithLabelValues(eventType).Inc()
	}
	if sentToDLQ {
		m.NotifyDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveEvent records an accepted or rejected event-ingestion call.
func (m *Metrics) ObserveEvent(route, status string) {
	m.EventsTotal.WithLabelValues(route, status).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
