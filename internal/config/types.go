package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Rates          RatesConfig          `yaml:"rates"`
	Coin           CoinConfig           `yaml:"coin"`
	Sources        SourcesConfig        `yaml:"sources"`
	Ticker         TickerConfig         `yaml:"ticker"`
	Idle           IdleConfig           `yaml:"idle"`
	FailGate       FailGateConfig       `yaml:"fail_gate"`
	Policy         PolicyConfig         `yaml:"policy"`
	Notify         NotifyConfig         `yaml:"notify"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Vouchers       VouchersConfig       `yaml:"vouchers"`
}

// VouchersConfig seeds the fixed set of pre-printed voucher codes this
// appliance accepts. Generating/distributing voucher codes is out of
// scope; this is only the redemption side of the Portal API's
// redeemVoucher contract.
type VouchersConfig struct {
	Lines []VoucherLine `yaml:"lines"`
}

// VoucherLine is one redeemable voucher code.
type VoucherLine struct {
	Code         string `yaml:"code"`
	SecondsAdded int64  `yaml:"seconds_added"`
}

// ServerConfig holds the event-ingestion HTTP surface configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// StorageConfig holds SessionStore backend configuration.
type StorageConfig struct {
	Backend         string       `yaml:"backend"` // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string       `yaml:"postgres_url"`
	MongoDBURL      string       `yaml:"mongodb_url"`
	MongoDBDatabase string       `yaml:"mongodb_database"`
	FilePath        string       `yaml:"file_path"`
	PostgresPool    PostgresPool `yaml:"postgres_pool"`
	CleanupInterval Duration     `yaml:"cleanup_interval"`

	UsersTableName       string `yaml:"users_table"`
	SalesTableName       string `yaml:"sales_table"`
	SourcesTableName     string `yaml:"sources_table"`
	RatesTableName       string `yaml:"rates_table"`
	SourceRatesTableName string `yaml:"source_rates_table"`
	FailuresTableName    string `yaml:"failures_table"`
	ConfigTableName      string `yaml:"config_table"`
	EventQueueTableName  string `yaml:"event_queue_table"`
}

// PostgresPool mirrors the connection pool tuning knobs.
type PostgresPool struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// RatesConfig seeds the price table (RateTable) at startup.
type RatesConfig struct {
	Lines    []RateLine `yaml:"lines"`
	CacheTTL Duration   `yaml:"cache_ttl"`
}

// RateLine is one price-table row.
type RateLine struct {
	ID           string `yaml:"id"`
	AmountPesos  int    `yaml:"amount_pesos"`
	Minutes      int    `yaml:"minutes"`
	RateUpKbps   int    `yaml:"rate_up_kbps"`
	RateDownKbps int    `yaml:"rate_down_kbps"`
}

// CoinConfig configures the CoinAggregator state machine.
type CoinConfig struct {
	PulseIdleTimeout     Duration `yaml:"pulse_idle_timeout"` // default 30s
	AbsoluteTimeout      Duration `yaml:"absolute_timeout"`   // default 60s
	BanLimitPulsesPerWin int      `yaml:"ban_limit_pulses_per_window"`
	BanWindow            Duration `yaml:"ban_window"`
	BanDuration          Duration `yaml:"ban_duration"`
}

// SourcesConfig configures the SourceRegistry.
type SourcesConfig struct {
	SubVendoKey       string   `yaml:"sub_vendo_key"`
	HeartbeatOnline   Duration `yaml:"heartbeat_online_window"` // default 70s
	DefaultPulsePesos int      `yaml:"default_pulse_value_pesos"`
}

// TickerConfig configures the 1Hz reconciliation loop.
type TickerConfig struct {
	Interval              Duration `yaml:"interval"`                // default 1s
	TrafficSampleInterval Duration `yaml:"traffic_sample_interval"` // default 5s
	PolicySyncInterval    Duration `yaml:"policy_sync_interval"`    // default 60s
	MaxPolicyCallsPerPass int      `yaml:"max_policy_calls_per_pass"`
}

// IdleConfig configures the IdleMonitor.
type IdleConfig struct {
	Interval           Duration `yaml:"interval"`             // default 5s
	IdleTimeoutSeconds int      `yaml:"idle_timeout_seconds"` // default 120
}

// FailGateConfig configures the FailAttemptGate.
type FailGateConfig struct {
	BanLimit    int      `yaml:"ban_limit"`
	BanDuration Duration `yaml:"ban_duration"`
}

// PolicyConfig configures the PacketPolicy subprocess adapter.
type PolicyConfig struct {
	Iface                string   `yaml:"iface"`
	ProbeDeadline        Duration `yaml:"probe_deadline"`         // default 2s
	TableRewriteDeadline Duration `yaml:"table_rewrite_deadline"` // default 5s
	IPTablesPath         string   `yaml:"iptables_path"`
	TCPath               string   `yaml:"tc_path"`
	ConntrackPath        string   `yaml:"conntrack_path"`
	IPPath               string   `yaml:"ip_path"`
}

// NotifyConfig configures the operator webhook notifier.
type NotifyConfig struct {
	Enabled    bool              `yaml:"enabled"`
	WebhookURL string            `yaml:"webhook_url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    Duration          `yaml:"timeout"`
	DLQEnabled bool              `yaml:"dlq_enabled"`
	DLQPath    string            `yaml:"dlq_path"`
	Retry      RetryConfig       `yaml:"retry"`
}

// RetryConfig is the exponential-backoff schedule for notify deliveries.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// RateLimitConfig configures the event-ingestion HTTP surface limiter.
type RateLimitConfig struct {
	GlobalEnabled    bool     `yaml:"global_enabled"`
	GlobalLimit      int      `yaml:"global_limit"`
	GlobalWindow     Duration `yaml:"global_window"`
	PerSourceEnabled bool     `yaml:"per_source_enabled"`
	PerSourceLimit   int      `yaml:"per_source_limit"`
	PerSourceWindow  Duration `yaml:"per_source_window"`
	PerIPEnabled     bool     `yaml:"per_ip_enabled"`
	PerIPLimit       int      `yaml:"per_ip_limit"`
	PerIPWindow      Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig configures per-service breakers guarding PacketPolicy.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Auth     BreakerServiceConfig `yaml:"auth"`
	Shaping  BreakerServiceConfig `yaml:"shaping"`
	Counters BreakerServiceConfig `yaml:"counters"`
	Neighbor BreakerServiceConfig `yaml:"neighbor"`
}

// BreakerServiceConfig mirrors gobreaker.Settings fields we expose.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
