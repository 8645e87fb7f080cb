package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults for a single appliance.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8088",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Storage: StorageConfig{
			Backend:              "memory",
			CleanupInterval:      Duration{Duration: 5 * time.Minute},
			UsersTableName:       "users",
			SalesTableName:       "sales",
			SourcesTableName:     "sources",
			RatesTableName:       "rates",
			SourceRatesTableName: "source_rates",
			FailuresTableName:    "failures",
			ConfigTableName:      "config",
			EventQueueTableName:  "operator_events",
		},
		Rates: RatesConfig{
			CacheTTL: Duration{Duration: 30 * time.Second},
			Lines: []RateLine{
				{ID: "rate-1", AmountPesos: 1, Minutes: 1, RateUpKbps: 2000, RateDownKbps: 5000},
			},
		},
		Coin: CoinConfig{
			PulseIdleTimeout:     Duration{Duration: 30 * time.Second},
			AbsoluteTimeout:      Duration{Duration: 60 * time.Second},
			BanLimitPulsesPerWin: 40,
			BanWindow:            Duration{Duration: 10 * time.Second},
			BanDuration:          Duration{Duration: 5 * time.Minute},
		},
		Sources: SourcesConfig{
			HeartbeatOnline:   Duration{Duration: 70 * time.Second},
			DefaultPulsePesos: 1,
		},
		Ticker: TickerConfig{
			Interval:              Duration{Duration: 1 * time.Second},
			TrafficSampleInterval: Duration{Duration: 5 * time.Second},
			PolicySyncInterval:    Duration{Duration: 60 * time.Second},
			MaxPolicyCallsPerPass: 50,
		},
		Idle: IdleConfig{
			Interval:           Duration{Duration: 5 * time.Second},
			IdleTimeoutSeconds: 120,
		},
		FailGate: FailGateConfig{
			BanLimit:    5,
			BanDuration: Duration{Duration: 10 * time.Minute},
		},
		Policy: PolicyConfig{
			Iface:                "br-lan",
			ProbeDeadline:        Duration{Duration: 2 * time.Second},
			TableRewriteDeadline: Duration{Duration: 5 * time.Second},
			IPTablesPath:         "iptables",
			TCPath:               "tc",
			ConntrackPath:        "conntrack",
			IPPath:               "ip",
		},
		Notify: NotifyConfig{
			Headers:    make(map[string]string),
			Timeout:    Duration{Duration: 3 * time.Second},
			DLQPath:    "./data/notify-dlq.json",
			DLQEnabled: false,
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:    true,
			GlobalLimit:      2000,
			GlobalWindow:     Duration{Duration: 1 * time.Minute},
			PerSourceEnabled: true,
			PerSourceLimit:   120,
			PerSourceWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:     true,
			PerIPLimit:       240,
			PerIPWindow:      Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Auth: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Shaping: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Counters: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 8,
				FailureRatio:        0.6,
				MinRequests:         10,
			},
			Neighbor: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 8,
				FailureRatio:        0.6,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
