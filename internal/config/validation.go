package config

import (
	"database/sql"
	"fmt"
	"time"
)

// finalize applies defaults that depend on other fields and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8088"
	}

	switch c.Storage.Backend {
	case "", "memory", "postgres", "mongodb", "file":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("config: storage.postgres_url is required for the postgres backend")
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBURL == "" {
		return fmt.Errorf("config: storage.mongodb_url is required for the mongodb backend")
	}
	if c.Storage.Backend == "file" && c.Storage.FilePath == "" {
		return fmt.Errorf("config: storage.file_path is required for the file backend")
	}

	if len(c.Rates.Lines) == 0 {
		return fmt.Errorf("config: rates.lines must not be empty")
	}
	hasBaseRate := false
	for _, l := range c.Rates.Lines {
		if l.AmountPesos == 1 {
			hasBaseRate = true
		}
		if l.AmountPesos <= 0 || l.Minutes <= 0 {
			return fmt.Errorf("config: rate line %q has non-positive amount or minutes", l.ID)
		}
	}
	if !hasBaseRate {
		return fmt.Errorf("config: rates.lines should include an amount=1 line so the planner always terminates")
	}

	if c.Coin.PulseIdleTimeout.Duration <= 0 {
		return fmt.Errorf("config: coin.pulse_idle_timeout must be positive")
	}
	if c.Coin.AbsoluteTimeout.Duration <= 0 {
		return fmt.Errorf("config: coin.absolute_timeout must be positive")
	}

	if c.Ticker.Interval.Duration <= 0 {
		return fmt.Errorf("config: ticker.interval must be positive")
	}
	if c.Idle.Interval.Duration <= 0 {
		return fmt.Errorf("config: idle.interval must be positive")
	}

	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPool) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	if pool.ConnMaxIdleTime.Duration > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime.Duration)
	}
}
