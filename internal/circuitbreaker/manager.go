package circuitbreaker

import (
	"time"

	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ServiceType identifies a PacketPolicy subprocess family for bulkhead
// isolation: a storm against one (e.g. tc rewrites) must not also trip
// breakers guarding the others.
type ServiceType string

const (
	// ServiceAuth guards authorize/deauthorize (iptables MAC set) calls.
	ServiceAuth ServiceType = "policy_auth"
	// ServiceShaping guards setLimit/removeLimit (tc) calls.
	ServiceShaping ServiceType = "policy_shaping"
	// ServiceCounters guards sampleCounters (iptables/tc accounting reads).
	ServiceCounters ServiceType = "policy_counters"
	// ServiceNeighbor guards hasLiveFlows/neighbor-table probes (ip neigh, conntrack).
	ServiceNeighbor ServiceType = "policy_neighbor"
)

// Manager manages circuit breakers for the PacketPolicy subprocess families.
// Each family has its own breaker so a run of iptables timeouts does not
// also starve tc or conntrack calls.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all PacketPolicy families.
type Config struct {
	Enabled  bool
	Auth     BreakerConfig
	Shaping  BreakerConfig
	Counters BreakerConfig
	Neighbor BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig builds a Manager from the application config tree.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled:  cfg.Enabled,
		Auth:     toBreakerConfig(cfg.Auth),
		Shaping:  toBreakerConfig(cfg.Shaping),
		Counters: toBreakerConfig(cfg.Counters),
		Neighbor: toBreakerConfig(cfg.Neighbor),
	})
}

func toBreakerConfig(c config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         c.MaxRequests,
		Interval:            c.Interval.Duration,
		Timeout:             c.Timeout.Duration,
		ConsecutiveFailures: c.ConsecutiveFailures,
		FailureRatio:        c.FailureRatio,
		MinRequests:         c.MinRequests,
	}
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}
	if !cfg.Enabled {
		return m
	}
	m.breakers[ServiceAuth] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceAuth), cfg.Auth))
	m.breakers[ServiceShaping] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceShaping), cfg.Shaping))
	m.breakers[ServiceCounters] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceCounters), cfg.Counters))
	m.breakers[ServiceNeighbor] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceNeighbor), cfg.Neighbor))
	return m
}

// Execute wraps fn with circuit breaker protection for the given service.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the current state of a circuit breaker ("disabled" if
// circuit breakers are off or the service isn't configured).
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				if float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	tableRewrite := BreakerConfig{
		MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second,
		ConsecutiveFailures: 5, FailureRatio: 0.5, MinRequests: 10,
	}
	probe := BreakerConfig{
		MaxRequests: 3, Interval: 30 * time.Second, Timeout: 15 * time.Second,
		ConsecutiveFailures: 5, FailureRatio: 0.5, MinRequests: 10,
	}
	return Config{
		Enabled:  true,
		Auth:     tableRewrite,
		Shaping:  tableRewrite,
		Counters: probe,
		Neighbor: probe,
	}
}
