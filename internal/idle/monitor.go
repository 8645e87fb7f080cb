// Package idle implements the IdleMonitor: it pauses a connected user's
// session when both the byte counters have gone stale and no live flows
// remain for their IP (AND-semantics, chosen deliberately so a session with
// live connections but momentarily quiet counters is never paused).
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/storage"
	"golang.org/x/time/rate"
)

const defaultInterval = 10 * time.Second

// Monitor periodically pauses sessions whose traffic has gone idle.
// Resuming a paused session is an explicit CoreAPI action, never automatic.
type Monitor struct {
	store       storage.Store
	pol         policy.Policy
	idleTimeout time.Duration
	interval    time.Duration
	probeLimit  *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Monitor. idleTimeout is how long a user's byte counters may
// stay flat before they become eligible for pausing.
func New(store storage.Store, pol policy.Policy, idleTimeout time.Duration) *Monitor {
	interval := defaultInterval
	return &Monitor{
		store:       store,
		pol:         pol,
		idleTimeout: idleTimeout,
		interval:    interval,
		probeLimit:  rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the idle-check goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-t.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	log := logger.FromContext(ctx)

	active, err := m.store.IterateActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("idle.iterate_active_failed")
		return
	}

	now := time.Now()
	for _, u := range active {
		if u.IP == "" {
			continue
		}

		stale := u.LastTrafficAt.IsZero() || now.Sub(u.LastTrafficAt) >= m.idleTimeout
		if !stale {
			continue
		}

		if err := m.probeLimit.Wait(ctx); err != nil {
			return
		}
		live, err := m.pol.HasLiveFlows(ctx, u.IP)
		if err != nil {
			log.Warn().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("idle.probe_failed")
			continue
		}
		if live {
			continue
		}

		if err := m.store.Pause(ctx, u.UserID); err != nil {
			log.Error().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("idle.pause_store_failed")
			continue
		}
		if err := m.pol.Deauthorize(ctx, u.MAC); err != nil {
			log.Warn().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("idle.pause_deauthorize_failed")
		}
		if err := m.pol.RemoveLimit(ctx, u.IP); err != nil {
			log.Warn().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("idle.pause_removelimit_failed")
		}
		if _, err := m.store.EnqueueEvent(ctx, storage.OperatorEvent{
			Kind:      "user_paused",
			Payload:   map[string]interface{}{"user_code": u.UserCode, "mac": u.MAC},
			CreatedAt: now,
			Status:    storage.EventPending,
		}); err != nil {
			log.Warn().Err(err).Msg("idle.pause_event_enqueue_failed")
		}
		log.Info().Str("mac", logger.TruncateMAC(u.MAC)).Msg("idle.session_paused")
	}
}
