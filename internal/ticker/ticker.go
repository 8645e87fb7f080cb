// Package ticker runs the 1Hz reconciliation loop: per-second credit
// decrement, periodic byte-counter sampling, and periodic enforcement-plane
// reconciliation.
package ticker

import (
	"context"
	"sync"
	"time"

	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	tickInterval       = 1 * time.Second
	counterSampleEvery = 5 * time.Second
	policySyncEvery    = 60 * time.Second
)

// Ticker drives the per-second decrement, byte-counter sampling, and
// enforcement-plane reconciliation passes that keep credit, traffic limits,
// and connection state in sync across every active session.
type Ticker struct {
	store    storage.Store
	pol      policy.Policy
	registry *sources.Registry
	iface    string

	lastCounterSample time.Time
	lastTick          time.Time
	prevUploads       map[string]int64
	prevDownloads     map[int]int64

	policyLimiter *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Ticker over the given collaborators. iface is the LAN
// interface whose byte counters SampleCounters reads.
func New(store storage.Store, pol policy.Policy, registry *sources.Registry, iface string) *Ticker {
	return &Ticker{
		store:         store,
		pol:           pol,
		registry:      registry,
		iface:         iface,
		prevUploads:   make(map[string]int64),
		prevDownloads: make(map[int]int64),
		policyLimiter: rate.NewLimiter(rate.Every(policySyncEvery), 1),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the reconciliation goroutine.
func (t *Ticker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (t *Ticker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Ticker) loop(ctx context.Context) {
	defer t.wg.Done()

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	t.lastTick = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case now := <-tick.C:
			t.runOnce(ctx, now)
		}
	}
}

func (t *Ticker) runOnce(ctx context.Context, now time.Time) {
	log := logger.FromContext(ctx)

	delta := now.Sub(t.lastTick)
	t.lastTick = now
	t.decrementActive(ctx, delta, log)

	if t.lastCounterSample.IsZero() || now.Sub(t.lastCounterSample) >= counterSampleEvery {
		t.lastCounterSample = now
		t.sampleCounters(ctx, log)
	}

	if t.policyLimiter.AllowN(now, 1) {
		t.reconcilePolicy(ctx, log)
		t.reconcileSources(ctx, now, log)
	}
}

// decrementActive subtracts delta (in seconds) from every connected,
// unpaused active user's credit, expiring and deauthorizing any that hit
// zero.
func (t *Ticker) decrementActive(ctx context.Context, delta time.Duration, log zerolog.Logger) {
	seconds := int64(delta.Seconds())
	if seconds <= 0 {
		return
	}

	active, err := t.store.IterateActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ticker.iterate_active_failed")
		return
	}

	for _, u := range active {
		if u.Paused || !u.Connected {
			continue
		}
		remaining, err := t.store.Decrement(ctx, u.UserID, seconds)
		if err != nil {
			log.Error().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("ticker.decrement_failed")
			continue
		}
		if remaining == 0 {
			t.expireUser(ctx, u, log)
		}
	}
}

func (t *Ticker) expireUser(ctx context.Context, u storage.User, log zerolog.Logger) {
	if err := t.store.Expire(ctx, u.UserID); err != nil {
		log.Error().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("ticker.expire_store_failed")
	}
	if err := t.pol.Deauthorize(ctx, u.MAC); err != nil {
		log.Warn().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("ticker.expire_deauthorize_failed")
	}
	if u.IP != "" {
		if err := t.pol.RemoveLimit(ctx, u.IP); err != nil {
			log.Warn().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("ticker.expire_removelimit_failed")
		}
	}
	if _, err := t.store.EnqueueEvent(ctx, storage.OperatorEvent{
		Kind:      "user_expired",
		Payload:   map[string]interface{}{"user_code": u.UserCode, "mac": u.MAC},
		CreatedAt: time.Now(),
		Status:    storage.EventPending,
	}); err != nil {
		log.Warn().Err(err).Msg("ticker.expire_event_enqueue_failed")
	}
	log.Info().Str("mac", logger.TruncateMAC(u.MAC)).Msg("ticker.user_expired")
}

// sampleCounters reads per-IP/class-id byte counters and stamps LastTrafficAt
// for any active user whose counter advanced since the previous sample,
// tolerating a counter reset (treated as fresh activity, never as negative
// delta).
func (t *Ticker) sampleCounters(ctx context.Context, log zerolog.Logger) {
	counters, err := t.pol.SampleCounters(ctx, t.iface)
	if err != nil {
		log.Error().Err(err).Msg("ticker.sample_counters_failed")
		return
	}

	active, err := t.store.IterateActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ticker.iterate_active_failed")
		return
	}

	now := time.Now()
	for _, u := range active {
		if u.IP == "" {
			continue
		}
		advanced := false

		if sample, ok := counters.Uploads[u.IP]; ok {
			prev := t.prevUploads[u.IP]
			if sample.Bytes > 0 && sample.Bytes != prev {
				advanced = true
			}
			t.prevUploads[u.IP] = sample.Bytes
		}

		classID := policy.ClassID(u.IP)
		if sample, ok := counters.Downloads[classID]; ok {
			prev := t.prevDownloads[classID]
			if sample.Bytes > 0 && sample.Bytes != prev {
				advanced = true
			}
			t.prevDownloads[classID] = sample.Bytes
		}

		if advanced {
			if err := t.store.TouchTraffic(ctx, u.UserID, now); err != nil {
				log.Warn().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("ticker.touch_traffic_failed")
			}
		}
	}
}

// reconcilePolicy syncs the enforcement plane's authorized-MAC set against
// the store's view of active users: re-authorizes any active user missing
// from the forwarding plane (covers a policy daemon restart) and revokes any
// authorization with no corresponding active user (covers a crashed
// teardown).
func (t *Ticker) reconcilePolicy(ctx context.Context, log zerolog.Logger) {
	authorized, err := t.pol.ListAuthorizedMacs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ticker.list_authorized_failed")
		return
	}

	active, err := t.store.IterateActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ticker.iterate_active_failed")
		return
	}

	activeMacs := make(map[string]bool, len(active))
	for _, u := range active {
		if u.Paused {
			continue
		}
		activeMacs[u.MAC] = true
		if !authorized[u.MAC] {
			if _, err := t.pol.Authorize(ctx, u.MAC); err != nil {
				log.Warn().Err(err).Str("mac", logger.TruncateMAC(u.MAC)).Msg("ticker.reconcile_authorize_failed")
			}
		}
	}

	for mac := range authorized {
		if !activeMacs[mac] {
			if err := t.pol.Deauthorize(ctx, mac); err != nil {
				log.Warn().Err(err).Str("mac", logger.TruncateMAC(mac)).Msg("ticker.reconcile_deauthorize_failed")
			}
		}
	}
}

// reconcileSources flips source online flags and enqueues a source_offline
// notification for any source that just went stale.
func (t *Ticker) reconcileSources(ctx context.Context, now time.Time, log zerolog.Logger) {
	if t.registry == nil {
		return
	}
	for _, id := range t.registry.ReconcileOnline(now) {
		if _, err := t.store.EnqueueEvent(ctx, storage.OperatorEvent{
			Kind:      "source_offline",
			Payload:   map[string]interface{}{"source_id": id},
			CreatedAt: now,
			Status:    storage.EventPending,
		}); err != nil {
			log.Warn().Err(err).Str("source", id).Msg("ticker.source_offline_event_failed")
		}
	}
}
