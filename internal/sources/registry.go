// Package sources tracks the local coin slot and remote sub-devices.
package sources

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Djnirds1984/cjtech/internal/storage"
	"go.uber.org/atomic"
)

const livenessWindow = 70 * time.Second

// LocalSourceID is the identifier reserved for the on-appliance slot.
const LocalSourceID = "hardware"

// trackedSource pairs a Source row with an atomic online flag flipped by
// the Ticker's reconciliation pass; reading the flag itself needs no lock
// (finding the entry takes the registry's map read lock).
type trackedSource struct {
	data   storage.Source
	online atomic.Bool
}

// Registry tracks local + remote sources in memory, persisting upserts to
// the store and refreshing online flags once per reconciliation pass.
type Registry struct {
	store storage.Store

	mu      sync.RWMutex
	tracked map[string]*trackedSource
}

// New builds a Registry backed by store and registers the local slot.
func New(ctx context.Context, store storage.Store) (*Registry, error) {
	r := &Registry{store: store, tracked: make(map[string]*trackedSource)}

	local, err := store.GetSource(ctx, LocalSourceID)
	if err == storage.ErrNotFound {
		local = storage.Source{ID: LocalSourceID, DisplayName: "hardware", Local: true, PulseValuePesos: 1, LastActiveAt: time.Now()}
		if err := store.UpsertSource(ctx, local); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	r.track(local)

	all, err := store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		r.track(s)
	}
	return r, nil
}

func (r *Registry) track(s storage.Source) *trackedSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracked[s.ID]
	if !ok {
		t = &trackedSource{data: s}
		r.tracked[s.ID] = t
	} else {
		t.data = s
	}
	t.online.Store(s.Online(time.Now(), livenessWindow))
	return t
}

// RegisterRemote upserts a remote source (keyed by device identifier),
// authenticated by internal/subauth before this call is reached.
func (r *Registry) RegisterRemote(ctx context.Context, id, displayName string, pulseValuePesos int) error {
	if pulseValuePesos <= 0 {
		pulseValuePesos = 1
	}
	s := storage.Source{
		ID:              id,
		DisplayName:     displayName,
		Local:           false,
		PulseValuePesos: pulseValuePesos,
		LastActiveAt:    time.Now(),
	}
	if existing, err := r.store.GetSource(ctx, id); err == nil {
		s.RateDownKbpsOverride = existing.RateDownKbpsOverride
		s.RateUpKbpsOverride = existing.RateUpKbpsOverride
		s.VisibleRateIDs = existing.VisibleRateIDs
	}
	if err := r.store.UpsertSource(ctx, s); err != nil {
		return err
	}
	r.track(s)
	return nil
}

// Heartbeat records activity for id, marking it online.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	now := time.Now()
	if err := r.store.TouchSourceHeartbeat(ctx, id, now); err != nil {
		return err
	}
	r.mu.RLock()
	t, ok := r.tracked[id]
	r.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}
	t.data.LastActiveAt = now
	t.online.Store(true)
	return nil
}

// Get returns the tracked source data and its lock-free online flag. id may
// be a bare source id or the "remote:"-prefixed label that remote pulses
// carry.
func (r *Registry) Get(id string) (storage.Source, bool, bool) {
	r.mu.RLock()
	t, ok := r.tracked[id]
	if !ok {
		t, ok = r.tracked[strings.TrimPrefix(id, "remote:")]
	}
	r.mu.RUnlock()
	if !ok {
		return storage.Source{}, false, false
	}
	return t.data, t.online.Load(), true
}

// ReconcileOnline is called once per Ticker pass to flip the atomic online
// flags from last_active_at, holding only the map read lock. Returns the ids that
// just transitioned online->offline, for internal/notify to report.
func (r *Registry) ReconcileOnline(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var wentOffline []string
	for id, t := range r.tracked {
		wasOnline := t.online.Load()
		isOnline := t.data.Online(now, livenessWindow)
		t.online.Store(isOnline)
		if wasOnline && !isOnline {
			wentOffline = append(wentOffline, id)
		}
	}
	return wentOffline
}

// List returns a snapshot of all tracked sources.
func (r *Registry) List() []storage.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]storage.Source, 0, len(r.tracked))
	for _, t := range r.tracked {
		out = append(out, t.data)
	}
	return out
}

// PulseValue returns the per-pulse peso multiplier for id, defaulting to 1
// for unknown sources (defensive; SourceRegistry should already know every
// source that can produce a pulse). id may be a bare source id or the
// "remote:"-prefixed label that remote pulses carry.
func (r *Registry) PulseValue(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracked[id]
	if !ok {
		t, ok = r.tracked[strings.TrimPrefix(id, "remote:")]
	}
	if ok && t.data.PulseValuePesos > 0 {
		return t.data.PulseValuePesos
	}
	return 1
}
