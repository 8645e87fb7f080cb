// Package ratetable holds the price table and the amount→minutes planner.
package ratetable

import (
	"context"
	"sync"
	"time"

	"github.com/Djnirds1984/cjtech/internal/cacheutil"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

// Table is a read-through cache over storage.Store rate rows.
type Table struct {
	store storage.Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache cacheutil.CachedValue[[]storage.Rate]
}

// New builds a Table backed by store, caching rows for ttl.
func New(store storage.Store, ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Table{store: store, ttl: ttl}
}

// Invalidate forces the next Snapshot call to refetch from the store.
func (t *Table) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = cacheutil.CachedValue[[]storage.Rate]{}
}

// Snapshot returns the current rate lines, refreshing the cache if stale.
func (t *Table) Snapshot(ctx context.Context) ([]storage.Rate, error) {
	return cacheutil.ReadThrough(
		&t.mu,
		func(now time.Time) ([]storage.Rate, bool) {
			if t.cache.Value != nil && now.Sub(t.cache.FetchedAt) < t.ttl {
				return t.cache.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]storage.Rate, error) {
			rates, err := t.store.ListRates(ctx)
			if err != nil {
				return nil, err
			}
			t.cache = cacheutil.CachedValue[[]storage.Rate]{Value: rates, FetchedAt: now}
			return rates, nil
		},
	)
}

// VisibleTo filters lines to a source's visible subset, or returns all
// lines when the source declares no restriction.
func VisibleTo(lines []storage.Rate, visibleIDs []string) []storage.Rate {
	if len(visibleIDs) == 0 {
		return lines
	}
	allowed := make(map[string]bool, len(visibleIDs))
	for _, id := range visibleIDs {
		allowed[id] = true
	}
	out := make([]storage.Rate, 0, len(lines))
	for _, l := range lines {
		if allowed[l.ID] {
			out = append(out, l)
		}
	}
	return out
}
