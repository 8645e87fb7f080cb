// Package failgate implements the per-MAC lockout after repeated
// voucher/coin-start failures.
package failgate

import (
	"context"
	"time"

	"github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

// Gate tracks consecutive failed attempts per MAC, persisted through store
// so a reboot does not reset an active ban.
type Gate struct {
	store       storage.Store
	banLimit    int
	banDuration time.Duration
}

// New builds a Gate. banLimit is the failure count that triggers a ban;
// banDuration is how long the ban lasts.
func New(store storage.Store, banLimit int, banDuration time.Duration) *Gate {
	if banLimit <= 0 {
		banLimit = 5
	}
	if banDuration <= 0 {
		banDuration = 15 * time.Minute
	}
	return &Gate{store: store, banLimit: banLimit, banDuration: banDuration}
}

// Check returns a CodeBanned error if mac is currently under an active ban.
func (g *Gate) Check(ctx context.Context, mac string) error {
	rec, err := g.store.GetFailureRecord(ctx, mac)
	if err != nil {
		return err
	}
	if rec.BannedUntil != nil && rec.BannedUntil.After(time.Now()) {
		return errors.Banned(rec.BannedUntil.Unix())
	}
	return nil
}

// RecordFailure increments mac's counter and stamps a ban once the limit is
// reached, returning the resulting record.
func (g *Gate) RecordFailure(ctx context.Context, mac string) (storage.FailureRecord, error) {
	rec, err := g.store.GetFailureRecord(ctx, mac)
	if err != nil {
		return storage.FailureRecord{}, err
	}

	var banUntil *time.Time
	if rec.Count+1 >= g.banLimit {
		until := time.Now().Add(g.banDuration)
		banUntil = &until
	}
	return g.store.IncrementFailure(ctx, mac, banUntil)
}

// RecordSuccess clears both the counter and any active ban on mac.
func (g *Gate) RecordSuccess(ctx context.Context, mac string) error {
	return g.store.ClearFailure(ctx, mac)
}
