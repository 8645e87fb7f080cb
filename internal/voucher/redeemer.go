// Package voucher implements the redemption side of the Portal API's
// redeemVoucher contract: turning a pre-printed code into session time.
// Voucher generation/distribution is out of scope; this package only
// consumes a fixed code→seconds table loaded from config.
package voucher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/failgate"
	"github.com/Djnirds1984/cjtech/internal/identity"
	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/storage"
	"github.com/google/uuid"
)

// Line is one redeemable voucher code and the session time it grants.
type Line struct {
	Code         string
	SecondsAdded int64
}

// Redeemer validates and applies voucher codes. Each code is single-use,
// tracked in memory for the appliance's uptime (a reboot clears the
// used-set, same durability class as the rest of the in-memory
// fast-path state the Ticker reconciles from the store).
type Redeemer struct {
	store    storage.Store
	resolver *identity.Resolver
	gate     *failgate.Gate
	pol      policy.Policy

	mu     sync.Mutex
	lines  map[string]int64
	used   map[string]bool
}

// New builds a Redeemer from the configured voucher lines.
func New(store storage.Store, resolver *identity.Resolver, gate *failgate.Gate, pol policy.Policy, lines []Line) *Redeemer {
	r := &Redeemer{
		store:    store,
		resolver: resolver,
		gate:     gate,
		pol:      pol,
		lines:    make(map[string]int64, len(lines)),
		used:     make(map[string]bool),
	}
	for _, l := range lines {
		r.lines[normalizeCode(l.Code)] = l.SecondsAdded
	}
	return r
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Redeem validates code against the configured table and, on a fresh
// match, credits obs's resolved user the associated seconds and
// authorizes its MAC — the same commit shape as CreditApplier.Apply,
// minus the Sale ledger entry (a voucher redemption is not a coin sale).
func (r *Redeemer) Redeem(ctx context.Context, obs identity.Observed, code string) (secondsAdded int64, err error) {
	log := logger.FromContext(ctx)
	mac := strings.ToLower(strings.TrimSpace(obs.MAC))

	if err := r.gate.Check(ctx, mac); err != nil {
		return 0, err
	}

	normalized := normalizeCode(code)

	r.mu.Lock()
	seconds, known := r.lines[normalized]
	if known && r.used[normalized] {
		known = false
	}
	if known {
		r.used[normalized] = true
	}
	r.mu.Unlock()

	if !known {
		if _, ferr := r.gate.RecordFailure(ctx, mac); ferr != nil {
			log.Warn().Err(ferr).Str("mac", logger.TruncateMAC(mac)).Msg("voucher.record_failure_failed")
		}
		return 0, errors.New(errors.CodeInvalid, "unknown or already-redeemed voucher code")
	}

	user, err := r.resolver.Resolve(ctx, obs, true)
	if err != nil {
		return 0, err
	}
	isNewUser := user.UserID == ""
	if isNewUser {
		user.UserID = uuid.NewString()
		user.UserCode = identity.GenerateUserCode()
		user.MAC = mac
		user.ClientID = obs.ClientID
	}

	now := time.Now()
	newBalance, err := r.store.AddCredit(ctx, user.UserID, seconds)
	if err != nil {
		return 0, err
	}
	user.CreditSeconds = newBalance
	user.TotalSecondsEver += seconds
	user.Paused = false
	user.Connected = true
	user.LastSeenAt = now
	expiry := now.Add(time.Duration(newBalance) * time.Second)
	user.SessionExpiryAt = &expiry
	if err := r.store.UpsertUser(ctx, user); err != nil {
		return 0, err
	}

	if _, err := r.pol.Authorize(ctx, mac); err != nil {
		log.Warn().Err(err).Str("mac", logger.TruncateMAC(mac)).Msg("voucher.authorize_failed")
	}

	if err := r.gate.RecordSuccess(ctx, mac); err != nil {
		log.Warn().Err(err).Str("mac", logger.TruncateMAC(mac)).Msg("voucher.record_success_failed")
	}

	return seconds, nil
}
