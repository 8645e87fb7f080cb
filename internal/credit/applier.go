// Package credit implements the CreditApplier: the single atomic transaction
// that turns an accumulated coin amount (or a redeemed voucher) into session
// time, a durable Sale record, and enforcement-plane authorization.
package credit

import (
	"context"
	"time"

	"github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/identity"
	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/ratetable"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Applier runs the six-step credit transaction: resolve identity, append the
// sale ledger entry, plan minutes, credit the user, authorize in the
// enforcement plane, and enqueue the operator notification.
type Applier struct {
	store     storage.Store
	resolver  *identity.Resolver
	rates     *ratetable.Table
	sourcesRg *sources.Registry
	pol       policy.Policy
}

// New builds an Applier from its collaborators.
func New(store storage.Store, resolver *identity.Resolver, rates *ratetable.Table, sourcesRg *sources.Registry, pol policy.Policy) *Applier {
	return &Applier{store: store, resolver: resolver, rates: rates, sourcesRg: sourcesRg, pol: pol}
}

// Apply satisfies coin.Committer. perSourceAmount is the pesos accumulated
// per contributing source during the insert window; dominantSource is the
// source with the largest contribution, used to pick the visible rate table
// and the per-source bandwidth overrides.
func (a *Applier) Apply(ctx context.Context, mac, clientID string, perSourceAmount map[string]int, dominantSource string) (int, string, error) {
	log := logger.FromContext(ctx)

	total := 0
	for _, amt := range perSourceAmount {
		total += amt
	}
	if total <= 0 {
		return 0, "", errors.New(errors.CodeInvalid, "credit applier called with zero amount")
	}

	user, err := a.resolver.Resolve(ctx, identity.Observed{ClientID: clientID, MAC: mac}, true)
	if err != nil {
		return 0, "", err
	}
	isNewUser := user.UserID == ""
	if isNewUser {
		user.UserID = uuid.NewString()
		user.UserCode = identity.GenerateUserCode()
		user.MAC = mac
		user.ClientID = clientID
		if err := a.store.UpsertUser(ctx, user); err != nil {
			return 0, "", err
		}
	}

	now := time.Now()
	for source, amt := range perSourceAmount {
		if amt <= 0 {
			continue
		}
		sale := storage.Sale{Timestamp: now, Amount: amt, MAC: mac, Source: source}
		if err := a.store.AppendSale(ctx, sale); err != nil {
			return 0, "", err
		}
	}

	lines, err := a.rates.Snapshot(ctx)
	if err != nil {
		return 0, "", err
	}
	src, _, _ := a.sourcesRg.Get(dominantSource)
	visible := ratetable.VisibleTo(lines, src.VisibleRateIDs)
	plan := ratetable.PlanAmount(visible, total)
	if plan.Minutes == 0 {
		// Sale rows above already persisted: the planner failure is
		// operator-visible, not a silent credit.
		return 0, "", errors.New(errors.CodeNoRateForAmount, "no rate line covers this amount")
	}

	addedSeconds := int64(plan.Minutes * 60)
	newBalance, err := a.store.AddCredit(ctx, user.UserID, addedSeconds)
	if err != nil {
		return 0, "", err
	}

	user.CreditSeconds = newBalance
	if plan.DownKbps > 0 {
		user.RateDownKbps = maxInt(user.RateDownKbps, plan.DownKbps)
	}
	if plan.UpKbps > 0 {
		user.RateUpKbps = maxInt(user.RateUpKbps, plan.UpKbps)
	}
	if src.RateDownKbpsOverride > 0 {
		user.RateDownKbps = src.RateDownKbpsOverride
	}
	if src.RateUpKbpsOverride > 0 {
		user.RateUpKbps = src.RateUpKbpsOverride
	}
	expiry := now.Add(time.Duration(newBalance) * time.Second)
	user.SessionExpiryAt = &expiry
	user.LastSeenAt = now
	user.Connected = true
	user.Paused = false
	user.LastTrafficAt = now
	if err := a.store.UpsertUser(ctx, user); err != nil {
		return 0, "", err
	}

	var enforceErr error
	if _, err := a.pol.Authorize(ctx, mac); err != nil {
		enforceErr = multierr.Append(enforceErr, err)
	}
	if user.IP != "" {
		if err := a.pol.SetLimit(ctx, user.IP, user.RateDownKbps, user.RateUpKbps); err != nil {
			enforceErr = multierr.Append(enforceErr, err)
		}
	}
	if enforceErr != nil {
		// Credit is already committed; enforcement failures are logged and
		// left for the next Ticker reconciliation pass to retry.
		log.Warn().Err(enforceErr).Str("mac", logger.TruncateMAC(mac)).Msg("credit.enforcement_partial_failure")
	}

	evt := storage.OperatorEvent{
		Kind: "sale.recorded",
		Payload: map[string]interface{}{
			"user_code":        user.UserCode,
			"mac":              mac,
			"amount_pesos":     total,
			"minutes_credited": plan.Minutes,
			"dominant_source":  dominantSource,
		},
		CreatedAt: now,
		Status:    storage.EventPending,
	}
	if _, err := a.store.EnqueueEvent(ctx, evt); err != nil {
		log.Warn().Err(err).Msg("credit.event_enqueue_failed")
	}

	return plan.Minutes * 60, user.UserCode, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
