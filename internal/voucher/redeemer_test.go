package voucher

import (
	"context"
	"testing"
	"time"

	"github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/failgate"
	"github.com/Djnirds1984/cjtech/internal/identity"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

func newTestRedeemer(t *testing.T) *Redeemer {
	t.Helper()
	store := storage.NewMemoryStore()
	resolver := identity.New(store)
	gate := failgate.New(store, 5, time.Minute)
	pol := policy.NewFakePolicy()
	return New(store, resolver, gate, pol, []Line{
		{Code: "WELCOME10", SecondsAdded: 600},
	})
}

func TestRedeem_GrantsSecondsOnFirstUse(t *testing.T) {
	r := newTestRedeemer(t)
	obs := identity.Observed{MAC: "aa:bb:cc:dd:ee:01", ClientID: "c1"}

	seconds, err := r.Redeem(context.Background(), obs, "welcome10")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if seconds != 600 {
		t.Errorf("expected 600 seconds, got %d", seconds)
	}
}

func TestRedeem_RejectsReuse(t *testing.T) {
	r := newTestRedeemer(t)
	obs := identity.Observed{MAC: "aa:bb:cc:dd:ee:02", ClientID: "c2"}

	if _, err := r.Redeem(context.Background(), obs, "WELCOME10"); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	_, err := r.Redeem(context.Background(), identity.Observed{MAC: "aa:bb:cc:dd:ee:03", ClientID: "c3"}, "WELCOME10")
	if err == nil {
		t.Fatal("expected error on reuse")
	}
	coreErr, ok := err.(*errors.CoreError)
	if !ok || coreErr.Code != errors.CodeInvalid {
		t.Errorf("expected CodeInvalid, got %v", err)
	}
}

func TestRedeem_RejectsUnknownCode(t *testing.T) {
	r := newTestRedeemer(t)
	obs := identity.Observed{MAC: "aa:bb:cc:dd:ee:04"}

	_, err := r.Redeem(context.Background(), obs, "NOPE")
	if err == nil {
		t.Fatal("expected error for unknown code")
	}
}
