package credit

import (
	"context"
	"testing"
	"time"

	"github.com/Djnirds1984/cjtech/internal/identity"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/ratetable"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

func newTestApplier(t *testing.T) (*Applier, storage.Store, *policy.FakePolicy) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, r := range []storage.Rate{
		{ID: "base", AmountPesos: 1, Minutes: 1, RateUpKbps: 256, RateDownKbps: 512},
		{ID: "five", AmountPesos: 5, Minutes: 7, RateUpKbps: 256, RateDownKbps: 512},
		{ID: "ten", AmountPesos: 10, Minutes: 15, RateUpKbps: 512, RateDownKbps: 1024},
	} {
		if err := store.UpsertRate(ctx, r); err != nil {
			t.Fatalf("seed rate: %v", err)
		}
	}

	registry, err := sources.New(ctx, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	resolver := identity.New(store)
	rates := ratetable.New(store, time.Second)
	pol := policy.NewFakePolicy()
	return New(store, resolver, rates, registry, pol), store, pol
}

func TestApplierCreditsNewUserAndRecordsSale(t *testing.T) {
	ctx := context.Background()
	applier, store, pol := newTestApplier(t)

	mac := "aa:bb:cc:dd:ee:10"
	seconds, code, err := applier.Apply(ctx, mac, "", map[string]int{"hardware": 13}, "hardware")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if seconds != 18*60 {
		t.Fatalf("expected DP-refined 18 minutes (1080s), got %d", seconds)
	}
	if code == "" {
		t.Fatalf("expected a user code to be minted")
	}

	u, err := store.FindUserByMAC(ctx, mac)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if u.CreditSeconds != int64(seconds) {
		t.Fatalf("expected stored credit %d, got %d", seconds, u.CreditSeconds)
	}

	sales, err := store.ListSales(ctx, time.Time{})
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 || sales[0].Amount != 13 {
		t.Fatalf("expected one sale of 13, got %+v", sales)
	}

	if !pol.IsAuthorized(mac) {
		t.Fatalf("expected mac authorized in the enforcement plane")
	}
}

func TestApplierFailsClosedWithoutMatchingRate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry, err := sources.New(ctx, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	resolver := identity.New(store)
	rates := ratetable.New(store, time.Second)
	pol := policy.NewFakePolicy()
	applier := New(store, resolver, rates, registry, pol)

	_, _, err = applier.Apply(ctx, "aa:bb:cc:dd:ee:11", "", map[string]int{"hardware": 7}, "hardware")
	if err == nil {
		t.Fatalf("expected failure with empty rate table")
	}

	sales, err := store.ListSales(ctx, time.Time{})
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 || sales[0].Amount != 7 {
		t.Fatalf("expected the sale to persist despite the planner failure, got %+v", sales)
	}
}
