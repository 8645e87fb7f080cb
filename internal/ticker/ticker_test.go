package ticker

import (
	"context"
	"testing"
	"time"

	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

func TestDecrementActiveExpiresAtZero(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pol := policy.NewFakePolicy()
	registry, err := sources.New(ctx, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	user := storage.User{MAC: "aa:bb:cc:dd:ee:20", ClientID: "c1", IP: "10.0.0.5", CreditSeconds: 3, Connected: true}
	if err := store.UpsertUser(ctx, user); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	u, err := store.FindUserByMAC(ctx, user.MAC)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if _, err := pol.Authorize(ctx, u.MAC); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	tk := New(store, pol, registry, "br-lan")
	tk.decrementActive(ctx, 5*time.Second, nopLogger())

	got, err := store.FindUserByMAC(ctx, user.MAC)
	if err != nil {
		t.Fatalf("find user after decrement: %v", err)
	}
	if got.CreditSeconds != 0 {
		t.Fatalf("expected credit clamped to 0, got %d", got.CreditSeconds)
	}
	if pol.IsAuthorized(u.MAC) {
		t.Fatalf("expected mac deauthorized after expiry")
	}
}

func TestReconcilePolicyAuthorizesMissingActiveUser(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pol := policy.NewFakePolicy()
	registry, err := sources.New(ctx, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	user := storage.User{MAC: "aa:bb:cc:dd:ee:21", ClientID: "c2", CreditSeconds: 100, Connected: true}
	if err := store.UpsertUser(ctx, user); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	tk := New(store, pol, registry, "br-lan")
	tk.reconcilePolicy(ctx, nopLogger())

	if !pol.IsAuthorized(user.MAC) {
		t.Fatalf("expected active user re-authorized by reconciliation")
	}
}

func TestReconcilePolicyRevokesOrphanAuthorization(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pol := policy.NewFakePolicy()
	registry, err := sources.New(ctx, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := pol.Authorize(ctx, "aa:bb:cc:dd:ee:22"); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	tk := New(store, pol, registry, "br-lan")
	tk.reconcilePolicy(ctx, nopLogger())

	if pol.IsAuthorized("aa:bb:cc:dd:ee:22") {
		t.Fatalf("expected orphan authorization revoked")
	}
}
