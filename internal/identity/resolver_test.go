package identity

import (
	"context"
	"testing"

	"github.com/Djnirds1984/cjtech/internal/storage"
)

func TestResolveRoamingConflictMACWins(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.UpsertUser(ctx, storage.User{UserID: "u1", ClientID: "C1", MAC: "aa:bb:cc:dd:ee:01", CreditSeconds: 300})
	_ = store.UpsertUser(ctx, storage.User{UserID: "u2", ClientID: "C2", MAC: "aa:bb:cc:dd:ee:02", CreditSeconds: 120})

	r := New(store)
	got, err := r.Resolve(ctx, Observed{ClientID: "C1", MAC: "aa:bb:cc:dd:ee:02"}, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.UserID != "u2" {
		t.Fatalf("expected mac-owning user u2 to win, got %s", got.UserID)
	}

	u1, _ := store.FindUserByMAC(ctx, "aa:bb:cc:dd:ee:01")
	if u1.UserID != "u1" {
		t.Fatalf("u1 should be untouched on its original mac")
	}
}

func TestResolveRoamingReclaim(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.UpsertUser(ctx, storage.User{UserID: "u1", ClientID: "C1", MAC: "aa:bb:cc:dd:ee:01", CreditSeconds: 300})

	r := New(store)
	got, err := r.Resolve(ctx, Observed{ClientID: "C1", MAC: "aa:bb:cc:dd:ee:02"}, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.MAC != "aa:bb:cc:dd:ee:02" {
		t.Fatalf("expected mac claimed onto u1, got %s", got.MAC)
	}
	if got.CreditSeconds != 300 {
		t.Fatalf("credit seconds should be unchanged by roaming, got %d", got.CreditSeconds)
	}
}

func TestResolveMissingMAC(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := New(store)

	_, err := r.Resolve(ctx, Observed{}, false)
	if err == nil {
		t.Fatalf("expected missing_mac error")
	}
}
