package idle

import (
	"context"
	"testing"
	"time"

	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

func TestRunOncePausesWhenCountersStaleAndNoLiveFlows(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pol := policy.NewFakePolicy()

	user := storage.User{MAC: "aa:bb:cc:dd:ee:30", ClientID: "c1", IP: "10.0.0.9", CreditSeconds: 100,
		Connected: true, LastTrafficAt: time.Now().Add(-time.Hour)}
	if err := store.UpsertUser(ctx, user); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	// LiveFlows defaults to false for this ip: no live flows.

	m := New(store, pol, time.Minute)
	m.runOnce(ctx)

	got, err := store.FindUserByMAC(ctx, user.MAC)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if !got.Paused {
		t.Fatalf("expected user paused after stale counters with no live flows")
	}
}

func TestRunOnceSkipsPauseWhenFlowsLive(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pol := policy.NewFakePolicy()

	user := storage.User{MAC: "aa:bb:cc:dd:ee:31", ClientID: "c2", IP: "10.0.0.10", CreditSeconds: 100,
		Connected: true, LastTrafficAt: time.Now().Add(-time.Hour)}
	if err := store.UpsertUser(ctx, user); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	pol.LiveFlows[user.IP] = true

	m := New(store, pol, time.Minute)
	m.runOnce(ctx)

	got, err := store.FindUserByMAC(ctx, user.MAC)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if got.Paused {
		t.Fatalf("expected user not paused while flows are live")
	}
}

func TestRunOnceSkipsFreshTraffic(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pol := policy.NewFakePolicy()

	user := storage.User{MAC: "aa:bb:cc:dd:ee:32", ClientID: "c3", IP: "10.0.0.11", CreditSeconds: 100,
		Connected: true, LastTrafficAt: time.Now()}
	if err := store.UpsertUser(ctx, user); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	m := New(store, pol, time.Minute)
	m.runOnce(ctx)

	got, err := store.FindUserByMAC(ctx, user.MAC)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if got.Paused {
		t.Fatalf("expected user not paused with fresh traffic")
	}
}
