package storage

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreClaimMACDeletesStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.UpsertUser(ctx, User{UserID: "u1", MAC: "AA:BB:CC:DD:EE:01", CreditSeconds: 300}); err != nil {
		t.Fatalf("upsert u1: %v", err)
	}
	if err := s.UpsertUser(ctx, User{UserID: "u2", MAC: "aa:bb:cc:dd:ee:02"}); err != nil {
		t.Fatalf("upsert u2: %v", err)
	}

	if err := s.ClaimMAC(ctx, "u2", "aa:bb:cc:dd:ee:01"); err != nil {
		t.Fatalf("claim mac: %v", err)
	}

	if _, err := s.FindUserByMAC(ctx, "aa:bb:cc:dd:ee:01"); err != nil {
		t.Fatalf("expected u2 to own claimed mac: %v", err)
	}
	got, err := s.FindUserByMAC(ctx, "aa:bb:cc:dd:ee:01")
	if err != nil || got.UserID != "u2" {
		t.Fatalf("claimed mac should resolve to u2, got %+v err=%v", got, err)
	}
	if _, err := s.FindUserByMAC(ctx, "aa:bb:cc:dd:ee:02"); err == nil {
		t.Fatalf("stale record on old mac should be gone")
	}
}

func TestMemoryStoreAssignIPSingleOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.UpsertUser(ctx, User{UserID: "u1", MAC: "aa:bb:cc:dd:ee:01", CreditSeconds: 60}); err != nil {
		t.Fatalf("upsert u1: %v", err)
	}
	if err := s.UpsertUser(ctx, User{UserID: "u2", MAC: "aa:bb:cc:dd:ee:02", CreditSeconds: 60}); err != nil {
		t.Fatalf("upsert u2: %v", err)
	}

	if err := s.AssignIP(ctx, "u1", "10.0.0.5"); err != nil {
		t.Fatalf("assign ip u1: %v", err)
	}
	if err := s.AssignIP(ctx, "u2", "10.0.0.5"); err != nil {
		t.Fatalf("assign ip u2: %v", err)
	}

	u1, _ := s.FindUserByMAC(ctx, "aa:bb:cc:dd:ee:01")
	if u1.IP != "" {
		t.Fatalf("u1 should have lost the ip, got %q", u1.IP)
	}
	owner, err := s.FindUserByIP(ctx, "10.0.0.5")
	if err != nil || owner.UserID != "u2" {
		t.Fatalf("expected u2 to own 10.0.0.5, got %+v err=%v", owner, err)
	}
}

func TestMemoryStoreDecrementClampsAtZero(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.UpsertUser(ctx, User{UserID: "u1", MAC: "aa:bb:cc:dd:ee:01", CreditSeconds: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	balance, err := s.Decrement(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance clamped to 0, got %d", balance)
	}
}

func TestMemoryStoreIterateActiveExcludesPausedAndZero(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.UpsertUser(ctx, User{UserID: "u1", MAC: "aa:bb:cc:dd:ee:01", CreditSeconds: 60})
	_ = s.UpsertUser(ctx, User{UserID: "u2", MAC: "aa:bb:cc:dd:ee:02", CreditSeconds: 60, Paused: true})
	_ = s.UpsertUser(ctx, User{UserID: "u3", MAC: "aa:bb:cc:dd:ee:03", CreditSeconds: 0})

	active, err := s.IterateActive(ctx)
	if err != nil {
		t.Fatalf("iterate active: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "u1" {
		t.Fatalf("expected only u1 active, got %+v", active)
	}
}

func TestMemoryStoreOperatorEventRetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.EnqueueEvent(ctx, OperatorEvent{Kind: "sale", Payload: map[string]interface{}{"amount": 5}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 9; i++ {
		if err := s.MarkEventFailed(ctx, id, "delivery failed", time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
	}

	pending, err := s.DequeueEvents(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected event still pending after 9 failures, got %d", len(pending))
	}

	if err := s.MarkEventFailed(ctx, id, "delivery failed", time.Now()); err != nil {
		t.Fatalf("mark failed final: %v", err)
	}
	stillPending, err := s.DequeueEvents(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue after dlq: %v", err)
	}
	if len(stillPending) != 0 {
		t.Fatalf("expected event moved to dead letter, still pending: %+v", stillPending)
	}
}
