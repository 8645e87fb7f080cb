package failgate

import (
	"context"
	"testing"
	"time"

	"github.com/Djnirds1984/cjtech/internal/storage"
)

func TestGateBansAfterLimitAndClearsOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := New(store, 3, time.Minute)

	mac := "aa:bb:cc:dd:ee:01"
	for i := 0; i < 2; i++ {
		if _, err := g.RecordFailure(ctx, mac); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
	}
	if err := g.Check(ctx, mac); err != nil {
		t.Fatalf("expected no ban yet, got %v", err)
	}

	if _, err := g.RecordFailure(ctx, mac); err != nil {
		t.Fatalf("record failure 3: %v", err)
	}
	if err := g.Check(ctx, mac); err == nil {
		t.Fatalf("expected ban after hitting limit")
	}

	if err := g.RecordSuccess(ctx, mac); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := g.Check(ctx, mac); err != nil {
		t.Fatalf("expected ban cleared after success, got %v", err)
	}
}
