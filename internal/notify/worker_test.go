package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	w := New(Options{
		Store:  storage.NewMemoryStore(),
		Config: config.NotifyConfig{Enabled: false},
	})
	if w != nil {
		t.Fatal("expected nil worker when notify disabled")
	}
}

func TestNewReturnsNilWithoutWebhookURL(t *testing.T) {
	w := New(Options{
		Store:  storage.NewMemoryStore(),
		Config: config.NotifyConfig{Enabled: true},
	})
	if w != nil {
		t.Fatal("expected nil worker without webhook URL")
	}
}

func TestDeliverMarksEventDeliveredOnSuccess(t *testing.T) {
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		receivedBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	id, err := store.EnqueueEvent(context.Background(), storage.OperatorEvent{
		Kind:      "sale.recorded",
		Payload:   map[string]interface{}{"amount": 13},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(Options{
		Store:  store,
		Config: config.NotifyConfig{Enabled: true, WebhookURL: server.URL, Retry: config.RetryConfig{MaxAttempts: 3}},
	})
	if w == nil {
		t.Fatal("expected non-nil worker")
	}

	events, err := store.DequeueEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(events))
	}

	w.deliver(context.Background(), events[0])

	if len(receivedBody) == 0 {
		t.Error("expected webhook server to receive a payload")
	}

	pending, err := store.DequeueEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue after deliver: %v", err)
	}
	for _, e := range pending {
		if e.ID == id {
			t.Error("delivered event should no longer be pending")
		}
	}
}

func TestDeliverSchedulesRetryOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	_, err := store.EnqueueEvent(context.Background(), storage.OperatorEvent{
		Kind:      "user_expired",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(Options{
		Store: store,
		Config: config.NotifyConfig{
			Enabled:    true,
			WebhookURL: server.URL,
			Retry: config.RetryConfig{
				MaxAttempts:     3,
				InitialInterval: config.Duration{Duration: time.Millisecond},
				MaxInterval:     config.Duration{Duration: time.Millisecond},
			},
		},
	})
	if w == nil {
		t.Fatal("expected non-nil worker")
	}

	events, err := store.DequeueEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	w.deliver(context.Background(), events[0])

	// Not yet due for retry (NextAttemptAt is in the future), so it should
	// be absent from an immediate re-dequeue.
	pending, err := store.DequeueEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue after failure: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected event to be scheduled for later retry, got %d pending", len(pending))
	}
}

func TestBackoffCapsAtMaxInterval(t *testing.T) {
	w := &Worker{}
	cfg := config.RetryConfig{
		InitialInterval: config.Duration{Duration: time.Second},
		MaxInterval:     config.Duration{Duration: 5 * time.Second},
		Multiplier:      2.0,
	}

	if got := w.backoff(1, cfg); got != time.Second {
		t.Errorf("expected first backoff of 1s, got %v", got)
	}
	if got := w.backoff(10, cfg); got != 5*time.Second {
		t.Errorf("expected backoff capped at 5s, got %v", got)
	}
}
