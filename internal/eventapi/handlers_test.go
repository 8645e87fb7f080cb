package eventapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Djnirds1984/cjtech/internal/coin"
	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/Djnirds1984/cjtech/internal/credit"
	"github.com/Djnirds1984/cjtech/internal/idempotency"
	"github.com/Djnirds1984/cjtech/internal/identity"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/ratetable"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/storage"
)

func newTestServer(t *testing.T, cfg *config.Config) (*chi.Mux, storage.Store) {
	t.Helper()

	store := storage.NewMemoryStore()
	resolver := identity.New(store)
	rates := ratetable.New(store, time.Minute)
	sourcesRg, err := sources.New(context.Background(), store)
	if err != nil {
		t.Fatalf("sources.New: %v", err)
	}
	pol := policy.NewFakePolicy()
	applier := credit.New(store, resolver, rates, sourcesRg, pol)
	agg := coin.New(coin.Config{}, sourcesRg.PulseValue, applier, nil)

	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":0"
	}

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, agg, sourcesRg, idempotency.NewMemoryStore(), nil, testLogger())
	return router, store
}

func postJSON(router http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLocalPulse_AccumulatesPendingAmount(t *testing.T) {
	router, _ := newTestServer(t, nil)

	rec := postJSON(router, "/events/pulse", pulseRequest{MAC: "AA:BB:CC:DD:EE:01", ClientID: "c1", Pulses: 3}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp pulseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.PendingAmount != 3 {
		t.Errorf("expected pending_amount=3, got %d", resp.PendingAmount)
	}
	if resp.Source != sources.LocalSourceID {
		t.Errorf("expected source=%s, got %s", sources.LocalSourceID, resp.Source)
	}
}

func TestLocalPulse_RejectsZeroPulses(t *testing.T) {
	router, _ := newTestServer(t, nil)

	rec := postJSON(router, "/events/pulse", pulseRequest{MAC: "aa:bb:cc:dd:ee:01", Pulses: 0}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLocalPulse_RejectsMissingMAC(t *testing.T) {
	router, _ := newTestServer(t, nil)

	rec := postJSON(router, "/events/pulse", pulseRequest{Pulses: 1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing mac, got %d", rec.Code)
	}
}

func TestRemoteHeartbeat_SelfRegistersUnknownSource(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sources.SubVendoKey = "" // subauth disabled for this test
	router, store := newTestServer(t, cfg)

	rec := postJSON(router, "/events/remote/esp-1/heartbeat", heartbeatRequest{DisplayName: "Gate 1", PulseValuePesos: 5}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	src, err := store.GetSource(context.Background(), "esp-1")
	if err != nil {
		t.Fatalf("expected source to be registered: %v", err)
	}
	if src.PulseValuePesos != 5 {
		t.Errorf("expected pulse_value_pesos=5, got %d", src.PulseValuePesos)
	}
}

func TestRemotePulse_UnknownSourceRejected(t *testing.T) {
	router, _ := newTestServer(t, nil)

	rec := postJSON(router, "/events/remote/esp-unknown/pulse", pulseRequest{MAC: "aa:bb:cc:dd:ee:02", Pulses: 1}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered source, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRemotePulse_AppliesPerSourcePulseValue(t *testing.T) {
	router, _ := newTestServer(t, nil)

	if rec := postJSON(router, "/events/remote/esp-2/heartbeat", heartbeatRequest{DisplayName: "Gate 2", PulseValuePesos: 10}, nil); rec.Code != http.StatusOK {
		t.Fatalf("heartbeat failed: %d", rec.Code)
	}

	rec := postJSON(router, "/events/remote/esp-2/pulse", pulseRequest{MAC: "aa:bb:cc:dd:ee:03", Pulses: 2}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp pulseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.PendingAmount != 20 {
		t.Errorf("expected pending_amount=20 (2 pulses * 10 pesos), got %d", resp.PendingAmount)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
