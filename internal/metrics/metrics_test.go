package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}
	if m.PulsesTotal == nil {
		t.Error("PulsesTotal should be initialized")
	}
	if m.SalesTotal == nil {
		t.Error("SalesTotal should be initialized")
	}
	if m.CoinCommitDuration == nil {
		t.Error("CoinCommitDuration should be initialized")
	}
	if m.PolicyCallsTotal == nil {
		t.Error("PolicyCallsTotal should be initialized")
	}
	if m.NotifyTotal == nil {
		t.Error("NotifyTotal should be initialized")
	}
}

func TestObservePulseAndDropped(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePulse("hardware")
	m.ObservePulseDropped("remote-1", "manual_filter")

	accepted := promtest.ToFloat64(m.PulsesTotal.WithLabelValues("hardware"))
	if accepted != 1 {
		t.Errorf("expected 1 accepted pulse, got %.0f", accepted)
	}
	dropped := promtest.ToFloat64(m.PulsesDroppedTotal.WithLabelValues("remote-1", "manual_filter"))
	if dropped != 1 {
		t.Errorf("expected 1 dropped pulse, got %.0f", dropped)
	}
}

func TestObserveSale(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSale("hardware", 13, 50*time.Millisecond)

	count := promtest.ToFloat64(m.SalesTotal.WithLabelValues("hardware"))
	if count != 1 {
		t.Errorf("expected 1 sale, got %.0f", count)
	}
	amount := promtest.ToFloat64(m.SaleAmountTotal.WithLabelValues("hardware"))
	if amount != 13 {
		t.Errorf("expected 13 pesos credited, got %.0f", amount)
	}
}

func TestObserveCoinBan(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCoinBan()

	bans := promtest.ToFloat64(m.CoinBansTotal)
	if bans != 1 {
		t.Errorf("expected 1 ban, got %.0f", bans)
	}
}

func TestObserveSessionLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSessionExpired()
	m.ObserveSessionPaused()

	if promtest.ToFloat64(m.SessionsExpiredTotal) != 1 {
		t.Errorf("expected 1 expired session")
	}
	if promtest.ToFloat64(m.SessionsPausedTotal) != 1 {
		t.Errorf("expected 1 paused session")
	}
}

func TestObservePolicyCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePolicyCall("auth", 10*time.Millisecond, nil)
	m.ObservePolicyCall("auth", 10*time.Millisecond, errors.New("timeout"))

	calls := promtest.ToFloat64(m.PolicyCallsTotal.WithLabelValues("auth"))
	if calls != 2 {
		t.Errorf("expected 2 policy calls, got %.0f", calls)
	}
	errs := promtest.ToFloat64(m.PolicyErrorsTotal.WithLabelValues("auth"))
	if errs != 1 {
		t.Errorf("expected 1 policy error, got %.0f", errs)
	}
}

func TestObserveSourceOffline(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSourceOffline("sub-1")

	count := promtest.ToFloat64(m.SourceOfflineTotal.WithLabelValues("sub-1"))
	if count != 1 {
		t.Errorf("expected 1 source offline transition, got %.0f", count)
	}
}

func TestObserveNotify(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveNotify("sale.recorded", "success", 500*time.Millisecond, 1, false)
	m.ObserveNotify("sale.recorded", "failed", 2*time.Second, 5, true)

	delivered := promtest.ToFloat64(m.NotifyTotal.WithLabelValues("sale.recorded", "success"))
	if delivered != 1 {
		t.Errorf("expected 1 successful notify, got %.0f", delivered)
	}
	retries := promtest.ToFloat64(m.NotifyRetriesTotal.WithLabelValues("sale.recorded"))
	if retries != 1 {
		t.Errorf("expected 1 notify retry record, got %.0f", retries)
	}
	dlq := promtest.ToFloat64(m.NotifyDLQTotal.WithLabelValues("sale.recorded"))
	if dlq != 1 {
		t.Errorf("expected 1 notify in DLQ, got %.0f", dlq)
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("per_source", "sub-1")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_source", "sub-1"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestObserveEvent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveEvent("pulse", "accepted")

	count := promtest.ToFloat64(m.EventsTotal.WithLabelValues("pulse", "accepted"))
	if count != 1 {
		t.Errorf("expected 1 event recorded, got %.0f", count)
	}
}

func TestObserveDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDBQuery("SELECT", "postgres", 50*time.Millisecond)

	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}
