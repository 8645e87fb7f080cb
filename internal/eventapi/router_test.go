package eventapi

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestConfigureRouter_NilRouterIsNoop(t *testing.T) {
	// Must not panic.
	ConfigureRouter(nil, nil, nil, nil, nil, nil, testLogger())
}

func TestConfigureRouter_RegistersRoutes(t *testing.T) {
	router, _ := newTestServer(t, nil)
	if router == nil {
		t.Fatal("expected non-nil router")
	}

	found := false
	_ = chi.Walk(router, func(method, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		if route == "/events/pulse" && method == "POST" {
			found = true
		}
		return nil
	})
	if !found {
		t.Error("expected POST /events/pulse to be registered")
	}
}
