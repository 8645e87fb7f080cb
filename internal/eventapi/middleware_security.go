package eventapi

import "net/http"

// securityHeadersMiddleware adds security headers to all responses. The
// event-ingestion surface serves only machine callers (relay adapter, ESP
// sub-devices), never a browser, but the headers are defense-in-depth
// against a misbehaving reverse proxy or a debug client pointed at it.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
