package eventapi

import (
	"net/http"

	apierrors "github.com/Djnirds1984/cjtech/internal/errors"
)

// adminMetricsAuth protects the /metrics endpoint with an API key. If no
// key is configured the endpoint is open; otherwise requests must carry
// "Authorization: Bearer {key}".
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, "invalid or missing admin API key"), nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
