package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/adops-nexus/internal/db"
	"github.com/pysugar/adops-nexus/internal/logging"
	"gorm.io/gorm"
)

// APIKeyAuth middleware validates the API key from the Authorization or
// x-api-key header.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey, err := db.GetAPIKey(database)
			if err != nil || expectedKey == "" {
				// InitDB always seeds a key; without one nothing is let through.
				logging.FromContext(r.Context()).WithError(err).Error("API key unavailable")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error": {"message": "API key unavailable, try again", "type": "try_again"}}`))
				return
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				if keyMatches(strings.TrimPrefix(authHeader, "Bearer "), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if keyMatches(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

func keyMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// AdminBasicAuth protects the API with a shared password when one is set.
// The user name is ignored.
func AdminBasicAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if password == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, got, ok := r.BasicAuth()
			if !ok || !keyMatches(got, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="adops"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
