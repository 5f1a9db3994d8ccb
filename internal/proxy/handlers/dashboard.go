package handlers

import (
	"net/http"
	"os"
	"strings"

	"github.com/pysugar/adops-nexus/internal/db"
	"github.com/pysugar/adops-nexus/internal/logging"
	"gorm.io/gorm"
)

// GetAPIKeyHandler returns the current API key
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := db.GetAPIKey(database)
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Error("reading API key failed")
			writeAPIError(w, http.StatusServiceUnavailable, apiError{Type: "try_again", Message: "could not read API key"})
			return
		}
		masked := false
		if shouldMaskSensitiveData() {
			apiKey = maskAPIKey(apiKey)
			masked = true
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"api_key": apiKey,
			"masked":  masked,
		})
	}
}

// RegenerateAPIKeyHandler generates a new API key
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := db.RegenerateAPIKey(database)
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Error("regenerating API key failed")
			writeAPIError(w, http.StatusServiceUnavailable, apiError{Type: "try_again", Message: "could not regenerate API key"})
			return
		}

		displayKey := apiKey
		masked := false
		if shouldMaskSensitiveData() {
			displayKey = maskAPIKey(apiKey)
			masked = true
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"api_key": displayKey,
			"masked":  masked,
		})
	}
}

func shouldMaskSensitiveData() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ADOPS_MASK_SENSITIVE")))
	return v == "1" || v == "true" || v == "yes"
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 10 {
		return "***"
	}
	return apiKey[:6] + strings.Repeat("*", len(apiKey)-10) + apiKey[len(apiKey)-4:]
}
