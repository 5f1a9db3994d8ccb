package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/adops-nexus/internal/auth/token"
	"github.com/pysugar/adops-nexus/internal/logging"
	"github.com/pysugar/adops-nexus/internal/providers"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type apiError struct {
	Type     string       `json:"type"`
	Message  string       `json:"message"`
	Provider providers.ID `json:"provider,omitempty"`
	Code     string       `json:"code,omitempty"`
}

func writeAPIError(w http.ResponseWriter, status int, e apiError) {
	writeJSON(w, status, map[string]apiError{"error": e})
}

// writeTokenError maps credential manager errors onto the two prompts the
// dashboard shows: reconnect the platform, or try again later.
func writeTokenError(w http.ResponseWriter, r *http.Request, provider providers.ID, err error) {
	log := logging.FromContext(r.Context()).WithField("provider", provider)
	var refreshErr *token.RefreshError
	code := ""
	if errors.As(err, &refreshErr) {
		code = refreshErr.Code
	}

	switch {
	case errors.Is(err, token.ErrNotConnected):
		writeAPIError(w, http.StatusConflict, apiError{Type: "reconnect_required", Message: "connect this platform first", Provider: provider, Code: "not_connected"})
	case errors.Is(err, token.ErrReauthorizationRequired):
		writeAPIError(w, http.StatusConflict, apiError{Type: "reconnect_required", Message: "reconnect this platform", Provider: provider, Code: code})
	case errors.Is(err, token.ErrUnknownProvider):
		writeAPIError(w, http.StatusNotFound, apiError{Type: "not_found", Message: "unknown provider"})
	case errors.Is(err, token.ErrInvalidInput):
		writeAPIError(w, http.StatusBadRequest, apiError{Type: "invalid_request", Message: err.Error()})
	case errors.Is(err, token.ErrRetryable), errors.Is(err, token.ErrStoreUnavailable):
		log.WithError(err).Warn("token unavailable")
		if refreshErr != nil && refreshErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(refreshErr.RetryAfter.Seconds()))))
		}
		writeAPIError(w, http.StatusServiceUnavailable, apiError{Type: "try_again", Message: "temporarily unavailable, try again", Provider: provider, Code: code})
	default:
		log.WithError(err).Error("unexpected token error")
		writeAPIError(w, http.StatusServiceUnavailable, apiError{Type: "try_again", Message: "temporarily unavailable, try again", Provider: provider})
	}
}

// routeTarget reads {accountID} and {provider} from the route.
func routeTarget(w http.ResponseWriter, r *http.Request) (string, providers.ID, bool) {
	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	if accountID == "" {
		writeAPIError(w, http.StatusBadRequest, apiError{Type: "invalid_request", Message: "account id required"})
		return "", "", false
	}
	raw := chi.URLParam(r, "provider")
	if raw == "" {
		return accountID, "", true
	}
	provider, err := providers.Parse(raw)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, apiError{Type: "not_found", Message: "unknown provider"})
		return "", "", false
	}
	return accountID, provider, true
}
