package handlers

import (
	"net/http"

	"github.com/pysugar/adops-nexus/internal/auth/token"
)

// RefreshHandler runs one background refresh pass immediately.
// POST /api/refresh
func RefreshHandler(tokenMgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := tokenMgr.RefreshExpiring(r.Context(), token.DefaultRefreshLookahead, 0)
		if err != nil {
			writeTokenError(w, r, "", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"candidates": report.Candidates,
			"refreshed":  report.Refreshed,
			"reauth":     report.Reauth,
			"failed":     report.Failed,
		})
	}
}
