package handlers

import (
	"net/http"

	"github.com/pysugar/adops-nexus/internal/version"
)

// VersionHandler returns version information as JSON
// GET /version
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	}
}
