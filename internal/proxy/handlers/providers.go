package handlers

import (
	"net/http"

	"github.com/pysugar/adops-nexus/internal/auth/token"
	"github.com/pysugar/adops-nexus/internal/providers/catalog"
)

// ProvidersHandler lists the supported platforms and whether an OAuth app is
// configured for each.
// GET /api/providers
func ProvidersHandler(tokenMgr *token.Manager, cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configured := map[string]catalog.ProviderInfo{}
		if cat != nil {
			for _, info := range cat.Providers() {
				configured[info.ID] = info
			}
		}

		registry := tokenMgr.Registry()
		list := make([]map[string]interface{}, 0, len(registry.IDs()))
		for _, id := range registry.IDs() {
			desc, app, _ := registry.Lookup(id)
			info := configured[string(id)]
			list = append(list, map[string]interface{}{
				"id":               id,
				"display_name":     desc.DisplayName,
				"configured":       app.Configured(),
				"enabled":          info.Enabled,
				"supports_refresh": desc.SupportsRefresh,
				"rotates_refresh":  desc.RotatesRefreshToken,
				"scopes":           desc.Scopes,
				"login_path":       "/auth/" + string(id) + "/login",
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"providers": list})
	}
}
