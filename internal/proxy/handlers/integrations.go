package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/adops-nexus/internal/auth/token"
	"github.com/pysugar/adops-nexus/internal/logging"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
)

// MountIntegrations registers the connection routes under r.
func MountIntegrations(r chi.Router, tokenMgr *token.Manager, client *http.Client) {
	r.Route("/accounts/{accountID}/integrations", func(r chi.Router) {
		r.Get("/", IntegrationsStatusHandler(tokenMgr))
		r.Get("/{provider}", IntegrationStatusHandler(tokenMgr))
		r.Delete("/{provider}", DisconnectHandler(tokenMgr))
		r.Post("/{provider}/refresh", RefreshIntegrationHandler(tokenMgr))
		r.Get("/{provider}/accounts", ProviderAccountsHandler(tokenMgr, client))
	})
}

// IntegrationsStatusHandler lists every provider connection of an account.
// GET /api/accounts/{accountID}/integrations
func IntegrationsStatusHandler(tokenMgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, _, ok := routeTarget(w, r)
		if !ok {
			return
		}
		statuses, err := tokenMgr.Status(r.Context(), accountID)
		if err != nil {
			writeTokenError(w, r, "", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"account_id":   accountID,
			"integrations": statuses,
		})
	}
}

// IntegrationStatusHandler reports whether one provider is connected.
// GET /api/accounts/{accountID}/integrations/{provider}
func IntegrationStatusHandler(tokenMgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, provider, ok := routeTarget(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"account_id": accountID,
			"provider":   provider,
			"connected":  tokenMgr.HasValidConfig(r.Context(), accountID, provider),
		})
	}
}

// DisconnectHandler removes a provider connection.
// DELETE /api/accounts/{accountID}/integrations/{provider}
func DisconnectHandler(tokenMgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, provider, ok := routeTarget(w, r)
		if !ok {
			return
		}
		removed, err := tokenMgr.RemoveConfig(r.Context(), accountID, provider)
		if err != nil {
			writeTokenError(w, r, provider, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"removed": removed,
		})
	}
}

// RefreshIntegrationHandler forces a token refresh for one connection.
// POST /api/accounts/{accountID}/integrations/{provider}/refresh
func RefreshIntegrationHandler(tokenMgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, provider, ok := routeTarget(w, r)
		if !ok {
			return
		}
		if _, err := tokenMgr.RefreshToken(r.Context(), accountID, provider); err != nil {
			writeTokenError(w, r, provider, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ProviderAccountsHandler forwards the provider's account listing for the
// connected user. A 401 from the provider triggers one forced refresh and a
// retry.
// GET /api/accounts/{accountID}/integrations/{provider}/accounts
func ProviderAccountsHandler(tokenMgr *token.Manager, client *http.Client) http.HandlerFunc {
	if client == nil {
		client = &http.Client{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, provider, ok := routeTarget(w, r)
		if !ok {
			return
		}
		desc, _, found := tokenMgr.Registry().Lookup(provider)
		if !found || desc.AccountsPath == "" {
			writeAPIError(w, http.StatusNotFound, apiError{Type: "not_found", Message: "provider has no account listing"})
			return
		}
		log := logging.FromContext(r.Context()).WithFields(logging.Fields{"account_id": accountID, "provider": provider})

		accessToken, err := tokenMgr.GetValidToken(r.Context(), accountID, provider)
		if err != nil {
			writeTokenError(w, r, provider, err)
			return
		}
		resp, err := fetchAccounts(r.Context(), client, desc, accessToken)
		if err == nil && resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			log.Info("provider rejected access token, forcing refresh")
			accessToken, err = tokenMgr.RefreshToken(r.Context(), accountID, provider)
			if err != nil {
				writeTokenError(w, r, provider, err)
				return
			}
			resp, err = fetchAccounts(r.Context(), client, desc, accessToken)
		}
		if err != nil {
			log.WithError(err).Warn("provider accounts request failed")
			writeAPIError(w, http.StatusBadGateway, apiError{Type: "try_again", Message: "provider unreachable", Provider: provider})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			log.WithField("status", resp.StatusCode).Warn("provider accounts request rejected")
			writeAPIError(w, http.StatusBadGateway, apiError{Type: "try_again", Message: "provider returned an error", Provider: provider})
			return
		}
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func fetchAccounts(ctx context.Context, client *http.Client, desc providers.Descriptor, accessToken secret.Secret) (*http.Response, error) {
	url := strings.TrimRight(desc.APIBaseURL, "/") + desc.AccountsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if desc.TokenHeader != "" {
		req.Header.Set(desc.TokenHeader, accessToken.Reveal())
	} else {
		req.Header.Set("Authorization", "Bearer "+accessToken.Reveal())
	}
	req.Header.Set("Accept", "application/json")
	return client.Do(req)
}
