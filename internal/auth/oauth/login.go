// Package oauth runs the browser consent flow for each provider and hands
// the exchanged tokens to the credential manager.
package oauth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/adops-nexus/internal/auth/token"
	"github.com/pysugar/adops-nexus/internal/logging"
	"github.com/pysugar/adops-nexus/internal/providers"
	"golang.org/x/oauth2"
)

// Handler serves /auth/{provider}/login and /auth/{provider}/callback.
type Handler struct {
	manager   *token.Manager
	states    *StateStore
	client    *http.Client
	publicURL string
}

// NewHandler creates the OAuth handlers. publicURL, when set, is the
// externally visible base used for redirect URIs; otherwise it is derived
// from each request.
func NewHandler(manager *token.Manager, states *StateStore, client *http.Client, publicURL string) *Handler {
	if states == nil {
		states = NewStateStore(DefaultStateTTL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{
		manager:   manager,
		states:    states,
		client:    client,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Routes mounts the login and callback endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/auth/{provider}/login", h.HandleLogin)
	r.Get("/auth/{provider}/callback", h.HandleCallback)
}

func (h *Handler) redirectURL(r *http.Request, provider providers.ID) string {
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, r.Host)
	}
	return fmt.Sprintf("%s/auth/%s/callback", base, provider)
}

func authConfig(desc providers.Descriptor, app providers.App, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret.Reveal(),
		RedirectURL:  redirectURL,
		Scopes:       desc.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  desc.AuthURL,
			TokenURL: desc.TokenURL,
		},
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (providers.Descriptor, providers.App, bool) {
	id, err := providers.Parse(chi.URLParam(r, "provider"))
	if err != nil {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return providers.Descriptor{}, providers.App{}, false
	}
	desc, app, ok := h.manager.Registry().Lookup(id)
	if !ok {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return providers.Descriptor{}, providers.App{}, false
	}
	if !app.Configured() {
		http.Error(w, "Provider is not configured", http.StatusServiceUnavailable)
		return providers.Descriptor{}, providers.App{}, false
	}
	return desc, app, true
}

// HandleLogin redirects the browser to the provider's consent page.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	desc, app, ok := h.lookup(w, r)
	if !ok {
		return
	}

	redirectURL := h.redirectURL(r, desc.ID)
	state := h.states.Issue(accountID, desc.ID, redirectURL)

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	for k, v := range desc.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if desc.AuthClientIDParam != "" {
		opts = append(opts, oauth2.SetAuthURLParam(desc.AuthClientIDParam, app.ClientID))
	}

	logging.FromContext(r.Context()).WithFields(logging.Fields{
		"account_id": accountID,
		"provider":   desc.ID,
	}).Info("starting authorization")
	http.Redirect(w, r, authConfig(desc, app, redirectURL).AuthCodeURL(state, opts...), http.StatusTemporaryRedirect)
}
