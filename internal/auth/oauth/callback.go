package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"

	"github.com/pysugar/adops-nexus/internal/auth/token"
	"github.com/pysugar/adops-nexus/internal/logging"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
	"golang.org/x/oauth2"
)

const maxIdentityResponse = 1 << 20

// HandleCallback exchanges the authorization code and saves the credential.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pending, ok := h.states.Consume(q.Get("state"))
	if !ok {
		http.Error(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}
	desc, app, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if desc.ID != pending.Provider {
		http.Error(w, "State does not match provider", http.StatusBadRequest)
		return
	}
	log := logging.FromContext(r.Context()).WithFields(logging.Fields{
		"account_id": pending.AccountID,
		"provider":   desc.ID,
	})

	if denied := q.Get("error"); denied != "" {
		log.WithField("code", denied).Warn("authorization denied")
		renderResult(w, http.StatusBadRequest, resultPage{Title: "Authorization failed", Provider: desc.DisplayName, Detail: denied})
		return
	}
	code := q.Get("code")
	if code == "" {
		code = q.Get("auth_code")
	}
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	set, err := providers.Exchange(r.Context(), h.client, desc, app, providers.Grant{
		Type:        providers.GrantAuthorizationCode,
		Code:        code,
		RedirectURL: pending.RedirectURL,
	})
	if err != nil {
		log.WithError(err).Warn("code exchange failed")
		renderResult(w, http.StatusBadGateway, resultPage{Title: "Authorization failed", Provider: desc.DisplayName, Detail: "code exchange failed"})
		return
	}

	tokens := token.TokensFromSet(set)
	if tokens.ProviderAccountID == "" && desc.IdentityURL != "" {
		id, meta, err := h.fetchIdentity(r.Context(), desc, set.AccessToken)
		if err != nil {
			log.WithError(err).Warn("identity lookup failed")
		}
		tokens.ProviderAccountID = id
		tokens.Metadata = meta
	}

	if err := h.manager.SaveConfig(r.Context(), pending.AccountID, desc.ID, tokens); err != nil {
		log.WithError(err).Error("saving credential failed")
		renderResult(w, http.StatusInternalServerError, resultPage{Title: "Authorization failed", Provider: desc.DisplayName, Detail: "could not save the connection"})
		return
	}
	renderResult(w, http.StatusOK, resultPage{
		Title:     "Connected",
		Provider:  desc.DisplayName,
		Detail:    tokens.ProviderAccountID,
		Succeeded: true,
	})
}

// fetchIdentity reads the provider-side user id and a few display fields.
func (h *Handler) fetchIdentity(ctx context.Context, desc providers.Descriptor, access secret.Secret) (string, map[string]string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access.Reveal()}))

	resp, err := client.Get(desc.IdentityURL)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("identity endpoint returned %d", resp.StatusCode)
	}

	var fields map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityResponse)).Decode(&fields); err != nil {
		return "", nil, fmt.Errorf("decode identity: %w", err)
	}

	meta := map[string]string{}
	for _, key := range []string{"name", "email"} {
		if v, ok := fields[key].(string); ok && v != "" {
			meta[key] = v
		}
	}
	var id string
	switch v := fields[desc.IdentityField].(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return id, meta, nil
}

type resultPage struct {
	Title     string
	Provider  string
	Detail    string
	Succeeded bool
}

var resultTemplate = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	{{if .Succeeded}}<meta http-equiv="refresh" content="3;url=/">{{end}}
	<title>{{.Title}}</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; }
		.success { color: #4ade80; }
		.failure { color: #f87171; }
		code { background: #374151; padding: 2px 6px; border-radius: 4px; color: #fbbf24; }
	</style>
</head>
<body>
	<h1 class="{{if .Succeeded}}success{{else}}failure{{end}}">{{.Title}}</h1>
	<p><strong>Provider:</strong> {{.Provider}}</p>
	{{if .Detail}}<p><code>{{.Detail}}</code></p>{{end}}
	{{if .Succeeded}}<p>Returning to the dashboard...</p>{{end}}
</body>
</html>`))

func renderResult(w http.ResponseWriter, status int, page resultPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = resultTemplate.Execute(w, page)
}
