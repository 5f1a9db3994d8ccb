package providers

import (
	"sort"
	"time"

	googleOAuth "golang.org/x/oauth2/google"
)

// Descriptor captures everything provider-specific about a platform's
// OAuth contract. The refresh machinery only ever sees this interface, never
// a provider switch.
type Descriptor struct {
	ID          ID
	DisplayName string

	AuthURL  string
	TokenURL string
	// APIBaseURL and AccountsPath locate the endpoint listing the ad or
	// analytics accounts reachable with a token.
	APIBaseURL   string
	AccountsPath string
	// TokenHeader carries the access token on API calls; empty means
	// "Authorization: Bearer".
	TokenHeader string
	// IdentityURL returns the provider-side user when the token response
	// does not carry one. IdentityField names the id in its JSON body.
	IdentityURL   string
	IdentityField string

	Scopes     []string
	AuthParams map[string]string
	// AuthClientIDParam repeats the client id on the consent URL under a
	// provider-specific name (app_id) for platforms that ignore client_id.
	AuthClientIDParam string

	Encoder GrantEncoder

	SupportsRefresh bool
	// RotatesRefreshToken marks refresh tokens as single use: every
	// successful refresh must return a replacement.
	RotatesRefreshToken bool
	// DefaultLifetime applies when a refresh response omits expires_in.
	DefaultLifetime time.Duration
}

// Registry is the compiled-in provider table bound to the configured apps.
type Registry struct {
	descriptors map[ID]Descriptor
	apps        map[ID]App
}

// NewRegistry builds a registry from the built-in descriptors. Endpoint
// fields set in apps override the descriptor defaults.
func NewRegistry(apps map[ID]App) *Registry {
	return NewRegistryWith(Builtin(), apps)
}

// NewRegistryWith builds a registry from explicit descriptors.
func NewRegistryWith(descriptors []Descriptor, apps map[ID]App) *Registry {
	r := &Registry{
		descriptors: make(map[ID]Descriptor, len(descriptors)),
		apps:        make(map[ID]App, len(apps)),
	}
	for _, d := range descriptors {
		r.descriptors[d.ID] = d
	}
	for id, app := range apps {
		r.apps[id] = app
		d, ok := r.descriptors[id]
		if !ok {
			continue
		}
		if app.TokenURL != "" {
			d.TokenURL = app.TokenURL
		}
		if app.AuthURL != "" {
			d.AuthURL = app.AuthURL
		}
		if app.APIBaseURL != "" {
			d.APIBaseURL = app.APIBaseURL
		}
		if len(app.Scopes) > 0 {
			d.Scopes = append([]string(nil), app.Scopes...)
		}
		r.descriptors[id] = d
	}
	return r
}

// Lookup returns the descriptor and app for id.
func (r *Registry) Lookup(id ID) (Descriptor, App, bool) {
	d, ok := r.descriptors[id]
	if !ok {
		return Descriptor{}, App{}, false
	}
	return d, r.apps[id], true
}

// IDs returns the registered providers sorted by id.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Builtin returns the descriptors of the five supported platforms.
func Builtin() []Descriptor {
	googleScopes := func(extra string) []string {
		return []string{extra, "https://www.googleapis.com/auth/userinfo.email"}
	}
	return []Descriptor{
		{
			ID:            SocialAds,
			DisplayName:   "Social Ads",
			AuthURL:       "https://www.facebook.com/v19.0/dialog/oauth",
			TokenURL:      "https://graph.facebook.com/v19.0/oauth/access_token",
			APIBaseURL:    "https://graph.facebook.com/v19.0",
			AccountsPath:  "/me/adaccounts?fields=id,name,account_status,currency",
			IdentityURL:   "https://graph.facebook.com/v19.0/me?fields=id,name",
			IdentityField: "id",
			Scopes:        []string{"ads_read", "ads_management", "business_management"},
			Encoder:       newFormGrant("client_id", "client_secret"),
			// Refresh responses for long-lived user tokens may omit
			// expires_in; those tokens last about 60 days. A callback
			// without expires_in is stored with an unknown lifetime.
			SupportsRefresh: true,
			DefaultLifetime: 60 * 24 * time.Hour,
		},
		{
			ID:              SearchAds,
			DisplayName:     "Search Ads",
			AuthURL:         googleOAuth.Endpoint.AuthURL,
			TokenURL:        googleOAuth.Endpoint.TokenURL,
			APIBaseURL:      "https://googleads.googleapis.com/v17",
			AccountsPath:    "/customers:listAccessibleCustomers",
			IdentityURL:     "https://www.googleapis.com/oauth2/v2/userinfo",
			IdentityField:   "id",
			Scopes:          googleScopes("https://www.googleapis.com/auth/adwords"),
			AuthParams:      map[string]string{"prompt": "consent"},
			Encoder:         newFormGrant("client_id", "client_secret"),
			SupportsRefresh: true,
			DefaultLifetime: time.Hour,
		},
		{
			ID:              Analytics,
			DisplayName:     "Web Analytics",
			AuthURL:         googleOAuth.Endpoint.AuthURL,
			TokenURL:        googleOAuth.Endpoint.TokenURL,
			APIBaseURL:      "https://analyticsadmin.googleapis.com/v1beta",
			AccountsPath:    "/accountSummaries",
			IdentityURL:     "https://www.googleapis.com/oauth2/v2/userinfo",
			IdentityField:   "id",
			Scopes:          googleScopes("https://www.googleapis.com/auth/analytics.readonly"),
			AuthParams:      map[string]string{"prompt": "consent"},
			Encoder:         newFormGrant("client_id", "client_secret"),
			SupportsRefresh: true,
			DefaultLifetime: time.Hour,
		},
		{
			ID:                ShortVideoA,
			DisplayName:       "Short Video Ads A",
			AuthURL:           "https://business-api.tiktok.com/portal/auth",
			TokenURL:          "https://business-api.tiktok.com/open_api/v1.3/oauth2/access_token/",
			APIBaseURL:        "https://business-api.tiktok.com/open_api/v1.3",
			AccountsPath:      "/oauth2/advertiser/get/",
			Scopes:            []string{"ad.read", "report.read"},
			AuthClientIDParam: "app_id",
			TokenHeader:       "Access-Token",
			Encoder: &grantEncoder{
				clientIDKey:     "app_id",
				clientSecretKey: "secret",
				codeKey:         "auth_code",
				jsonBody:        true,
				envelope:        "data",
			},
			SupportsRefresh:     true,
			RotatesRefreshToken: true,
			DefaultLifetime:     24 * time.Hour,
		},
		{
			ID:                ShortVideoB,
			DisplayName:       "Short Video Ads B",
			AuthURL:           "https://developers.e.kuaishou.com/tools/authorize",
			TokenURL:          "https://ad.e.kuaishou.com/rest/openapi/oauth2/authorize/access_token",
			APIBaseURL:        "https://ad.e.kuaishou.com/rest/openapi",
			AccountsPath:      "/v1/advertiser/info",
			Scopes:            []string{"ad_query", "report_service"},
			AuthClientIDParam: "app_id",
			TokenHeader:       "Access-Token",
			Encoder: &grantEncoder{
				clientIDKey:     "app_key",
				clientSecretKey: "app_secret",
				codeKey:         "auth_code",
			},
			// Tokens are long lived and cannot be refreshed; expiry means
			// the advertiser has to authorize again.
			SupportsRefresh: false,
		},
	}
}
