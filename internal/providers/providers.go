// Package providers describes the advertising and analytics platforms an
// account can connect, and how to talk to each platform's OAuth token
// endpoint.
package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/adops-nexus/internal/secret"
)

// ID identifies a supported platform.
type ID string

const (
	SocialAds   ID = "social_ads"
	SearchAds   ID = "search_ads"
	Analytics   ID = "analytics"
	ShortVideoA ID = "short_video_a"
	ShortVideoB ID = "short_video_b"
)

var allIDs = []ID{SocialAds, SearchAds, Analytics, ShortVideoA, ShortVideoB}

// All returns every supported provider in a stable order.
func All() []ID {
	return append([]ID(nil), allIDs...)
}

// Parse normalizes s ("Short-Video-A", " analytics ") into an ID.
func Parse(s string) (ID, error) {
	id := ID(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !id.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return id, nil
}

// Valid reports whether id is one of the supported providers.
func (id ID) Valid() bool {
	for _, known := range allIDs {
		if id == known {
			return true
		}
	}
	return false
}

func (id ID) String() string { return string(id) }

// App holds the OAuth application registered with a provider, as loaded
// from configuration.
type App struct {
	ClientID     string
	ClientSecret secret.Secret
	TokenURL     string
	AuthURL      string
	APIBaseURL   string
	Scopes       []string
	Timeout      time.Duration
	// RefreshRate is the sustained token-endpoint calls per second; zero
	// disables limiting.
	RefreshRate  float64
	RefreshBurst int
}

// Configured reports whether the app has credentials to call the provider.
func (a App) Configured() bool {
	return a.ClientID != "" && !a.ClientSecret.IsZero()
}

// TokenSet is a normalized token endpoint response.
type TokenSet struct {
	AccessToken  secret.Secret
	RefreshToken secret.Secret
	// ExpiresIn is zero when the provider did not declare a lifetime.
	ExpiresIn         time.Duration
	ProviderAccountID string
	Scopes            []string
}

// GrantType selects the OAuth grant sent to the token endpoint.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// Grant is the input to one token endpoint call.
type Grant struct {
	Type         GrantType
	Code         string
	RedirectURL  string
	RefreshToken secret.Secret
}
