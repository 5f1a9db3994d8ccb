package token

import (
	"time"

	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
)

// Credential is the stored token pair one account holds for one provider.
type Credential struct {
	AccountID    string
	Provider     providers.ID
	AccessToken  secret.Secret
	RefreshToken secret.Secret
	// ExpiresAt is nil when the provider did not declare a lifetime.
	ExpiresAt         *time.Time
	ProviderAccountID string
	Scopes            []string
	Metadata          map[string]string

	ReauthRequired bool
	ReauthCode     string

	CreatedAt time.Time
	UpdatedAt time.Time
	version   string
}

// Clone returns a deep copy.
func (c Credential) Clone() Credential {
	out := c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Tokens is what an OAuth callback hands to SaveConfig after exchanging an
// authorization code.
type Tokens struct {
	AccessToken  secret.Secret
	RefreshToken secret.Secret
	// ExpiresIn is zero when the provider did not declare a lifetime.
	ExpiresIn         time.Duration
	ProviderAccountID string
	Scopes            []string
	Metadata          map[string]string
}

// TokensFromSet adapts a normalized token endpoint response.
func TokensFromSet(set providers.TokenSet) Tokens {
	return Tokens{
		AccessToken:       set.AccessToken,
		RefreshToken:      set.RefreshToken,
		ExpiresIn:         set.ExpiresIn,
		ProviderAccountID: set.ProviderAccountID,
		Scopes:            set.Scopes,
	}
}
