package token

import (
	"context"
	"net/http"
	"time"

	"github.com/pysugar/adops-nexus/internal/providers"
	"golang.org/x/oauth2"
)

// unknownLifetimeReuse is how long a token without a declared expiry is
// cached by oauth2 transports before the store is consulted again.
const unknownLifetimeReuse = time.Minute

// TokenSource returns an oauth2.TokenSource backed by GetValidToken. Token
// expiry is reported SafetyMargin early so oauth2 asks again before the
// manager would refresh.
func (m *Manager) TokenSource(ctx context.Context, accountID string, provider providers.ID) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &managedSource{ctx: ctx, m: m, accountID: accountID, provider: provider})
}

// Client returns an HTTP client that authorizes every request with the
// account's current access token.
func (m *Manager) Client(ctx context.Context, accountID string, provider providers.ID) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	return oauth2.NewClient(ctx, m.TokenSource(ctx, accountID, provider))
}

type managedSource struct {
	ctx       context.Context
	m         *Manager
	accountID string
	provider  providers.ID
}

func (s *managedSource) Token() (*oauth2.Token, error) {
	cred, err := s.m.validCredential(s.ctx, s.accountID, s.provider)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{
		AccessToken: cred.AccessToken.Reveal(),
		TokenType:   "Bearer",
	}
	if cred.ExpiresAt != nil {
		tok.Expiry = cred.ExpiresAt.Add(-SafetyMargin)
	} else {
		tok.Expiry = time.Now().Add(unknownLifetimeReuse)
	}
	return tok, nil
}
