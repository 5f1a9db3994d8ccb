// Package token owns the OAuth credential lifecycle: storage, validity
// classification, single-flight refresh and the facade the rest of the
// service calls.
package token

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pysugar/adops-nexus/internal/logging"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
)

// Manager is the only entry point integration routes and OAuth callbacks
// use. Every call names the account explicitly.
type Manager struct {
	store    Store
	registry *providers.Registry
	client   *http.Client
	now      func() time.Time
	coord    *coordinator
}

type options struct {
	client  *http.Client
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Manager.
type Option func(*options)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRefreshTimeout bounds token endpoint calls for providers without a
// configured timeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// NewManager creates a manager over store and registry.
func NewManager(store Store, registry *providers.Registry, opts ...Option) *Manager {
	o := options{
		client:  &http.Client{},
		now:     time.Now,
		timeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		store:    store,
		registry: registry,
		client:   o.client,
		now:      o.now,
		coord:    newCoordinator(store, registry, o.client, o.now, o.timeout),
	}
}

// Registry returns the provider registry the manager was built with.
func (m *Manager) Registry() *providers.Registry { return m.registry }

func (m *Manager) descriptor(provider providers.ID) (providers.Descriptor, error) {
	d, _, ok := m.registry.Lookup(provider)
	if !ok {
		return providers.Descriptor{}, ErrUnknownProvider
	}
	return d, nil
}

// SaveConfig stores the result of a fresh authorization code exchange,
// replacing any previous credential for the pair and clearing a pending
// reauthorization marker.
func (m *Manager) SaveConfig(ctx context.Context, accountID string, provider providers.ID, tokens Tokens) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.Join(ErrInvalidInput, errors.New("account id is required"))
	}
	desc, err := m.descriptor(provider)
	if err != nil {
		return err
	}
	if strings.TrimSpace(tokens.AccessToken.Reveal()) == "" {
		return errors.Join(ErrInvalidInput, errors.New("access token is required"))
	}

	now := m.now()
	cred := Credential{
		AccountID:         accountID,
		Provider:          provider,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		ProviderAccountID: strings.TrimSpace(tokens.ProviderAccountID),
		Scopes:            normalizeScopes(tokens.Scopes),
		Metadata:          copyMetadata(tokens.Metadata),
	}
	if !desc.SupportsRefresh {
		cred.RefreshToken = ""
	}
	if tokens.ExpiresIn > 0 {
		t := now.Add(tokens.ExpiresIn)
		cred.ExpiresAt = &t
	}
	if cred.ProviderAccountID == "" {
		existing, found, err := m.store.Get(ctx, accountID, provider)
		if err != nil {
			return err
		}
		if found {
			cred.ProviderAccountID = existing.ProviderAccountID
		}
	}

	if err := m.store.Upsert(ctx, cred); err != nil {
		return err
	}
	logging.FromContext(ctx).WithFields(logging.Fields{
		"account_id":  accountID,
		"provider":    provider,
		"has_refresh": !cred.RefreshToken.IsZero(),
	}).Info("credential saved")
	return nil
}

// GetValidToken returns an access token that is safe to send to the
// provider, refreshing it first when needed. Errors match ErrNotConnected,
// ErrReauthorizationRequired, ErrRetryable or ErrStoreUnavailable.
func (m *Manager) GetValidToken(ctx context.Context, accountID string, provider providers.ID) (secret.Secret, error) {
	cred, err := m.validCredential(ctx, accountID, provider)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

func (m *Manager) validCredential(ctx context.Context, accountID string, provider providers.ID) (Credential, error) {
	if _, err := m.descriptor(provider); err != nil {
		return Credential{}, err
	}
	cred, found, err := m.store.Get(ctx, accountID, provider)
	if err != nil {
		return Credential{}, err
	}
	if !found {
		return Credential{}, ErrNotConnected
	}
	if cred.ReauthRequired {
		return Credential{}, reauthError(provider, cred.ReauthCode)
	}

	status := Classify(cred, m.now())
	if status.Usable() {
		return cred, nil
	}

	refreshed, err := m.coord.refresh(ctx, accountID, provider, refreshRequest{})
	if err != nil {
		// A token inside the safety margin is still accepted by the
		// provider, so a transient refresh failure need not fail the call.
		if status == StatusExpiringSoon && errors.Is(err, ErrRetryable) && m.now().Before(*cred.ExpiresAt) {
			logging.FromContext(ctx).WithFields(logging.Fields{
				"account_id": accountID,
				"provider":   provider,
			}).WithError(err).Warn("refresh failed, serving token inside safety margin")
			return cred, nil
		}
		return Credential{}, err
	}
	return refreshed, nil
}

// HasValidConfig reports whether the account has a usable connection to
// provider without calling the provider. An expired credential that can
// still be refreshed counts as connected.
func (m *Manager) HasValidConfig(ctx context.Context, accountID string, provider providers.ID) bool {
	desc, err := m.descriptor(provider)
	if err != nil {
		return false
	}
	cred, found, err := m.store.Get(ctx, accountID, provider)
	if err != nil || !found {
		return false
	}
	return connected(desc, cred, Classify(cred, m.now()))
}

func connected(desc providers.Descriptor, cred Credential, status Status) bool {
	if cred.ReauthRequired {
		return false
	}
	switch status {
	case StatusValid, StatusUnknownLifetime:
		return true
	default:
		return desc.SupportsRefresh && !cred.RefreshToken.IsZero()
	}
}

// RemoveConfig deletes the credential. It reports whether one existed.
func (m *Manager) RemoveConfig(ctx context.Context, accountID string, provider providers.ID) (bool, error) {
	removed, err := m.store.Delete(ctx, accountID, provider)
	if err != nil {
		return false, err
	}
	if removed {
		logging.FromContext(ctx).WithFields(logging.Fields{
			"account_id": accountID,
			"provider":   provider,
		}).Info("credential removed")
	}
	return removed, nil
}

// RefreshToken refreshes the credential even if it is still valid. It
// shares the in-flight refresh for the pair if there is one.
func (m *Manager) RefreshToken(ctx context.Context, accountID string, provider providers.ID) (secret.Secret, error) {
	if _, err := m.descriptor(provider); err != nil {
		return "", err
	}
	cred, err := m.coord.refresh(ctx, accountID, provider, refreshRequest{force: true})
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ConnectionStatus is the token-free view of one provider connection.
type ConnectionStatus struct {
	Provider          providers.ID `json:"provider"`
	DisplayName       string       `json:"display_name"`
	Connected         bool         `json:"connected"`
	State             string       `json:"state"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty"`
	ProviderAccountID string       `json:"provider_account_id,omitempty"`
	Scopes            []string     `json:"scopes,omitempty"`
	ReauthCode        string       `json:"reauth_code,omitempty"`
	SupportsRefresh   bool         `json:"supports_refresh"`
}

// Connection states beyond the Status names.
const (
	StateNotConnected   = "not_connected"
	StateReauthRequired = "reauth_required"
)

// Status lists every registered provider for the account.
func (m *Manager) Status(ctx context.Context, accountID string) ([]ConnectionStatus, error) {
	creds, err := m.store.List(ctx, accountID)
	if err != nil {
		return nil, err
	}
	byProvider := make(map[providers.ID]Credential, len(creds))
	for _, cred := range creds {
		byProvider[cred.Provider] = cred
	}

	now := m.now()
	var out []ConnectionStatus
	for _, id := range m.registry.IDs() {
		desc, _, _ := m.registry.Lookup(id)
		st := ConnectionStatus{
			Provider:        id,
			DisplayName:     desc.DisplayName,
			State:           StateNotConnected,
			SupportsRefresh: desc.SupportsRefresh,
		}
		if cred, ok := byProvider[id]; ok {
			status := Classify(cred, now)
			st.Connected = connected(desc, cred, status)
			st.State = status.String()
			if cred.ReauthRequired {
				st.State = StateReauthRequired
				st.ReauthCode = cred.ReauthCode
			}
			st.ExpiresAt = cred.ExpiresAt
			st.ProviderAccountID = cred.ProviderAccountID
			st.Scopes = cred.Scopes
		}
		out = append(out, st)
	}
	return out, nil
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
