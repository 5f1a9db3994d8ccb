package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/pysugar/adops-nexus/internal/logging"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/util"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultRefreshTimeout bounds one token endpoint call when the provider app
// does not configure its own timeout.
const DefaultRefreshTimeout = 10 * time.Second

// coordinator runs provider refreshes. At most one refresh per
// (account, provider) is in flight; concurrent callers share its result.
type coordinator struct {
	store    Store
	registry *providers.Registry
	client   *http.Client
	now      func() time.Time
	timeout  time.Duration

	flights singleflight.Group

	mu       sync.Mutex
	breakers map[providers.ID]*gobreaker.CircuitBreaker
	limiters map[providers.ID]*rate.Limiter
}

func newCoordinator(store Store, registry *providers.Registry, client *http.Client, now func() time.Time, timeout time.Duration) *coordinator {
	return &coordinator{
		store:    store,
		registry: registry,
		client:   client,
		now:      now,
		timeout:  timeout,
		breakers: make(map[providers.ID]*gobreaker.CircuitBreaker),
		limiters: make(map[providers.ID]*rate.Limiter),
	}
}

func flightKey(accountID string, provider providers.ID) string {
	return accountID + "\x00" + string(provider)
}

// refreshRequest controls the re-check done inside a flight before the
// provider is called.
type refreshRequest struct {
	force bool
	// lookahead skips the refresh when the stored token stays valid past
	// now+lookahead.
	lookahead time.Duration
}

// refresh returns a credential whose access token was refreshed, or the
// stored one if a concurrent refresh already made it fresh enough.
//
// The refresh itself is detached from ctx: a caller that gives up stops
// waiting, but the shared refresh runs to completion and is persisted.
func (c *coordinator) refresh(ctx context.Context, accountID string, provider providers.ID, req refreshRequest) (Credential, error) {
	key := flightKey(accountID, provider)
	detached := context.WithoutCancel(ctx)

	ch := c.flights.DoChan(key, func() (interface{}, error) {
		return c.doRefresh(detached, accountID, provider, req)
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential).Clone(), nil
	}
}

func (c *coordinator) doRefresh(ctx context.Context, accountID string, provider providers.ID, req refreshRequest) (Credential, error) {
	log := logging.FromContext(ctx).WithField("account_id", accountID).WithField("provider", provider)

	cred, found, err := c.store.Get(ctx, accountID, provider)
	if err != nil {
		return Credential{}, err
	}
	if !found {
		return Credential{}, ErrNotConnected
	}
	if cred.ReauthRequired {
		return Credential{}, reauthError(provider, cred.ReauthCode)
	}
	now := c.now()
	status := Classify(cred, now)
	if !req.force && freshEnough(cred, status, now, req.lookahead) {
		return cred, nil
	}

	desc, app, ok := c.registry.Lookup(provider)
	if !ok {
		return Credential{}, ErrUnknownProvider
	}
	if !desc.SupportsRefresh {
		return Credential{}, reauthError(provider, "refresh_unsupported")
	}
	if cred.RefreshToken.IsZero() {
		return Credential{}, reauthError(provider, "no_refresh_token")
	}
	if !app.Configured() {
		return Credential{}, retryableError(provider, "app_not_configured", nil)
	}

	if err := c.limiter(provider, app).Wait(ctx); err != nil {
		return Credential{}, retryableError(provider, "rate_limited", err)
	}

	timeout := c.timeout
	if app.Timeout > 0 {
		timeout = app.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := c.now()
	out, err := c.breaker(provider).Execute(func() (interface{}, error) {
		return providers.Exchange(callCtx, c.client, desc, app, providers.Grant{
			Type:         providers.GrantRefreshToken,
			RefreshToken: cred.RefreshToken,
		})
	})
	if err != nil {
		return Credential{}, c.refreshFailed(ctx, cred, err)
	}
	set := out.(providers.TokenSet)

	updated := cred.Clone()
	updated.AccessToken = set.AccessToken
	if !set.RefreshToken.IsZero() {
		updated.RefreshToken = set.RefreshToken
	} else if desc.RotatesRefreshToken {
		log.Warn("rotating provider returned no new refresh token; keeping the previous one")
	}
	switch {
	case set.ExpiresIn > 0:
		t := started.Add(set.ExpiresIn)
		updated.ExpiresAt = &t
	case desc.DefaultLifetime > 0:
		t := started.Add(desc.DefaultLifetime)
		updated.ExpiresAt = &t
	default:
		updated.ExpiresAt = nil
	}
	if updated.ProviderAccountID == "" {
		updated.ProviderAccountID = set.ProviderAccountID
	}
	if len(set.Scopes) > 0 {
		updated.Scopes = set.Scopes
	}
	updated.ReauthRequired = false
	updated.ReauthCode = ""

	written, ok, err := c.store.UpdateIfVersion(ctx, updated)
	if err != nil {
		return Credential{}, err
	}
	if !ok {
		// Disconnected or reconnected while the provider call was out.
		return c.afterLostUpdate(ctx, accountID, provider)
	}
	updated = written
	entry := log
	if updated.ExpiresAt != nil {
		entry = entry.WithField("expires_at", updated.ExpiresAt.Format(time.RFC3339))
	}
	entry.Info("token refreshed")
	return updated, nil
}

// afterLostUpdate resolves a refresh whose write lost to a concurrent
// RemoveConfig or SaveConfig. The stored row wins.
func (c *coordinator) afterLostUpdate(ctx context.Context, accountID string, provider providers.ID) (Credential, error) {
	log := logging.FromContext(ctx).WithField("account_id", accountID).WithField("provider", provider)
	cur, found, err := c.store.Get(ctx, accountID, provider)
	if err != nil {
		return Credential{}, err
	}
	if !found {
		log.Info("credential removed during refresh, result discarded")
		return Credential{}, ErrNotConnected
	}
	if cur.ReauthRequired {
		return Credential{}, reauthError(provider, cur.ReauthCode)
	}
	log.Info("credential replaced during refresh, keeping the stored one")
	return cur, nil
}

// refreshFailed classifies a failed token endpoint call. Permanent
// rejections are recorded on the row so later calls short-circuit.
func (c *coordinator) refreshFailed(ctx context.Context, cred Credential, err error) error {
	log := logging.FromContext(ctx).WithField("account_id", cred.AccountID).WithField("provider", cred.Provider)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Warn("token endpoint circuit open")
		return retryableError(cred.Provider, "circuit_open", err)
	}

	var grantErr *providers.GrantError
	if !errors.As(err, &grantErr) {
		code := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
		log.WithError(err).Warn("token endpoint unreachable")
		return retryableError(cred.Provider, code, err)
	}

	log = log.WithField("http_status", grantErr.Status).WithField("code", grantErr.Code)
	if grantErr.Retryable {
		log.Warn("token refresh failed, will retry later")
		return &RefreshError{Provider: cred.Provider, Code: grantErr.Code, HTTPStatus: grantErr.Status, Retryable: true, RetryAfter: grantErr.RetryAfter}
	}

	log.WithField("description", util.TruncateLog(grantErr.Description, util.DefaultLogMaxLen)).
		Warn("refresh token rejected, reauthorization required")
	marked, markErr := c.store.MarkReauthRequired(ctx, cred, grantErr.Code)
	if markErr != nil {
		return markErr
	}
	if !marked {
		// The row changed since it was read; the new credential decides.
		log.Info("credential replaced during refresh, reauth marker skipped")
	}
	return &RefreshError{Provider: cred.Provider, Code: grantErr.Code, HTTPStatus: grantErr.Status}
}

func freshEnough(cred Credential, status Status, now time.Time, lookahead time.Duration) bool {
	switch status {
	case StatusUnknownLifetime:
		return true
	case StatusValid:
		return cred.ExpiresAt.After(now.Add(lookahead))
	default:
		return false
	}
}

func (c *coordinator) breaker(provider providers.ID) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token:" + string(provider),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected grant is a healthy endpoint answering.
		IsSuccessful: func(err error) bool {
			var grantErr *providers.GrantError
			return err == nil || errors.As(err, &grantErr) && !grantErr.Retryable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.WithFields(logging.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	})
	c.breakers[provider] = cb
	return cb
}

func (c *coordinator) limiter(provider providers.ID, app providers.App) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[provider]; ok {
		return l
	}
	limit := rate.Inf
	burst := app.RefreshBurst
	if app.RefreshRate > 0 {
		limit = rate.Limit(app.RefreshRate)
	}
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(limit, burst)
	c.limiters[provider] = l
	return l
}
