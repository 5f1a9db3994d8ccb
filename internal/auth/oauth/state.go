package oauth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/adops-nexus/internal/providers"
)

// DefaultStateTTL is how long a consent round trip may take.
const DefaultStateTTL = 10 * time.Minute

// PendingAuth is what a login remembers for its callback.
type PendingAuth struct {
	AccountID   string
	Provider    providers.ID
	RedirectURL string
	expires     time.Time
}

// StateStore issues single-use CSRF state values bound to the account and
// provider that started the flow.
type StateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]PendingAuth
}

// NewStateStore returns an in-memory state store.
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{ttl: ttl, now: time.Now, pending: make(map[string]PendingAuth)}
}

// Issue records a pending authorization and returns its state value.
func (s *StateStore) Issue(accountID string, provider providers.ID, redirectURL string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, state)
		}
	}
	state := uuid.NewString()
	s.pending[state] = PendingAuth{
		AccountID:   accountID,
		Provider:    provider,
		RedirectURL: redirectURL,
		expires:     now.Add(s.ttl),
	}
	return state
}

// Consume returns the pending authorization for state and forgets it.
func (s *StateStore) Consume(state string) (PendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return PendingAuth{}, false
	}
	delete(s.pending, state)
	if s.now().After(p.expires) {
		return PendingAuth{}, false
	}
	return p, true
}
