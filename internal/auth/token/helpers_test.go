package token

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/adops-nexus/internal/db"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:token-%d-%d?mode=memory&cache=shared", time.Now().UnixNano(), testDBSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// tokenServer is a provider token endpoint that records every call.
type tokenServer struct {
	*httptest.Server
	calls   atomic.Int64
	mu      sync.Mutex
	grants  []map[string]string
	respond func(w http.ResponseWriter, r *http.Request, fields map[string]string)
}

func newTokenServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, fields map[string]string)) *tokenServer {
	t.Helper()
	ts := &tokenServer{respond: respond}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		fields := map[string]string{}
		if r.Header.Get("Content-Type") == "application/json" {
			_ = json.NewDecoder(r.Body).Decode(&fields)
		} else {
			_ = r.ParseForm()
			for k := range r.PostForm {
				fields[k] = r.PostForm.Get(k)
			}
		}
		ts.mu.Lock()
		ts.grants = append(ts.grants, fields)
		ts.mu.Unlock()
		ts.respond(w, r, fields)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) Calls() int { return int(ts.calls.Load()) }

func (ts *tokenServer) LastGrant() map[string]string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.grants) == 0 {
		return nil
	}
	return ts.grants[len(ts.grants)-1]
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// issue answers every refresh with the given access token.
func issue(access string, expiresIn int) func(http.ResponseWriter, *http.Request, map[string]string) {
	return func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": access,
			"token_type":   "bearer",
			"expires_in":   expiresIn,
		})
	}
}

type testEnv struct {
	store   *GormStore
	db      *gorm.DB
	clock   *fakeClock
	server  *tokenServer
	manager *Manager
}

func newTestEnv(t *testing.T, respond func(http.ResponseWriter, *http.Request, map[string]string)) *testEnv {
	t.Helper()
	gdb := setupTestDB(t)
	clock := newFakeClock()
	server := newTokenServer(t, respond)

	apps := make(map[providers.ID]providers.App)
	for _, id := range providers.All() {
		apps[id] = providers.App{
			ClientID:     "client-" + string(id),
			ClientSecret: secret.New("app-secret"),
			TokenURL:     server.URL,
		}
	}
	store := NewGormStore(gdb, nil)
	store.now = clock.Now
	m := NewManager(store, providers.NewRegistry(apps),
		WithHTTPClient(server.Client()),
		WithClock(clock.Now),
		WithRefreshTimeout(2*time.Second),
	)
	return &testEnv{store: store, db: gdb, clock: clock, server: server, manager: m}
}

func tokens(access, refresh string, expiresIn time.Duration) Tokens {
	return Tokens{
		AccessToken:       secret.New(access),
		RefreshToken:      secret.New(refresh),
		ExpiresIn:         expiresIn,
		ProviderAccountID: "provider-user-1",
	}
}
