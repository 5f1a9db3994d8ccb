package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/pysugar/adops-nexus/internal/auth/token"
	"github.com/pysugar/adops-nexus/internal/db"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	router        chi.Router
	manager       *token.Manager
	database      *gorm.DB
	tokenCalls    atomic.Int64
	accountsCalls atomic.Int64
	tokenStatus   int
	rejectToken   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{tokenStatus: http.StatusOK}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			ts.tokenCalls.Add(1)
			w.WriteHeader(ts.tokenStatus)
			if ts.tokenStatus != http.StatusOK {
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"fresh","expires_in":3600}`))
		case "/me/adaccounts":
			ts.accountsCalls.Add(1)
			if r.Header.Get("Authorization") == "Bearer "+ts.rejectToken {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"message":"expired","code":190}}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":[{"id":"act_1","name":"Shop"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(upstream.Close)

	dsn := fmt.Sprintf("file:handlers-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite memory db: %v", err)
	}
	sqlDB, _ := database.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	descs := providers.Builtin()
	for i := range descs {
		if descs[i].ID == providers.SocialAds {
			descs[i].AccountsPath = "/me/adaccounts"
		}
	}
	apps := map[providers.ID]providers.App{
		providers.SocialAds: {
			ClientID:     "fb",
			ClientSecret: secret.New("fb-secret"),
			TokenURL:     upstream.URL + "/token",
			APIBaseURL:   upstream.URL,
		},
	}
	ts.database = database
	ts.manager = token.NewManager(token.NewGormStore(database, nil), providers.NewRegistryWith(descs, apps),
		token.WithHTTPClient(upstream.Client()))

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		MountIntegrations(r, ts.manager, upstream.Client())
		r.Post("/refresh", RefreshHandler(ts.manager))
	})
	ts.router = r
	return ts
}

func (ts *testServer) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func (ts *testServer) connect(t *testing.T, access, refresh string, expiresIn time.Duration) {
	t.Helper()
	err := ts.manager.SaveConfig(context.Background(), "acct-1", providers.SocialAds, token.Tokens{
		AccessToken:  secret.New(access),
		RefreshToken: secret.New(refresh),
		ExpiresIn:    expiresIn,
	})
	if err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v body=%s", err, rec.Body.String())
	}
	return body.Error
}

func TestIntegrationsStatusNeverExposesTokens(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "secret-access", "secret-refresh", time.Hour)

	rec := ts.do(http.MethodGet, "/api/accounts/acct-1/integrations")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, leaked := range []string{"secret-access", "secret-refresh"} {
		if strings.Contains(body, leaked) {
			t.Fatalf("status response leaked %q: %s", leaked, body)
		}
	}

	var payload struct {
		Integrations []token.ConnectionStatus `json:"integrations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.Integrations) != len(providers.All()) {
		t.Fatalf("expected %d integrations, got %d", len(providers.All()), len(payload.Integrations))
	}
	for _, st := range payload.Integrations {
		if st.Provider == providers.SocialAds && !st.Connected {
			t.Errorf("social_ads should be connected: %+v", st)
		}
		if st.Provider == providers.Analytics && st.Connected {
			t.Errorf("analytics should not be connected: %+v", st)
		}
	}
}

func TestIntegrationStatusAndDisconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "A", "R", time.Hour)

	rec := ts.do(http.MethodGet, "/api/accounts/acct-1/integrations/social-ads")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"connected":true`) {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodDelete, "/api/accounts/acct-1/integrations/social_ads")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":true`) {
		t.Fatalf("disconnect: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/accounts/acct-1/integrations/social_ads/accounts")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 after disconnect, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Type != "reconnect_required" || e.Code != "not_connected" {
		t.Errorf("unexpected error body: %+v", e)
	}

	if rec := ts.do(http.MethodDelete, "/api/accounts/acct-1/integrations/myspace"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider status = %d", rec.Code)
	}
}

func TestProviderAccountsPassthrough(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "A", "R", time.Hour)

	rec := ts.do(http.MethodGet, "/api/accounts/acct-1/integrations/social_ads/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"act_1"`) {
		t.Errorf("provider body not forwarded: %s", rec.Body.String())
	}
	if ts.tokenCalls.Load() != 0 {
		t.Errorf("valid token must not be refreshed, got %d calls", ts.tokenCalls.Load())
	}
}

func TestProviderAccountsRefreshesOnUnauthorized(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectToken = "revoked-early"
	ts.connect(t, "revoked-early", "R", time.Hour)

	rec := ts.do(http.MethodGet, "/api/accounts/acct-1/integrations/social_ads/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if ts.tokenCalls.Load() != 1 || ts.accountsCalls.Load() != 2 {
		t.Errorf("token calls = %d, accounts calls = %d", ts.tokenCalls.Load(), ts.accountsCalls.Load())
	}
}

func TestRefreshIntegrationTranslatesErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "A", "R", time.Hour)

	rec := ts.do(http.MethodPost, "/api/accounts/acct-1/integrations/social_ads/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	ts.tokenStatus = http.StatusBadRequest
	rec = ts.do(http.MethodPost, "/api/accounts/acct-1/integrations/social_ads/refresh")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
	if e := decodeError(t, rec); e.Type != "reconnect_required" || e.Code != "invalid_grant" {
		t.Errorf("unexpected error body: %+v", e)
	}

	ts.tokenStatus = http.StatusServiceUnavailable
	ts.connect(t, "A", "R", time.Hour)
	rec = ts.do(http.MethodPost, "/api/accounts/acct-1/integrations/social_ads/refresh")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rec.Code, rec.Body.String())
	}
	if e := decodeError(t, rec); e.Type != "try_again" {
		t.Errorf("unexpected error body: %+v", e)
	}
}

func TestRefreshHandlerReportsPass(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "A", "R", 10*time.Minute)

	rec := ts.do(http.MethodPost, "/api/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"refreshed":1`) {
		t.Errorf("unexpected report: %s", rec.Body.String())
	}
}
