package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/adops-nexus/internal/db"
	"github.com/pysugar/adops-nexus/internal/db/models"
	"github.com/pysugar/adops-nexus/internal/logging"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:mw-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite memory db: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestAPIKeyAuth(t *testing.T) {
	database := setupTestDB(t)
	if err := database.Create(&models.Config{Key: "api_key", Value: "sk-test-key"}).Error; err != nil {
		t.Fatalf("seed key: %v", err)
	}
	h := APIKeyAuth(database)(okHandler())

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer sk-test-key", http.StatusNoContent},
		{"x-api-key", "x-api-key", "sk-test-key", http.StatusNoContent},
		{"wrong key", "Authorization", "Bearer sk-other", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyAuthRejectsWhenKeyMissing(t *testing.T) {
	h := APIKeyAuth(setupTestDB(t))(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	req.Header.Set("x-api-key", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAPIKeyAuthFailsClosedOnDatabaseError(t *testing.T) {
	database := setupTestDB(t)
	if err := database.Create(&models.Config{Key: "api_key", Value: "sk-test-key"}).Error; err != nil {
		t.Fatalf("seed key: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.Close()

	h := APIKeyAuth(database)(okHandler())
	for _, key := range []string{"", "sk-test-key", "anything"} {
		req := httptest.NewRequest(http.MethodDelete, "/api/accounts/1/integrations/social_ads", nil)
		req.Header.Set("x-api-key", key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("key %q: status = %d, want %d", key, rec.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestAdminBasicAuth(t *testing.T) {
	h := AdminBasicAuth("hunter2")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc123" || rec.Header().Get(RequestIDHeader) != "abc123" {
		t.Errorf("request id not propagated: ctx=%q header=%q", seen, rec.Header().Get(RequestIDHeader))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 8 {
		t.Errorf("generated id = %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 65))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if len(seen) != 8 || rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("oversized id not replaced: ctx=%q header=%q", seen, rec.Header().Get(RequestIDHeader))
	}
}
