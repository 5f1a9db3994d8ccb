package db

import (
	"bytes"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/adops-nexus/internal/db/models"
)

func TestInitDBMigratesAndSeedsAPIKey(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "adops.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if !db.Migrator().HasTable(&models.Credential{}) {
		t.Fatal("credentials table missing")
	}
	if !db.Migrator().HasIndex(&models.Credential{}, "idx_account_provider") {
		t.Fatal("unique (account_id, provider) index missing")
	}

	key, err := GetAPIKey(db)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, "sk-") || len(key) != 35 {
		t.Fatalf("unexpected API key %q", key)
	}

	// A second bootstrap keeps the existing key.
	if err := ensureAPIKey(db); err != nil {
		t.Fatalf("ensureAPIKey: %v", err)
	}
	if got, _ := GetAPIKey(db); got != key {
		t.Fatalf("API key changed on restart: %q -> %q", key, got)
	}
}

func TestRegenerateAPIKey(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "adops.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	before, _ := GetAPIKey(db)
	after, err := RegenerateAPIKey(db)
	if err != nil {
		t.Fatalf("RegenerateAPIKey: %v", err)
	}
	stored, _ := GetAPIKey(db)
	if after == before || stored != after {
		t.Fatalf("key not regenerated: before=%q after=%q stored=%q", before, after, stored)
	}
}

func TestCredentialUniqueIndexRejectsDuplicates(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "adops.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	now := time.Now()
	first := models.Credential{ID: "1", AccountID: "acct", Provider: "social_ads", AccessToken: "A", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := models.Credential{ID: "2", AccountID: "acct", Provider: "social_ads", AccessToken: "B", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("duplicate (account_id, provider) row was accepted")
	}
}

func TestGetAPIKeyReportsDatabaseErrors(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "adops.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.Close()

	key, err := GetAPIKey(db)
	if err == nil {
		t.Fatalf("expected an error from a closed database, got key %q", key)
	}
	if key != "" {
		t.Fatalf("key returned alongside error: %q", key)
	}
}

func TestLoggerOmitsBoundValues(t *testing.T) {
	var buf bytes.Buffer
	dsn := fmt.Sprintf("file:dblog-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := open(dsn, NewLogger(log.New(&buf, "", 0)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	now := time.Now()
	row := models.Credential{ID: "1", AccountID: "acct", Provider: "social_ads", AccessToken: "PLAIN-ACCESS", RefreshToken: "PLAIN-REFRESH", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	row.ID = "2"
	if err := db.Create(&row).Error; err == nil {
		t.Fatal("duplicate row was accepted")
	}

	out := buf.String()
	if !strings.Contains(out, "INSERT INTO") {
		t.Fatalf("failed statement not logged: %q", out)
	}
	if strings.Contains(out, "PLAIN-ACCESS") || strings.Contains(out, "PLAIN-REFRESH") {
		t.Fatalf("token values leaked into the log: %q", out)
	}
}
