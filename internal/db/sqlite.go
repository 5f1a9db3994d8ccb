package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/adops-nexus/internal/db/models"
	"github.com/pysugar/adops-nexus/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewLogger returns the gorm logger used in production. Statements are
// logged without bound values since credential rows carry tokens.
func NewLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})
}

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	return open(dsn, NewLogger(logging.Logger()))
}

func open(dsn string, l logger.Interface) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: l})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := ensureAPIKey(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Credential{}, &models.Config{})
}

// ensureAPIKey generates the API key on first run.
func ensureAPIKey(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Config{}).Where("key = ?", "api_key").Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	apiKey := newAPIKey()
	if err := db.Create(&models.Config{Key: "api_key", Value: apiKey}).Error; err != nil {
		return err
	}
	logging.Infof("🔑 Generated new API key: ...%s", apiKey[len(apiKey)-6:])
	return nil
}

// GetAPIKey retrieves the API key from database. A missing key is "" with
// no error.
func GetAPIKey(db *gorm.DB) (string, error) {
	var config models.Config
	err := db.Where("key = ?", "api_key").Take(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return config.Value, nil
}

// RegenerateAPIKey creates a new API key
func RegenerateAPIKey(db *gorm.DB) (string, error) {
	apiKey := newAPIKey()
	if err := db.Model(&models.Config{}).Where("key = ?", "api_key").Update("value", apiKey).Error; err != nil {
		return "", err
	}
	logging.Infof("🔑 Regenerated API key")
	return apiKey, nil
}

func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}
