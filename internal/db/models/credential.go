package models

import "time"

// Credential stores the OAuth tokens one account holds for one provider.
// AccessToken and RefreshToken hold sealed values when at-rest encryption
// is enabled.
type Credential struct {
	ID                string `gorm:"primaryKey"` // UUID
	AccountID         string `gorm:"not null;uniqueIndex:idx_account_provider"`
	Provider          string `gorm:"not null;uniqueIndex:idx_account_provider"`
	AccessToken       string `gorm:"not null"`
	RefreshToken      string
	ExpiresAt         *time.Time `gorm:"index"`
	ProviderAccountID string
	Scopes            []string          `gorm:"serializer:json"`
	Metadata          map[string]string `gorm:"serializer:json"`
	// ReauthRequired is set when the provider rejected the refresh token;
	// only a new authorization clears it.
	ReauthRequired bool `gorm:"not null"`
	ReauthCode     string
	// Version changes on every write; conditional updates match on it.
	Version   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
