package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/adops-nexus/internal/db/models"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/secret"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists one credential per (account, provider). Implementations
// return copies; callers never share memory with the store. Errors are
// returned as-is with no retries.
type Store interface {
	Get(ctx context.Context, accountID string, provider providers.ID) (Credential, bool, error)
	// Upsert inserts or replaces the credential for its key atomically.
	Upsert(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, accountID string, provider providers.ID) (bool, error)
	List(ctx context.Context, accountID string) ([]Credential, error)
	// ListRefreshable returns credentials that expire before the cutoff and
	// still hold a usable refresh token.
	ListRefreshable(ctx context.Context, before time.Time, limit int) ([]Credential, error)
	// UpdateIfVersion writes cred only if the stored row still carries the
	// version cred was read with. It returns the written credential and
	// whether the row matched; a deleted or replaced row is left alone.
	UpdateIfVersion(ctx context.Context, cred Credential) (Credential, bool, error)
	// MarkReauthRequired flags the credential only if it has not been
	// rewritten since it was read. It reports whether a row was flagged.
	MarkReauthRequired(ctx context.Context, cred Credential, code string) (bool, error)
}

// GormStore is the Store backed by the credentials table.
type GormStore struct {
	db     *gorm.DB
	sealer Sealer
	now    func() time.Time
}

// NewGormStore returns a store over db. A nil sealer stores tokens as-is.
func NewGormStore(db *gorm.DB, sealer Sealer) *GormStore {
	if sealer == nil {
		sealer = plainSealer{}
	}
	return &GormStore{db: db, sealer: sealer, now: time.Now}
}

var upsertColumns = []string{
	"access_token",
	"refresh_token",
	"expires_at",
	"provider_account_id",
	"scopes",
	"metadata",
	"reauth_required",
	"reauth_code",
	"version",
	"updated_at",
}

func (s *GormStore) Get(ctx context.Context, accountID string, provider providers.ID) (Credential, bool, error) {
	var row models.Credential
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND provider = ?", accountID, string(provider)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, storeError("get", err)
	}
	cred, err := s.fromRow(row)
	if err != nil {
		return Credential{}, false, storeError("open", err)
	}
	return cred, true, nil
}

func (s *GormStore) Upsert(ctx context.Context, cred Credential) error {
	row, err := s.toRow(cred)
	if err != nil {
		return storeError("seal", err)
	}
	now := s.now()
	row.ID = uuid.NewString()
	row.Version = uuid.NewString()
	row.UpdatedAt = now
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(&row).Error
	if err != nil {
		return storeError("upsert", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, accountID string, provider providers.ID) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("account_id = ? AND provider = ?", accountID, string(provider)).
		Delete(&models.Credential{})
	if res.Error != nil {
		return false, storeError("delete", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) List(ctx context.Context, accountID string) ([]Credential, error) {
	var rows []models.Credential
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("provider").Find(&rows).Error; err != nil {
		return nil, storeError("list", err)
	}
	return s.fromRows(rows)
}

func (s *GormStore) ListRefreshable(ctx context.Context, before time.Time, limit int) ([]Credential, error) {
	q := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", before.UTC()).
		Where("reauth_required = ? AND refresh_token <> ''", false).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Credential
	if err := q.Find(&rows).Error; err != nil {
		return nil, storeError("list refreshable", err)
	}
	return s.fromRows(rows)
}

func (s *GormStore) UpdateIfVersion(ctx context.Context, cred Credential) (Credential, bool, error) {
	row, err := s.toRow(cred)
	if err != nil {
		return Credential{}, false, storeError("seal", err)
	}
	row.Version = uuid.NewString()
	row.UpdatedAt = s.now()

	res := s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("account_id = ? AND provider = ? AND version = ?", cred.AccountID, string(cred.Provider), cred.version).
		Select(upsertColumns).
		Updates(&row)
	if res.Error != nil {
		return Credential{}, false, storeError("update", res.Error)
	}
	if res.RowsAffected == 0 {
		return Credential{}, false, nil
	}
	out := cred.Clone()
	out.version = row.Version
	out.UpdatedAt = row.UpdatedAt
	return out, true, nil
}

func (s *GormStore) MarkReauthRequired(ctx context.Context, cred Credential, code string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("account_id = ? AND provider = ? AND version = ?", cred.AccountID, string(cred.Provider), cred.version).
		Updates(map[string]interface{}{
			"reauth_required": true,
			"reauth_code":     code,
			"version":         uuid.NewString(),
			"updated_at":      s.now(),
		})
	if res.Error != nil {
		return false, storeError("mark reauth", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func associatedData(accountID string, provider providers.ID) string {
	return accountID + "/" + string(provider)
}

func (s *GormStore) toRow(cred Credential) (models.Credential, error) {
	ad := associatedData(cred.AccountID, cred.Provider)
	access, err := s.sealer.Seal(cred.AccessToken.Reveal(), ad)
	if err != nil {
		return models.Credential{}, err
	}
	refresh, err := s.sealer.Seal(cred.RefreshToken.Reveal(), ad)
	if err != nil {
		return models.Credential{}, err
	}
	c := cred.Clone()
	if c.ExpiresAt != nil {
		// sqlite compares timestamps as text; keep them in one zone.
		t := c.ExpiresAt.UTC()
		c.ExpiresAt = &t
	}
	return models.Credential{
		AccountID:         c.AccountID,
		Provider:          string(c.Provider),
		AccessToken:       access,
		RefreshToken:      refresh,
		ExpiresAt:         c.ExpiresAt,
		ProviderAccountID: c.ProviderAccountID,
		Scopes:            c.Scopes,
		Metadata:          c.Metadata,
		ReauthRequired:    c.ReauthRequired,
		ReauthCode:        c.ReauthCode,
		CreatedAt:         c.CreatedAt,
	}, nil
}

func (s *GormStore) fromRow(row models.Credential) (Credential, error) {
	provider := providers.ID(row.Provider)
	ad := associatedData(row.AccountID, provider)
	access, err := s.sealer.Open(row.AccessToken, ad)
	if err != nil {
		return Credential{}, err
	}
	refresh, err := s.sealer.Open(row.RefreshToken, ad)
	if err != nil {
		return Credential{}, err
	}
	var expiresAt *time.Time
	if row.ExpiresAt != nil {
		t := *row.ExpiresAt
		expiresAt = &t
	}
	return Credential{
		AccountID:         row.AccountID,
		Provider:          provider,
		AccessToken:       secret.New(access),
		RefreshToken:      secret.New(refresh),
		ExpiresAt:         expiresAt,
		ProviderAccountID: row.ProviderAccountID,
		Scopes:            row.Scopes,
		Metadata:          row.Metadata,
		ReauthRequired:    row.ReauthRequired,
		ReauthCode:        row.ReauthCode,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		version:           row.Version,
	}, nil
}

func (s *GormStore) fromRows(rows []models.Credential) ([]Credential, error) {
	out := make([]Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := s.fromRow(row)
		if err != nil {
			return nil, storeError("open", err)
		}
		out = append(out, cred)
	}
	return out, nil
}
