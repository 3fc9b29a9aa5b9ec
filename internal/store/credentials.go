package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgersync/backend/internal/models"
)

type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) Get(ctx context.Context, tenantID string) (models.Credential, error) {
	var cred models.Credential
	var status string
	var reason sql.NullString
	var lastRefreshed sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, encrypted_access_token, encrypted_refresh_token, expires_at,
			connection_status, disconnect_reason, last_refreshed_at, updated_at
		FROM credentials
		WHERE tenant_id = $1`, tenantID).
		Scan(&cred.TenantID, &cred.EncryptedAccessToken, &cred.EncryptedRefreshToken,
			&cred.ExpiresAt, &status, &reason, &lastRefreshed, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Credential{}, fmt.Errorf("credential for tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("failed to load credential for tenant %s: %w", tenantID, err)
	}

	cred.ConnectionStatus = models.ConnectionStatus(status)
	cred.DisconnectReason = reason.String
	if lastRefreshed.Valid {
		cred.LastRefreshedAt = &lastRefreshed.Time
	}
	return cred, nil
}

// Upsert stores a freshly exchanged token pair from the connect flow,
// replacing any previous credential for the tenant.
func (s *CredentialStore) Upsert(ctx context.Context, tenantID, encAccess, encRefresh string, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, encrypted_access_token, encrypted_refresh_token,
			expires_at, connection_status, disconnect_reason, last_refreshed_at, updated_at)
		VALUES ($1, $2, $3, $4, 'CONNECTED', NULL, NULL, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			expires_at = EXCLUDED.expires_at,
			connection_status = 'CONNECTED',
			disconnect_reason = NULL,
			updated_at = EXCLUDED.updated_at`,
		tenantID, encAccess, encRefresh, expiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert credential for tenant %s: %w", tenantID, err)
	}
	return nil
}

// SaveRefreshedTokens advances the persisted token pair in a single update.
// The remote server has already invalidated the old refresh token by the time
// this runs, so the write must land before the new pair is considered live;
// callers only discard the old tokens after this returns nil.
func (s *CredentialStore) SaveRefreshedTokens(ctx context.Context, tenantID, encAccess, encRefresh string, expiresAt time.Time) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET encrypted_access_token = $2,
			encrypted_refresh_token = $3,
			expires_at = $4,
			connection_status = 'CONNECTED',
			disconnect_reason = NULL,
			last_refreshed_at = $5,
			updated_at = $5
		WHERE tenant_id = $1`,
		tenantID, encAccess, encRefresh, expiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to save refreshed tokens for tenant %s: %w", tenantID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for tenant %s: %w", tenantID, err)
	}
	if affected == 0 {
		return fmt.Errorf("credential for tenant %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

func (s *CredentialStore) Disconnect(ctx context.Context, tenantID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET connection_status = 'DISCONNECTED', disconnect_reason = $2, updated_at = $3
		WHERE tenant_id = $1`,
		tenantID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to disconnect tenant %s: %w", tenantID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for tenant %s: %w", tenantID, err)
	}
	if affected == 0 {
		return fmt.Errorf("credential for tenant %s: %w", tenantID, ErrNotFound)
	}
	return nil
}
