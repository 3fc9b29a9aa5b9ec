package models

import "time"

// ConnectionStatus reflects whether a tenant's ledger connection is usable.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// Credential holds a tenant's OAuth token pair against the external ledger.
// Both tokens are stored encrypted. Refresh tokens are single-use at the
// authorization server: every refresh exchange invalidates the stored value
// and issues a replacement, so the persisted pair must be advanced atomically
// on each refresh.
type Credential struct {
	TenantID              string           `json:"tenant_id" db:"tenant_id"`
	EncryptedAccessToken  string           `json:"-" db:"encrypted_access_token"`
	EncryptedRefreshToken string           `json:"-" db:"encrypted_refresh_token"`
	ExpiresAt             time.Time        `json:"expires_at" db:"expires_at"`
	ConnectionStatus      ConnectionStatus `json:"connection_status" db:"connection_status"`
	DisconnectReason      string           `json:"disconnect_reason,omitempty" db:"disconnect_reason"`
	LastRefreshedAt       *time.Time       `json:"last_refreshed_at,omitempty" db:"last_refreshed_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}
