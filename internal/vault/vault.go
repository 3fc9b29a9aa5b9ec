package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ledgersync/backend/internal/crypto"
	"github.com/ledgersync/backend/internal/models"
	"github.com/ledgersync/backend/internal/store"
)

// CredentialError means the tenant's ledger connection is unusable and needs
// manual reconnection. Callers must not treat it as a transient failure.
type CredentialError struct {
	TenantID string
	Reason   string
	Err      error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tenant %s needs reconnection: %s: %v", e.TenantID, e.Reason, e.Err)
	}
	return fmt.Sprintf("tenant %s needs reconnection: %s", e.TenantID, e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Config carries the authorization server settings. The client secret comes
// from deployment configuration and is never logged.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

const (
	// expirySkew is subtracted from the stored expiry so a token about to
	// lapse mid-request is refreshed up front.
	expirySkew = 60 * time.Second

	// defaultTokenLifetime is assumed when the token endpoint reports no
	// expiry and the access token carries no exp claim.
	defaultTokenLifetime = 25 * time.Minute
)

type cachedToken struct {
	token     string
	expiresAt time.Time
}

type tokenPair struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// Vault hands out valid access tokens for tenants, refreshing and rotating
// the persisted pair when needed. Refresh tokens are single-use at the remote
// server, so refresh for a tenant is serialized through a per-tenant mutex
// and the new pair is persisted before the old one is considered discarded.
// All caches live on the instance, never in package globals.
type Vault struct {
	creds  *store.CredentialStore
	cipher *crypto.Cipher
	client *http.Client
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
	cache   map[string]cachedToken
	// pending holds a refreshed pair that could not be persisted yet. The
	// remote server has already invalidated the previous refresh token, so
	// losing this pair would strand the tenant; it is retried before any
	// further remote exchange.
	pending map[string]tokenPair
}

func New(creds *store.CredentialStore, cipher *crypto.Cipher, cfg Config, log zerolog.Logger) *Vault {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Vault{
		creds:   creds,
		cipher:  cipher,
		client:  &http.Client{Timeout: timeout},
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		tenants: make(map[string]*sync.Mutex),
		cache:   make(map[string]cachedToken),
		pending: make(map[string]tokenPair),
	}
}

// AccessToken returns a decrypted access token valid for at least the skew
// margin, refreshing against the authorization server when the stored one
// has expired.
func (v *Vault) AccessToken(ctx context.Context, tenantID string) (string, error) {
	lock := v.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if pair, ok := v.pendingPair(tenantID); ok {
		if err := v.persistPair(ctx, tenantID, pair); err != nil {
			return "", fmt.Errorf("failed to persist refreshed tokens for tenant %s: %w", tenantID, err)
		}
		v.clearPending(tenantID)
		v.cacheToken(tenantID, pair.accessToken, pair.expiresAt)
	}

	if cached, ok := v.cachedToken(tenantID); ok && v.fresh(cached.expiresAt) {
		return cached.token, nil
	}

	cred, err := v.creds.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", &CredentialError{TenantID: tenantID, Reason: "no ledger connection", Err: err}
		}
		return "", err
	}

	if cred.ConnectionStatus == models.ConnectionDisconnected {
		reason := cred.DisconnectReason
		if reason == "" {
			reason = "connection disconnected"
		}
		return "", &CredentialError{TenantID: tenantID, Reason: reason}
	}

	if v.fresh(cred.ExpiresAt) {
		accessToken, err := v.cipher.Decrypt(cred.EncryptedAccessToken)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt access token for tenant %s: %w", tenantID, err)
		}
		v.cacheToken(tenantID, accessToken, cred.ExpiresAt)
		return accessToken, nil
	}

	return v.refresh(ctx, tenantID, cred)
}

// StoreInitialTokens persists a brand-new pair from the authorization-code
// exchange, marking the tenant CONNECTED.
func (v *Vault) StoreInitialTokens(ctx context.Context, tenantID, accessToken, refreshToken string, expiresAt time.Time) error {
	lock := v.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	encAccess, err := v.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := v.cipher.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	if err := v.creds.Upsert(ctx, tenantID, encAccess, encRefresh, expiresAt); err != nil {
		return err
	}

	v.clearPending(tenantID)
	v.cacheToken(tenantID, accessToken, expiresAt)
	return nil
}

// MarkDisconnected persists the tenant as DISCONNECTED and drops every
// in-memory trace of its tokens, including a parked pending pair. Without
// that, a later AccessToken call could persist the parked pair and flip a
// deliberately disconnected tenant back to CONNECTED.
func (v *Vault) MarkDisconnected(ctx context.Context, tenantID, reason string) error {
	lock := v.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	v.mu.Lock()
	delete(v.cache, tenantID)
	delete(v.pending, tenantID)
	v.mu.Unlock()

	return v.creds.Disconnect(ctx, tenantID, reason)
}

// ForceRefresh discards the cached token and stored expiry optimism, then
// performs a refresh exchange immediately.
func (v *Vault) ForceRefresh(ctx context.Context, tenantID string) (string, error) {
	lock := v.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	v.mu.Lock()
	delete(v.cache, tenantID)
	v.mu.Unlock()

	cred, err := v.creds.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if cred.ConnectionStatus == models.ConnectionDisconnected {
		return "", &CredentialError{TenantID: tenantID, Reason: cred.DisconnectReason}
	}

	return v.refresh(ctx, tenantID, cred)
}

func (v *Vault) refresh(ctx context.Context, tenantID string, cred models.Credential) (string, error) {
	refreshToken, err := v.cipher.Decrypt(cred.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token for tenant %s: %w", tenantID, err)
	}
	if refreshToken == "" {
		if derr := v.creds.Disconnect(ctx, tenantID, "no refresh token on record"); derr != nil {
			v.log.Error().Err(derr).Str("tenant_id", tenantID).Msg("failed to mark tenant disconnected")
		}
		return "", &CredentialError{TenantID: tenantID, Reason: "no refresh token on record"}
	}

	pair, err := v.exchange(ctx, tenantID, refreshToken)
	if err != nil {
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			if derr := v.creds.Disconnect(ctx, tenantID, credErr.Reason); derr != nil {
				v.log.Error().Err(derr).Str("tenant_id", tenantID).Msg("failed to mark tenant disconnected")
			}
			v.log.Warn().Str("tenant_id", tenantID).Str("reason", credErr.Reason).
				Msg("ledger connection lost, manual reconnection required")
		}
		return "", err
	}

	// The remote server invalidated the old refresh token the moment the
	// exchange succeeded. Persist the new pair before anything else; if the
	// write fails, park the pair so a later call can retry persistence
	// without another (now-impossible) exchange.
	if err := v.persistPair(ctx, tenantID, pair); err != nil {
		v.setPending(tenantID, pair)
		v.log.Error().Err(err).Str("tenant_id", tenantID).
			Msg("refreshed tokens received but not yet persisted, holding in memory")
		return "", fmt.Errorf("failed to persist refreshed tokens for tenant %s: %w", tenantID, err)
	}

	v.clearPending(tenantID)
	v.cacheToken(tenantID, pair.accessToken, pair.expiresAt)
	v.log.Info().Str("tenant_id", tenantID).Time("expires_at", pair.expiresAt).
		Msg("access token refreshed")
	return pair.accessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (v *Vault) exchange(ctx context.Context, tenantID, refreshToken string) (tokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenPair{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)

	resp, err := v.client.Do(req)
	if err != nil {
		return tokenPair{}, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenPair{}, fmt.Errorf("failed to read token response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// parsed below
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var parsed tokenResponse
		_ = json.Unmarshal(body, &parsed)
		reason := parsed.Error
		if parsed.ErrorDesc != "" {
			reason = fmt.Sprintf("%s: %s", parsed.Error, parsed.ErrorDesc)
		}
		if reason == "" {
			reason = fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		}
		return tokenPair{}, &CredentialError{TenantID: tenantID, Reason: reason}
	default:
		return tokenPair{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tokenPair{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return tokenPair{}, fmt.Errorf("token endpoint returned no access token")
	}

	newRefresh := parsed.RefreshToken
	if newRefresh == "" {
		// Server chose not to rotate; the old token remains valid.
		newRefresh = refreshToken
	}

	return tokenPair{
		accessToken:  parsed.AccessToken,
		refreshToken: newRefresh,
		expiresAt:    v.expiryFor(parsed),
	}, nil
}

// expiryFor derives the access token expiry: expires_in when present, the
// JWT exp claim when the token happens to be a JWT, a conservative default
// otherwise.
func (v *Vault) expiryFor(resp tokenResponse) time.Time {
	if resp.ExpiresIn > 0 {
		return v.now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.UTC()
		}
	}

	return v.now().UTC().Add(defaultTokenLifetime)
}

func (v *Vault) persistPair(ctx context.Context, tenantID string, pair tokenPair) error {
	encAccess, err := v.cipher.Encrypt(pair.accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := v.cipher.Encrypt(pair.refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return v.creds.SaveRefreshedTokens(ctx, tenantID, encAccess, encRefresh, pair.expiresAt)
}

func (v *Vault) fresh(expiresAt time.Time) bool {
	return expiresAt.After(v.now().UTC().Add(expirySkew))
}

func (v *Vault) tenantLock(tenantID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		v.tenants[tenantID] = lock
	}
	return lock
}

func (v *Vault) cachedToken(tenantID string) (cachedToken, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cached, ok := v.cache[tenantID]
	return cached, ok
}

func (v *Vault) cacheToken(tenantID, token string, expiresAt time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[tenantID] = cachedToken{token: token, expiresAt: expiresAt}
}

func (v *Vault) pendingPair(tenantID string) (tokenPair, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pair, ok := v.pending[tenantID]
	return pair, ok
}

func (v *Vault) setPending(tenantID string, pair tokenPair) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending[tenantID] = pair
}

func (v *Vault) clearPending(tenantID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.pending, tenantID)
}
