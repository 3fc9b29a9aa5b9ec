package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ledgersync/backend/internal/services"
	"github.com/ledgersync/backend/internal/store"
	"github.com/ledgersync/backend/internal/vault"
)

const (
	stateKeyPrefix = "ledgersync:connect:state:"
	stateTTL       = 10 * time.Minute
)

// ConnectHandler drives the authorization-code flow that links a tenant to
// the external ledger, and exposes connection status and manual disconnect.
type ConnectHandler struct {
	oauth *oauth2.Config
	vault *vault.Vault
	creds *store.CredentialStore
	rdb   *redis.Client
	log   zerolog.Logger
}

func NewConnectHandler(oauth *oauth2.Config, v *vault.Vault, creds *store.CredentialStore, rdb *redis.Client, log zerolog.Logger) *ConnectHandler {
	return &ConnectHandler{
		oauth: oauth,
		vault: v,
		creds: creds,
		rdb:   rdb,
		log:   log,
	}
}

// Connect redirects the tenant to the provider's consent page. The state
// value is parked in redis so the callback can recover the tenant id.
func (h *ConnectHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if h.rdb == nil {
		services.SendErrorResponse(w, "Connect flow unavailable without redis", http.StatusServiceUnavailable, nil)
		return
	}

	tenantID := chi.URLParam(r, "tenantID")
	state := uuid.New().String()

	if err := h.rdb.Set(r.Context(), stateKeyPrefix+state, tenantID, stateTTL).Err(); err != nil {
		h.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to store oauth state")
		services.SendErrorResponse(w, "Failed to start connect flow", http.StatusInternalServerError, nil)
		return
	}

	http.Redirect(w, r, h.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusFound)
}

// Callback completes the flow: state is matched back to a tenant, the code
// is exchanged, and the vault stores the initial encrypted token pair.
func (h *ConnectHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.rdb == nil {
		services.SendErrorResponse(w, "Connect flow unavailable without redis", http.StatusServiceUnavailable, nil)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		services.SendErrorResponse(w, "Missing state or code", http.StatusBadRequest, nil)
		return
	}

	tenantID, err := h.rdb.Get(r.Context(), stateKeyPrefix+state).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			services.SendErrorResponse(w, "Unknown or expired state", http.StatusBadRequest, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to verify state", http.StatusInternalServerError, nil)
		return
	}
	h.rdb.Del(r.Context(), stateKeyPrefix+state)

	token, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		h.log.Error().Err(err).Str("tenant_id", tenantID).Msg("authorization code exchange failed")
		services.SendErrorResponse(w, "Code exchange failed", http.StatusBadGateway, nil)
		return
	}

	if err := h.vault.StoreInitialTokens(r.Context(), tenantID, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		h.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to store token pair")
		services.SendErrorResponse(w, "Failed to store credentials", http.StatusInternalServerError, nil)
		return
	}

	h.log.Info().Str("tenant_id", tenantID).Msg("tenant connected to ledger")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"tenant_id": tenantID,
	})
}

// ConnectionStatus reports whether a tenant's ledger connection is usable.
func (h *ConnectHandler) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	cred, err := h.creds.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			services.SendErrorResponse(w, "Tenant is not connected", http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to load connection", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"connection": cred,
	})
}

// Disconnect severs a tenant's ledger connection. Reconnecting requires the
// consent flow again.
func (h *ConnectHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := h.vault.MarkDisconnected(r.Context(), tenantID, "manually disconnected"); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			services.SendErrorResponse(w, "Tenant is not connected", http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to disconnect", http.StatusInternalServerError, nil)
		return
	}

	h.log.Info().Str("tenant_id", tenantID).Msg("tenant disconnected from ledger")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"tenant_id": tenantID,
	})
}
