package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"

	"github.com/ledgersync/backend/internal/crypto"
	"github.com/ledgersync/backend/internal/store"
	"github.com/ledgersync/backend/internal/vault"
)

type connectFixture struct {
	router  *chi.Mux
	sqlMock sqlmock.Sqlmock
	rdb     redismock.ClientMock
}

func newConnectFixture(t *testing.T, tokenURL string) *connectFixture {
	t.Helper()

	db, sqlMock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client, rdbMock := redismock.NewClientMock()

	cipher, err := crypto.NewCipher("test-secret", "test-salt")
	assert.NoError(t, err)

	creds := store.NewCredentialStore(db)
	v := vault.New(creds, cipher, vault.Config{
		TokenURL:     tokenURL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}, zerolog.Nop())

	oauthCfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/api/v1/connect/callback",
		Scopes:       []string{"accounting.transactions", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://ledger.example.com/oauth/authorize",
			TokenURL: tokenURL,
		},
	}

	handler := NewConnectHandler(oauthCfg, v, creds, client, zerolog.Nop())

	r := chi.NewRouter()
	r.Get("/api/v1/connect/{tenantID}", handler.Connect)
	r.Get("/api/v1/connect/callback", handler.Callback)
	r.Get("/api/v1/connections/{tenantID}", handler.ConnectionStatus)
	r.Delete("/api/v1/connections/{tenantID}", handler.Disconnect)

	return &connectFixture{router: r, sqlMock: sqlMock, rdb: rdbMock}
}

func TestConnectHandler_Connect(t *testing.T) {
	f := newConnectFixture(t, "https://ledger.example.com/oauth/token")

	f.rdb.Regexp().ExpectSet(`ledgersync:connect:state:.+`, "acme", stateTTL).SetVal("OK")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connect/acme", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	assert.NoError(t, err)
	assert.Equal(t, "ledger.example.com", location.Host)
	assert.Equal(t, "client-id", location.Query().Get("client_id"))
	assert.NotEmpty(t, location.Query().Get("state"))
	assert.Equal(t, "offline", location.Query().Get("access_type"))
	assert.NoError(t, f.rdb.ExpectationsWereMet())
}

func TestConnectHandler_Callback(t *testing.T) {
	t.Run("exchanges code and stores encrypted pair", func(t *testing.T) {
		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				t.Error(err)
			}
			if got := r.Form.Get("grant_type"); got != "authorization_code" {
				t.Errorf("unexpected grant_type %q", got)
			}
			if got := r.Form.Get("code"); got != "auth-code-1" {
				t.Errorf("unexpected code %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "Bearer",
				"expires_in":    1800,
			})
		}))
		defer tokenServer.Close()

		f := newConnectFixture(t, tokenServer.URL)

		f.rdb.ExpectGet("ledgersync:connect:state:state-1").SetVal("acme")
		f.rdb.ExpectDel("ledgersync:connect:state:state-1").SetVal(1)

		f.sqlMock.ExpectExec("INSERT INTO credentials").
			WithArgs("acme", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/connect/callback?state=state-1&code=auth-code-1", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"tenant_id":"acme"`)
		assert.NoError(t, f.rdb.ExpectationsWereMet())
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		f := newConnectFixture(t, "https://ledger.example.com/oauth/token")

		f.rdb.ExpectGet("ledgersync:connect:state:forged").RedisNil()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/connect/callback?state=forged&code=auth-code-1", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, f.rdb.ExpectationsWereMet())
	})

	t.Run("rejects missing parameters", func(t *testing.T) {
		f := newConnectFixture(t, "https://ledger.example.com/oauth/token")

		req := httptest.NewRequest(http.MethodGet, "/api/v1/connect/callback", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestConnectHandler_ConnectionStatus(t *testing.T) {
	credentialQuery := "SELECT tenant_id, encrypted_access_token, encrypted_refresh_token, expires_at, connection_status, disconnect_reason, last_refreshed_at, updated_at FROM credentials WHERE tenant_id = \\$1"

	t.Run("reports connection without leaking tokens", func(t *testing.T) {
		f := newConnectFixture(t, "https://ledger.example.com/oauth/token")

		f.sqlMock.ExpectQuery(credentialQuery).
			WithArgs("acme").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "encrypted_access_token",
				"encrypted_refresh_token", "expires_at", "connection_status", "disconnect_reason",
				"last_refreshed_at", "updated_at"}).
				AddRow("acme", "enc-access", "enc-refresh", mustDate(t, "2025-06-01"),
					"CONNECTED", nil, nil, mustDate(t, "2025-05-01")))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/connections/acme", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"connection_status":"CONNECTED"`)
		assert.NotContains(t, w.Body.String(), "enc-access")
		assert.NotContains(t, w.Body.String(), "enc-refresh")
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("unknown tenant", func(t *testing.T) {
		f := newConnectFixture(t, "https://ledger.example.com/oauth/token")

		f.sqlMock.ExpectQuery(credentialQuery).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/connections/ghost", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})
}

func TestConnectHandler_Disconnect(t *testing.T) {
	disconnectQuery := "UPDATE credentials SET connection_status = 'DISCONNECTED', disconnect_reason = \\$2, updated_at = \\$3 WHERE tenant_id = \\$1"

	t.Run("disconnects a connected tenant", func(t *testing.T) {
		f := newConnectFixture(t, "https://ledger.example.com/oauth/token")

		f.sqlMock.ExpectExec(disconnectQuery).
			WithArgs("acme", "manually disconnected", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := httptest.NewRequest(http.MethodDelete, "/api/v1/connections/acme", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("unknown tenant", func(t *testing.T) {
		f := newConnectFixture(t, "https://ledger.example.com/oauth/token")

		f.sqlMock.ExpectExec(disconnectQuery).
			WithArgs("ghost", "manually disconnected", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		req := httptest.NewRequest(http.MethodDelete, "/api/v1/connections/ghost", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	})
}
