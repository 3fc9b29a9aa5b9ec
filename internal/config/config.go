package config

import (
	"time"

	"github.com/spf13/viper"
)

// LedgerConfig holds the external ledger API and OAuth client settings.
// ClientSecret comes from deployment configuration and must never be logged.
type LedgerConfig struct {
	BaseURL         string
	AuthURL         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	Scopes          []string
	Timeout         time.Duration
	MaxRetryElapsed time.Duration
	RatePerSec      float64
	Burst           int
}

// CryptoConfig holds the credential encryption parameters. The secret is
// supplied only via deployment configuration, never persisted.
type CryptoConfig struct {
	Secret string
	Salt   string
}

// PosterConfig controls the batch posting run.
type PosterConfig struct {
	LockKey string
	LockTTL time.Duration
}

type Config struct {
	Ledger LedgerConfig
	Crypto CryptoConfig
	Poster PosterConfig
}

// Init points viper at the .env file and binds the environment variables the
// service reads. Call once at startup before Load.
func Init() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("ledger.base_url", "LEDGER_BASE_URL")
	viper.BindEnv("ledger.auth_url", "LEDGER_AUTH_URL")
	viper.BindEnv("ledger.token_url", "LEDGER_TOKEN_URL")
	viper.BindEnv("ledger.client_id", "LEDGER_CLIENT_ID")
	viper.BindEnv("ledger.client_secret", "LEDGER_CLIENT_SECRET")
	viper.BindEnv("ledger.redirect_url", "LEDGER_REDIRECT_URL")
	viper.BindEnv("ledger.scopes", "LEDGER_SCOPES")
	viper.BindEnv("ledger.rate_per_sec", "LEDGER_RATE_PER_SEC")

	viper.BindEnv("crypto.secret", "CREDENTIAL_ENCRYPTION_SECRET")
	viper.BindEnv("crypto.salt", "CREDENTIAL_ENCRYPTION_SALT")

	viper.BindEnv("poster.lock_key", "POSTER_LOCK_KEY")
	viper.BindEnv("poster.lock_ttl", "POSTER_LOCK_TTL")
}

// Load reads the bound settings, applying defaults for everything optional.
func Load() *Config {
	viper.SetDefault("ledger.timeout", 30*time.Second)
	viper.SetDefault("ledger.max_retry_elapsed", time.Minute)
	viper.SetDefault("ledger.rate_per_sec", 5.0)
	viper.SetDefault("ledger.burst", 1)
	viper.SetDefault("ledger.scopes", []string{"accounting.transactions", "offline_access"})
	viper.SetDefault("poster.lock_key", "ledgersync:poster:run-lock")
	viper.SetDefault("poster.lock_ttl", 30*time.Minute)

	return &Config{
		Ledger: LedgerConfig{
			BaseURL:         viper.GetString("ledger.base_url"),
			AuthURL:         viper.GetString("ledger.auth_url"),
			TokenURL:        viper.GetString("ledger.token_url"),
			ClientID:        viper.GetString("ledger.client_id"),
			ClientSecret:    viper.GetString("ledger.client_secret"),
			RedirectURL:     viper.GetString("ledger.redirect_url"),
			Scopes:          viper.GetStringSlice("ledger.scopes"),
			Timeout:         viper.GetDuration("ledger.timeout"),
			MaxRetryElapsed: viper.GetDuration("ledger.max_retry_elapsed"),
			RatePerSec:      viper.GetFloat64("ledger.rate_per_sec"),
			Burst:           viper.GetInt("ledger.burst"),
		},
		Crypto: CryptoConfig{
			Secret: viper.GetString("crypto.secret"),
			Salt:   viper.GetString("crypto.salt"),
		},
		Poster: PosterConfig{
			LockKey: viper.GetString("poster.lock_key"),
			LockTTL: viper.GetDuration("poster.lock_ttl"),
		},
	}
}
