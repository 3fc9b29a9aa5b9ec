package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ledgersync/backend/internal/config"
	"github.com/ledgersync/backend/internal/crypto"
	"github.com/ledgersync/backend/internal/database"
	"github.com/ledgersync/backend/internal/ledger"
	"github.com/ledgersync/backend/internal/poster"
	"github.com/ledgersync/backend/internal/store"
	"github.com/ledgersync/backend/internal/vault"
)

func main() {
	cronSpec := flag.String("cron", "", "cron spec for recurring runs (empty runs once and exits)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", "ledgersync-poster").Logger()

	config.Init()
	cfg := config.Load()

	db, err := database.InitDB()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	cipher, err := crypto.NewCipher(cfg.Crypto.Secret, cfg.Crypto.Salt)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential cipher")
	}

	credentialStore := store.NewCredentialStore(db)
	tokenVault := vault.New(credentialStore, cipher, vault.Config{
		TokenURL:     cfg.Ledger.TokenURL,
		ClientID:     cfg.Ledger.ClientID,
		ClientSecret: cfg.Ledger.ClientSecret,
		Timeout:      cfg.Ledger.Timeout,
	}, log.Logger)

	client := ledger.NewClient(ledger.Config{
		BaseURL:         cfg.Ledger.BaseURL,
		Timeout:         cfg.Ledger.Timeout,
		MaxRetryElapsed: cfg.Ledger.MaxRetryElapsed,
		RatePerSec:      cfg.Ledger.RatePerSec,
		Burst:           cfg.Ledger.Burst,
	}, tokenVault, log.Logger)

	var lock poster.Locker
	if redisClient != nil {
		lock = poster.NewRunLock(redisClient, cfg.Poster.LockKey, cfg.Poster.LockTTL)
	}

	orchestrator := poster.NewOrchestrator(
		store.NewScheduleStore(db),
		store.NewEntryStore(db),
		client,
		lock,
		log.Logger,
	)

	if *cronSpec == "" {
		if !runOnce(orchestrator) {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*cronSpec, func() { runOnce(orchestrator) }); err != nil {
		log.Fatal().Err(err).Str("spec", *cronSpec).Msg("invalid cron spec")
	}

	log.Info().Str("spec", *cronSpec).Msg("posting scheduler started")
	c.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("posting scheduler stopping")
	<-c.Stop().Done()
}

// runOnce executes a single posting run. A run that could not start at all
// reports false; a held lock or per-entry failures do not.
func runOnce(orchestrator *poster.Orchestrator) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	report, err := orchestrator.Run(ctx, time.Now().UTC())
	if err != nil {
		if errors.Is(err, poster.ErrRunLocked) {
			log.Warn().Msg("skipping run, another posting run holds the lock")
			return true
		}
		log.Error().Err(err).Msg("posting run failed")
		return false
	}

	log.Info().
		Int("due", report.Due).
		Int("posted", report.Posted).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Strs("disconnected_tenants", report.DisconnectedTenants).
		Msg("posting run complete")
	return true
}
