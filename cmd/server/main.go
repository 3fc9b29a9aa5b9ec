package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/ledgersync/backend/internal/config"
	"github.com/ledgersync/backend/internal/crypto"
	"github.com/ledgersync/backend/internal/database"
	"github.com/ledgersync/backend/internal/handlers"
	mW "github.com/ledgersync/backend/internal/middleware"
	"github.com/ledgersync/backend/internal/store"
	"github.com/ledgersync/backend/internal/vault"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", "ledgersync-api").Logger()

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

	scheduleStore := store.NewScheduleStore(db)
	entryStore := store.NewEntryStore(db)
	credentialStore := store.NewCredentialStore(db)

	tokenVault := vault.New(credentialStore, cipher, vault.Config{
		TokenURL:     cfg.Ledger.TokenURL,
		ClientID:     cfg.Ledger.ClientID,
		ClientSecret: cfg.Ledger.ClientSecret,
		Timeout:      cfg.Ledger.Timeout,
	}, log.Logger)

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Ledger.ClientID,
		ClientSecret: cfg.Ledger.ClientSecret,
		RedirectURL:  cfg.Ledger.RedirectURL,
		Scopes:       cfg.Ledger.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.Ledger.AuthURL,
			TokenURL: cfg.Ledger.TokenURL,
		},
	}

	scheduleHandler := handlers.NewScheduleHandler(scheduleStore, entryStore, log.Logger)
	connectHandler := handlers.NewConnectHandler(oauthCfg, tokenVault, credentialStore, redisClient, log.Logger)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/schedules", scheduleHandler.CreateSchedule)
		r.Post("/schedules/{scheduleID}/regenerate", scheduleHandler.RegenerateEntries)
		r.Get("/schedules/{scheduleID}/entries", scheduleHandler.ListEntries)

		r.Get("/connect/{tenantID}", connectHandler.Connect)
		r.Get("/connect/callback", connectHandler.Callback)
		r.Get("/connections/{tenantID}", connectHandler.ConnectionStatus)
		r.Delete("/connections/{tenantID}", connectHandler.Disconnect)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
