// Command go-voice-backend runs the voice transcription pipeline service: it
// opens the SQLite store, loads the permission policy and reaction map,
// configures logging and tracing, and serves the webhook/stats/admin HTTP API
// until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voicepipe/go-voice-backend/internal/config"
	"github.com/voicepipe/go-voice-backend/internal/dify"
	httpapi "github.com/voicepipe/go-voice-backend/internal/http"
	"github.com/voicepipe/go-voice-backend/internal/observability"
	"github.com/voicepipe/go-voice-backend/internal/platform"
	"github.com/voicepipe/go-voice-backend/internal/policy"
	"github.com/voicepipe/go-voice-backend/internal/reactions"
	"github.com/voicepipe/go-voice-backend/internal/repo"
	"github.com/voicepipe/go-voice-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening database failed")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("db tracing setup failed")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	pol, err := policy.Load(cfg.PermissionsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.PermissionsPath).Msg("loading permission policy failed")
	}
	ract, err := reactions.Load(cfg.ReactionsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ReactionsPath).Msg("loading reaction map failed")
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	gateway := dify.NewClient(dify.Config{
		WorkflowURL: cfg.Dify.WorkflowURL,
		UploadURL:   cfg.Dify.UploadURL,
		APIKey:      cfg.Dify.APIKey,
	}, httpClient, log.Logger)

	messenger := platform.NewHTTPMessenger(
		cfg.Gateway.BaseURL,
		cfg.Gateway.Token,
		cfg.Gateway.SelfUserID,
		&http.Client{Timeout: 30 * time.Second},
		log.Logger,
	)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        db,
		Policy:    pol,
		Reactions: ract,
		Messenger: messenger,
		Gateway:   gateway,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("stopped")
}
