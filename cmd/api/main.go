package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/deliverkit/bundler/internal/api"
	"github.com/deliverkit/bundler/internal/bundle"
	"github.com/deliverkit/bundler/internal/config"
	"github.com/deliverkit/bundler/internal/database"
	"github.com/deliverkit/bundler/internal/fetch"
	"github.com/deliverkit/bundler/internal/localstore"
	"github.com/deliverkit/bundler/internal/logging"
	"github.com/deliverkit/bundler/internal/media"
	"github.com/deliverkit/bundler/internal/queue"
	"github.com/deliverkit/bundler/internal/signing"
	"github.com/deliverkit/bundler/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("ensure schema")
	}

	artifacts := store.NewPostgresStore(pool)
	source := media.NewPostgresSource(pool)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer asynqClient.Close()
	tasks := queue.NewClient(asynqClient)

	fetcher := fetch.New(fetch.NewHTTPGetter(nil), cfg.FetchConcurrency, cfg.FetchTimeout, logger)
	windows := bundle.Windows{
		Freshness:  cfg.FreshnessWindow,
		Generation: cfg.GenerationWindow,
		TTL:        cfg.ArtifactTTL,
	}
	svc := bundle.New(artifacts, source, tasks, fetcher, windows, logger)

	// The download route only exists when bundles live on local disk.
	var local *localstore.Store
	if cfg.StorageBackend == "local" {
		signer := signing.NewSigner([]byte(cfg.SigningSecret))
		local, err = localstore.New(cfg.LocalDir, cfg.LocalBaseURL, signer, cfg.URLTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("init local storage")
		}
	}

	srv := api.New(cfg, svc, local, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
}
