package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/deliverkit/bundler/internal/config"
	"github.com/deliverkit/bundler/internal/database"
	"github.com/deliverkit/bundler/internal/fetch"
	"github.com/deliverkit/bundler/internal/generate"
	"github.com/deliverkit/bundler/internal/localstore"
	"github.com/deliverkit/bundler/internal/logging"
	"github.com/deliverkit/bundler/internal/queue"
	"github.com/deliverkit/bundler/internal/s3storage"
	"github.com/deliverkit/bundler/internal/signing"
	"github.com/deliverkit/bundler/internal/store"
	"github.com/deliverkit/bundler/internal/worker"
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

	objects, err := buildObjectStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init storage")
	}

	fetcher := fetch.New(fetch.NewHTTPGetter(nil), cfg.FetchConcurrency, cfg.FetchTimeout, logger)
	gen := generate.New(artifacts, fetcher, objects, "", logger)
	processor := worker.NewProcessor(gen, artifacts, cfg.GenerationWindow, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerCount,
	})

	// The sweeper runs on a fixed interval, failing stuck records and
	// purging expired ones.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register("@every "+cfg.SweepInterval.String(), queue.NewSweepTask()); err != nil {
		logger.Fatal().Err(err).Msg("register sweep")
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		server.Shutdown()
	}()

	logger.Info().Int("concurrency", cfg.WorkerCount).Msg("worker starting")
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}

func buildObjectStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (generate.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		s3, err := s3storage.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s3, nil
	case "local":
		signer := signing.NewSigner([]byte(cfg.SigningSecret))
		return localstore.New(cfg.LocalDir, cfg.LocalBaseURL, signer, cfg.URLTTL)
	default:
		// No backend configured: generation will fail each task rather
		// than hand out URLs to files nobody can reach.
		logger.Warn().Msg("no storage backend configured")
		return nil, nil
	}
}
