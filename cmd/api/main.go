package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/echoscribe/echoscribe/internal/api"
	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/database"
	"github.com/echoscribe/echoscribe/internal/queue"
	"github.com/echoscribe/echoscribe/internal/repository"
	"github.com/echoscribe/echoscribe/internal/s3storage"
	"github.com/echoscribe/echoscribe/internal/signing"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "connect database", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		fatal(logger, "ensure schema", err)
	}
	repo := repository.NewTranscriptionRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		fatal(logger, "init storage", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		fatal(logger, "ensure bucket", err)
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	enqueuer := queue.NewAsynqEnqueuer(client)

	signer := signing.NewSigner(cfg.SigningSecret)
	srv := api.New(cfg, repo, store, store, enqueuer, signer)

	logger.Info("api starting", "address", cfg.Address)
	if err := srv.Run(ctx); err != nil {
		logger.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
