package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/database"
	"github.com/echoscribe/echoscribe/internal/notify"
	"github.com/echoscribe/echoscribe/internal/processing"
	"github.com/echoscribe/echoscribe/internal/repository"
	"github.com/echoscribe/echoscribe/internal/s3storage"
	"github.com/echoscribe/echoscribe/internal/transcribe"
	"github.com/echoscribe/echoscribe/internal/worker"
)

// retryDelay implements the transport retry policy: 30s, 60s, then 120s.
// The orchestrator knows nothing about these numbers.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	switch {
	case n <= 1:
		return 30 * time.Second
	case n == 2:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}

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
	if cfg.OpenAIAPIKey == "" {
		fatal(logger, "config", errMissingAPIKey)
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

	transcriber := transcribe.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.TelegramToken != "" {
		notifier = notify.NewTelegram(cfg.TelegramToken)
	}

	orchestrator := processing.New(repo, store, transcriber, logger)
	processor := worker.NewProcessor(repo, orchestrator, notifier, logger)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		RetryDelayFunc: retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("task handling failed", "type", task.Type(), "err", err)
		}),
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker starting", "redis", cfg.RedisAddr, "concurrency", cfg.WorkerConcurrency)
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

var errMissingAPIKey = errors.New("OPENAI_API_KEY is required")

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
