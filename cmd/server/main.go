// Standalone single-process mode: in-memory record store, local blob
// directory and an in-process queue. Useful for development without
// postgres, redis or an S3 endpoint; the pipeline semantics are identical.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/echoscribe/echoscribe/internal/api"
	"github.com/echoscribe/echoscribe/internal/blob"
	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/notify"
	"github.com/echoscribe/echoscribe/internal/processing"
	"github.com/echoscribe/echoscribe/internal/queue"
	"github.com/echoscribe/echoscribe/internal/repository"
	"github.com/echoscribe/echoscribe/internal/signing"
	"github.com/echoscribe/echoscribe/internal/transcribe"
	"github.com/echoscribe/echoscribe/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, transcription calls will fail")
	}

	store := repository.NewMemoryStore()
	blobs, err := blob.NewDir(cfg.BlobDir)
	if err != nil {
		fatal(logger, "init blob dir", err)
	}

	transcriber := transcribe.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	notifier := notify.NewLogNotifier(logger)

	orchestrator := processing.New(store, blobs, transcriber, logger)
	processor := worker.NewProcessor(store, orchestrator, notifier, logger)

	// Shorter redelivery schedule than production; a developer should not
	// wait half a minute to see the second attempt.
	delays := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	mq := queue.NewMemory(processor.HandleTranscriptionRequested, cfg.WorkerConcurrency, delays, logger)
	mq.Start(ctx)

	signer := signing.NewSigner(cfg.SigningSecret)
	srv := api.New(cfg, store, blobs, nil, mq, signer)

	logger.Info("standalone server starting", "address", cfg.Address, "blob_dir", cfg.BlobDir)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
