// Package processing contains the orchestrator that drives one
// transcription job from pending to a terminal state.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/echoscribe/echoscribe/internal/blob"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/repository"
	"github.com/echoscribe/echoscribe/internal/transcribe"
)

// previewLimit is how many characters of the transcript the status API
// shows before the full download.
const previewLimit = 150

// Orchestrator runs the processing algorithm. Process is idempotent: a job
// already in a terminal state is a no-op, and a job stuck in processing
// after a crash is safely reprocessed because every step re-derives its
// input from durable storage.
type Orchestrator struct {
	store       repository.Store
	blobs       blob.Store
	transcriber transcribe.Transcriber
	logger      *slog.Logger
}

// New constructs an Orchestrator.
func New(store repository.Store, blobs blob.Store, transcriber transcribe.Transcriber, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, blobs: blobs, transcriber: transcriber, logger: logger}
}

// Process drives the job with the given id to completed or failed. It never
// performs transport notification; that stays with the queue consumer so
// the same algorithm serves every originating transport.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	log := o.logger.With("job_id", id)

	job, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newFailure(KindFatal, CodeNotFound, "transcription record missing", err)
		}
		return newFailure(KindInfra, CodeStorageUnavailable, "load transcription record", err)
	}

	switch job.Status {
	case model.StatusCompleted, model.StatusFailed:
		// Duplicate delivery against a finished job: absorb without side
		// effects.
		log.Info("skipping terminal job", "status", job.Status)
		return nil
	case model.StatusProcessing:
		// A prior attempt may have crashed mid-pipeline. At-least-once, not
		// exactly-once: reprocessing is safe, re-running external calls is
		// accepted.
		log.Info("resuming job stuck in processing")
	case model.StatusPending:
	default:
		return o.fail(ctx, job, newFailure(KindFatal, CodeInvalidState,
			fmt.Sprintf("unexpected status %q", job.Status), nil))
	}

	if err := o.store.MarkStarted(ctx, id); err != nil {
		if errors.Is(err, repository.ErrTerminal) {
			// Another consumer finished the job between our read and the
			// conditional claim.
			log.Info("job claimed and finished elsewhere")
			return nil
		}
		return newFailure(KindInfra, CodeStorageUnavailable, "mark started", err)
	}

	audio, err := o.blobs.Get(ctx, job.AudioKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return o.fail(ctx, job, newFailure(KindInfra, CodeAudioNotFound, "audio object missing", err))
		}
		return o.fail(ctx, job, newFailure(KindInfra, CodeStorageUnavailable, "download audio", err))
	}
	if err := o.store.UpdateProgress(ctx, id, 20); err != nil {
		return o.fail(ctx, job, newFailure(KindInfra, CodeStorageUnavailable, "update progress", err))
	}

	text, err := o.transcriber.Transcribe(ctx, audio, job.Filename)
	if err != nil {
		return o.fail(ctx, job, classify(err))
	}
	if strings.TrimSpace(text) == "" {
		return o.fail(ctx, job, newFailure(KindDomain, CodeNoSpeech, "no speech detected in audio", nil))
	}
	if err := o.store.UpdateProgress(ctx, id, 90); err != nil {
		return o.fail(ctx, job, newFailure(KindInfra, CodeStorageUnavailable, "update progress", err))
	}

	transcriptKey := blob.TranscriptKey(id, job.CreatedAt)
	if err := o.blobs.Put(ctx, transcriptKey, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return o.fail(ctx, job, newFailure(KindInfra, CodeStorageUnavailable, "store transcript", err))
	}

	if err := o.store.MarkCompleted(ctx, id, Preview(text), text); err != nil {
		if errors.Is(err, repository.ErrTerminal) {
			log.Info("job finished elsewhere before completion write")
			return nil
		}
		return o.fail(ctx, job, newFailure(KindInfra, CodeStorageUnavailable, "mark completed", err))
	}

	o.cleanupAudio(ctx, job, log)
	log.Info("job completed", "transcript_chars", len(text))
	return nil
}

// fail persists the classified error before propagating it, so the status
// API shows the outcome even if the transport's retries are later
// exhausted silently. The audio object is released on terminal failures.
func (o *Orchestrator) fail(ctx context.Context, job *model.TranscriptionJob, f *Failure) error {
	log := o.logger.With("job_id", job.ID)
	if err := o.store.MarkFailed(ctx, job.ID, f.Code, f.Message); err != nil {
		if errors.Is(err, repository.ErrTerminal) {
			log.Info("job already terminal, not overwriting failure")
			return nil
		}
		log.Error("persist failure state", "err", err, "code", f.Code)
	}
	o.cleanupAudio(ctx, job, log)
	log.Error("job failed", "code", f.Code, "kind", f.Kind, "err", f)
	return f
}

// cleanupAudio deletes the input object best-effort. Failures are logged
// only; they never change the job outcome.
func (o *Orchestrator) cleanupAudio(ctx context.Context, job *model.TranscriptionJob, log *slog.Logger) {
	if job.AudioKey == "" {
		return
	}
	if err := o.blobs.Delete(ctx, job.AudioKey); err != nil {
		log.Warn("delete audio object", "audio_key", job.AudioKey, "err", err)
	}
}

// Preview returns the first ~150 characters of text plus an ellipsis when
// truncated. Rune-safe so multibyte transcripts are not cut mid-character.
func Preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= previewLimit {
		return string(runes)
	}
	return string(runes[:previewLimit]) + "…"
}
