// Package worker bridges the at-least-once queue transport to the
// orchestrator: it validates messages, re-reads canonical state, and owes
// the transport-specific notifications the orchestrator stays free of.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/notify"
	"github.com/echoscribe/echoscribe/internal/processing"
	"github.com/echoscribe/echoscribe/internal/queue"
	"github.com/echoscribe/echoscribe/internal/repository"
)

// metaChatID is the metadata key chat transports populate with the
// recipient id. Absence simply means no notification is owed.
const metaChatID = "chat_id"

// Orchestrator is the slice of the processing package the consumer needs.
type Orchestrator interface {
	Process(ctx context.Context, id string) error
}

// Processor is plugged into the asynq worker loop (and reused verbatim by
// the in-memory queue in standalone mode).
type Processor struct {
	store        repository.Store
	orchestrator Orchestrator
	notifier     notify.Notifier
	logger       *slog.Logger
}

// NewProcessor constructs a queue consumer.
func NewProcessor(store repository.Store, orchestrator Orchestrator, notifier notify.Notifier, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, orchestrator: orchestrator, notifier: notifier, logger: logger}
}

// Handler registers the transcription task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTranscriptionRequested, p.HandleTranscriptionRequested)
	return mux
}

// HandleTranscriptionRequested processes one queue message. Returned errors
// trigger the transport's redelivery policy unless they wrap
// asynq.SkipRetry, which marks a terminal outcome.
func (p *Processor) HandleTranscriptionRequested(ctx context.Context, task *asynq.Task) error {
	var payload queue.RequestedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.EventType != queue.EventTranscriptionRequested {
		return fmt.Errorf("unknown event type %q: %w", payload.EventType, asynq.SkipRetry)
	}
	log := p.logger.With("job_id", payload.TranscriptionID)

	// Load the record first to recover transport metadata; the message
	// itself carries nothing but the pointer.
	job, err := p.store.Get(ctx, payload.TranscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("transcription %s missing: %w", payload.TranscriptionID, asynq.SkipRetry)
		}
		return fmt.Errorf("load transcription: %w", err)
	}
	if job.Status.Terminal() {
		// Duplicate delivery of a finished job: absorb without reprocessing
		// and without repeating the notification.
		log.Info("dropping duplicate delivery", "status", job.Status)
		return nil
	}

	procErr := p.orchestrator.Process(ctx, payload.TranscriptionID)

	// Canonical read: trust the store, not the in-flight error value, for
	// the externally observable outcome.
	current, err := p.store.Get(ctx, payload.TranscriptionID)
	if err != nil {
		return fmt.Errorf("reload transcription: %w", err)
	}

	switch current.Status {
	case model.StatusCompleted:
		p.notifySuccess(ctx, current, log)
		return nil
	case model.StatusFailed:
		p.notifyFailure(ctx, current, log)
		outcome := procErr
		if outcome == nil {
			outcome = fmt.Errorf("transcription %s failed: %s", current.ID, errorCode(current))
		}
		if !retryable(outcome) {
			return fmt.Errorf("%v: %w", outcome, asynq.SkipRetry)
		}
		return outcome
	default:
		// Not terminal after processing: something interrupted the pipeline
		// without persisting an outcome. Let the transport redeliver.
		if procErr != nil {
			return procErr
		}
		return fmt.Errorf("transcription %s in unexpected state %q after processing", job.ID, current.Status)
	}
}

// notifySuccess sends the preview to chat recipients. Web clients poll the
// status API instead. Failures are logged only so they never mask the
// transcription outcome.
func (p *Processor) notifySuccess(ctx context.Context, job *model.TranscriptionJob, log *slog.Logger) {
	if job.Source != model.SourceChat {
		return
	}
	recipient := job.Meta(metaChatID)
	if recipient == "" {
		log.Warn("chat job without chat_id metadata, skipping notification")
		return
	}
	text := fmt.Sprintf("Transcription of %s is ready:\n\n%s", job.Filename, job.Preview)
	if err := p.notifier.Send(ctx, recipient, text); err != nil {
		log.Error("send success notification", "recipient", recipient, "err", err)
	}
}

// notifyFailure tells the chat recipient the job failed, best-effort.
func (p *Processor) notifyFailure(ctx context.Context, job *model.TranscriptionJob, log *slog.Logger) {
	if job.Source != model.SourceChat {
		return
	}
	recipient := job.Meta(metaChatID)
	if recipient == "" {
		return
	}
	text := fmt.Sprintf("Transcription of %s failed (%s).", job.Filename, errorCode(job))
	if err := p.notifier.Send(ctx, recipient, text); err != nil {
		log.Error("send failure notification", "recipient", recipient, "err", err)
	}
}

func errorCode(job *model.TranscriptionJob) string {
	if job.Error != nil {
		return job.Error.Code
	}
	return "UNKNOWN"
}

// retryable defers to the pipeline's classification and defaults to
// redelivery for errors it does not recognize.
func retryable(err error) bool {
	var f *processing.Failure
	if errors.As(err, &f) {
		return f.Retryable()
	}
	return true
}
