package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TaskTranscriptionRequested is scheduled each time a transcription job
	// is created.
	TaskTranscriptionRequested = "transcription:requested"

	// EventTranscriptionRequested is the wire-level event type inside the
	// payload. Consumers reject anything else.
	EventTranscriptionRequested = "transcription.requested"

	// maxRetry bounds transport redelivery for infra failures. Terminal
	// outcomes short-circuit via asynq.SkipRetry regardless.
	maxRetry = 3
)

// RequestedPayload is the complete message schema: a pointer to the job,
// never a denormalized snapshot. The consumer always re-reads current truth
// from the record store.
type RequestedPayload struct {
	EventType       string `json:"eventType"`
	TranscriptionID string `json:"transcriptionId"`
}

// Enqueuer abstracts the transport so the API can run against asynq or the
// in-process queue.
type Enqueuer interface {
	EnqueueTranscription(ctx context.Context, transcriptionID string) error
}

// AsynqEnqueuer publishes transcription tasks onto the redis-backed queue.
type AsynqEnqueuer struct {
	client *asynq.Client
}

// NewAsynqEnqueuer wraps an asynq client.
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client}
}

var _ Enqueuer = (*AsynqEnqueuer)(nil)

// EnqueueTranscription enqueues the pointer message.
func (e *AsynqEnqueuer) EnqueueTranscription(ctx context.Context, transcriptionID string) error {
	data, err := json.Marshal(RequestedPayload{
		EventType:       EventTranscriptionRequested,
		TranscriptionID: transcriptionID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TaskTranscriptionRequested, data)
	if _, err := e.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry)); err != nil {
		return fmt.Errorf("enqueue transcription task: %w", err)
	}
	return nil
}
