package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Handler processes one dequeued task. Both the asynq worker and this queue
// use the same signature, so the consumer protocol is written once.
type Handler func(ctx context.Context, task *asynq.Task) error

// Memory is an in-process queue for the standalone binary: buffered channel,
// worker goroutines, and the same retry contract as the asynq transport
// (errors wrapping asynq.SkipRetry are not redelivered). It is process-local
// and loses messages on restart, which is acceptable for development only.
type Memory struct {
	tasks   chan []byte
	handler Handler
	workers int
	delays  []time.Duration
	logger  *slog.Logger
}

// NewMemory builds the queue with capacity tied to worker count. delays is
// the redelivery backoff schedule; its length is the retry budget.
func NewMemory(handler Handler, workers int, delays []time.Duration, logger *slog.Logger) *Memory {
	if workers <= 0 {
		workers = 1
	}
	if len(delays) == 0 {
		delays = []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		tasks:   make(chan []byte, workers*4),
		handler: handler,
		workers: workers,
		delays:  delays,
		logger:  logger,
	}
}

var _ Enqueuer = (*Memory)(nil)

// Start launches the consumer goroutines.
func (m *Memory) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		go m.worker(ctx)
	}
}

// EnqueueTranscription queues the pointer message. A full buffer is an
// enqueue failure so the caller can mark the record failed instead of
// leaving an orphaned pending job.
func (m *Memory) EnqueueTranscription(ctx context.Context, transcriptionID string) error {
	data, err := json.Marshal(RequestedPayload{
		EventType:       EventTranscriptionRequested,
		TranscriptionID: transcriptionID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	select {
	case m.tasks <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("queue buffer full")
	}
}

func (m *Memory) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-m.tasks:
			m.deliver(ctx, data)
		}
	}
}

// deliver runs the handler with the transport retry policy: redeliver after
// each backoff step, stop on success or a SkipRetry outcome, drop with a
// logged fatal once the budget is spent.
func (m *Memory) deliver(ctx context.Context, data []byte) {
	task := asynq.NewTask(TaskTranscriptionRequested, data)
	var err error
	for attempt := 0; ; attempt++ {
		err = m.handler(ctx, task)
		if err == nil {
			return
		}
		if errors.Is(err, asynq.SkipRetry) {
			m.logger.Warn("task not retried", "err", err)
			return
		}
		if attempt >= len(m.delays) {
			break
		}
		m.logger.Warn("task redelivery scheduled", "attempt", attempt+1, "delay", m.delays[attempt], "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.delays[attempt]):
		}
	}
	m.logger.Error("task dropped after retry budget", "err", err)
}
