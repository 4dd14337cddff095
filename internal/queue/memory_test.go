package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func fastDelays() []time.Duration {
	return []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
}

func TestMemoryDeliversPointerPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	q := NewMemory(func(_ context.Context, task *asynq.Task) error {
		var payload RequestedPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return err
		}
		got.Store(payload)
		return nil
	}, 1, fastDelays(), nil)
	q.Start(ctx)

	if err := q.EnqueueTranscription(ctx, "job-9"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return got.Load() != nil })
	payload := got.Load().(RequestedPayload)
	if payload.EventType != EventTranscriptionRequested || payload.TranscriptionID != "job-9" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestMemoryRetriesUntilBudgetSpent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q := NewMemory(func(context.Context, *asynq.Task) error {
		calls.Add(1)
		return errors.New("storage unavailable")
	}, 1, fastDelays(), nil)
	q.Start(ctx)

	if err := q.EnqueueTranscription(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Initial attempt plus one redelivery per backoff step.
	waitFor(t, func() bool { return calls.Load() == 4 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 4 {
		t.Fatalf("calls = %d after budget spent, want 4", calls.Load())
	}
}

func TestMemorySkipRetryStopsRedelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q := NewMemory(func(context.Context, *asynq.Task) error {
		calls.Add(1)
		return fmt.Errorf("no speech detected: %w", asynq.SkipRetry)
	}, 1, fastDelays(), nil)
	q.Start(ctx)

	if err := q.EnqueueTranscription(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, terminal outcome must not be redelivered", calls.Load())
	}
}

func TestMemoryFullBufferRejectsEnqueue(t *testing.T) {
	// Never started, so nothing drains the channel.
	q := NewMemory(func(context.Context, *asynq.Task) error { return nil }, 1, fastDelays(), nil)
	ctx := context.Background()
	var err error
	for i := 0; i < 16; i++ {
		if err = q.EnqueueTranscription(ctx, fmt.Sprintf("job-%d", i)); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatalf("full buffer must reject enqueue")
	}
}
