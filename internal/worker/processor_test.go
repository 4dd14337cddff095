package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/processing"
	"github.com/echoscribe/echoscribe/internal/queue"
	"github.com/echoscribe/echoscribe/internal/repository"
)

// scriptedOrchestrator applies a fixed outcome to the store when invoked.
type scriptedOrchestrator struct {
	store repository.Store
	// outcome runs instead of the real pipeline; nil means complete the job.
	outcome func(ctx context.Context, id string) error
	calls   int
}

func (s *scriptedOrchestrator) Process(ctx context.Context, id string) error {
	s.calls++
	if s.outcome != nil {
		return s.outcome(ctx, id)
	}
	if err := s.store.MarkStarted(ctx, id); err != nil {
		return err
	}
	return s.store.MarkCompleted(ctx, id, "hello world", "hello world")
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (r *recordingNotifier) Send(_ context.Context, recipient, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, recipient+": "+text)
	return r.err
}

func requestedTask(t *testing.T, id string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.RequestedPayload{
		EventType:       queue.EventTranscriptionRequested,
		TranscriptionID: id,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(queue.TaskTranscriptionRequested, payload)
}

func seedJob(t *testing.T, store repository.Store, source model.Source, meta map[string]string) *model.TranscriptionJob {
	t.Helper()
	job, err := store.Create(context.Background(), repository.CreateInput{
		ID:       "job-1",
		AudioKey: "audio/k",
		Filename: "voice.ogg",
		Source:   source,
		Metadata: meta,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestHandleMalformedPayloadSkipsRetry(t *testing.T) {
	store := repository.NewMemoryStore()
	p := NewProcessor(store, &scriptedOrchestrator{store: store}, &recordingNotifier{}, nil)
	err := p.HandleTranscriptionRequested(context.Background(), asynq.NewTask(queue.TaskTranscriptionRequested, []byte("{not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
}

func TestHandleUnknownEventTypeSkipsRetry(t *testing.T) {
	store := repository.NewMemoryStore()
	p := NewProcessor(store, &scriptedOrchestrator{store: store}, &recordingNotifier{}, nil)
	payload, _ := json.Marshal(queue.RequestedPayload{EventType: "transcription.deleted", TranscriptionID: "x"})
	err := p.HandleTranscriptionRequested(context.Background(), asynq.NewTask(queue.TaskTranscriptionRequested, payload))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
}

func TestHandleMissingRecordSkipsRetry(t *testing.T) {
	store := repository.NewMemoryStore()
	orch := &scriptedOrchestrator{store: store}
	p := NewProcessor(store, orch, &recordingNotifier{}, nil)
	err := p.HandleTranscriptionRequested(context.Background(), requestedTask(t, "ghost"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
	if orch.calls != 0 {
		t.Fatalf("orchestrator invoked for missing record")
	}
}

func TestHandleSuccessNotifiesChatRecipient(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, model.SourceChat, map[string]string{"chat_id": "777"})
	notifier := &recordingNotifier{}
	p := NewProcessor(store, &scriptedOrchestrator{store: store}, notifier, nil)

	if err := p.HandleTranscriptionRequested(context.Background(), requestedTask(t, "job-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("messages = %v, want one", notifier.messages)
	}
	if !strings.HasPrefix(notifier.messages[0], "777: ") || !strings.Contains(notifier.messages[0], "hello world") {
		t.Fatalf("message = %q", notifier.messages[0])
	}
}

func TestHandleSuccessWebJobDoesNotNotify(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, model.SourceWeb, nil)
	notifier := &recordingNotifier{}
	p := NewProcessor(store, &scriptedOrchestrator{store: store}, notifier, nil)

	if err := p.HandleTranscriptionRequested(context.Background(), requestedTask(t, "job-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(notifier.messages) != 0 {
		t.Fatalf("web job must not notify: %v", notifier.messages)
	}
}

func TestHandleNotifierErrorDoesNotFailDelivery(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, model.SourceChat, map[string]string{"chat_id": "777"})
	notifier := &recordingNotifier{err: errors.New("telegram down")}
	p := NewProcessor(store, &scriptedOrchestrator{store: store}, notifier, nil)

	if err := p.HandleTranscriptionRequested(context.Background(), requestedTask(t, "job-1")); err != nil {
		t.Fatalf("notifier error leaked into delivery outcome: %v", err)
	}
}

func TestHandleDomainFailureSkipsRetry(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, model.SourceChat, map[string]string{"chat_id": "777"})
	notifier := &recordingNotifier{}
	orch := &scriptedOrchestrator{store: store, outcome: func(ctx context.Context, id string) error {
		if err := store.MarkFailed(ctx, id, processing.CodeNoSpeech, "no speech detected"); err != nil {
			return err
		}
		return &processing.Failure{Code: processing.CodeNoSpeech, Kind: processing.KindDomain}
	}}
	p := NewProcessor(store, orch, notifier, nil)

	err := p.HandleTranscriptionRequested(context.Background(), requestedTask(t, "job-1"))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("domain failure must not be redelivered: %v", err)
	}
	if len(notifier.messages) != 1 || !strings.Contains(notifier.messages[0], processing.CodeNoSpeech) {
		t.Fatalf("failure notification = %v", notifier.messages)
	}
}

func TestHandleInfraFailureIsRedelivered(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, model.SourceWeb, nil)
	orch := &scriptedOrchestrator{store: store, outcome: func(ctx context.Context, id string) error {
		if err := store.MarkFailed(ctx, id, processing.CodeStorageUnavailable, "s3 down"); err != nil {
			return err
		}
		return &processing.Failure{Code: processing.CodeStorageUnavailable, Kind: processing.KindInfra}
	}}
	p := NewProcessor(store, orch, &recordingNotifier{}, nil)

	err := p.HandleTranscriptionRequested(context.Background(), requestedTask(t, "job-1"))
	if err == nil {
		t.Fatalf("infra failure must return an error for redelivery")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("infra failure must stay retryable: %v", err)
	}
}

func TestHandleDuplicateDeliveryIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	seedJob(t, store, model.SourceChat, map[string]string{"chat_id": "777"})
	notifier := &recordingNotifier{}
	orch := &scriptedOrchestrator{store: store}
	p := NewProcessor(store, orch, notifier, nil)

	if err := p.HandleTranscriptionRequested(ctx, requestedTask(t, "job-1")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := p.HandleTranscriptionRequested(ctx, requestedTask(t, "job-1")); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if orch.calls != 1 {
		t.Fatalf("orchestrator invoked %d times, want 1", orch.calls)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("duplicate delivery repeated the notification: %v", notifier.messages)
	}
}

func TestHandleInterruptedPipelineIsRedelivered(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, model.SourceWeb, nil)
	orch := &scriptedOrchestrator{store: store, outcome: func(ctx context.Context, id string) error {
		// Claimed but no terminal outcome persisted, like a provider timeout
		// racing a crash.
		return store.MarkStarted(ctx, id)
	}}
	p := NewProcessor(store, orch, &recordingNotifier{}, nil)

	err := p.HandleTranscriptionRequested(context.Background(), requestedTask(t, "job-1"))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("non-terminal outcome must be retryable, got %v", err)
	}
}
