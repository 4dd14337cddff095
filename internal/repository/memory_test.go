package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/echoscribe/echoscribe/internal/model"
)

func newJob(t *testing.T, store *MemoryStore, id string) *model.TranscriptionJob {
	t.Helper()
	job, err := store.Create(context.Background(), CreateInput{
		ID:       id,
		AudioKey: "audio/2026/01/02/" + id + ".mp3",
		Filename: id + ".mp3",
		Source:   model.SourceWeb,
		Metadata: map[string]string{"chat_id": "42"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func TestCreateStartsPending(t *testing.T) {
	store := NewMemoryStore()
	job := newJob(t, store, "a")
	if job.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.Progress != 0 {
		t.Fatalf("progress = %d, want 0", job.Progress)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", job)
	}
	if job.StartedAt != nil || job.CompletedAt != nil {
		t.Fatalf("new job must not carry started/completed timestamps")
	}
	if job.Meta("chat_id") != "42" {
		t.Fatalf("metadata lost on create")
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkStartedTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newJob(t, store, "a")

	if err := store.MarkStarted(ctx, "a"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	job, _ := store.Get(ctx, "a")
	if job.Status != model.StatusProcessing {
		t.Fatalf("status = %s, want processing", job.Status)
	}
	if job.Progress != 5 {
		t.Fatalf("progress = %d, want 5", job.Progress)
	}
	if job.StartedAt == nil {
		t.Fatalf("started_at not set")
	}
	first := *job.StartedAt

	// Claiming again while processing is crash recovery, not an error, and
	// keeps the original start time.
	if err := store.MarkStarted(ctx, "a"); err != nil {
		t.Fatalf("second mark started: %v", err)
	}
	job, _ = store.Get(ctx, "a")
	if !job.StartedAt.Equal(first) {
		t.Fatalf("started_at changed on re-claim")
	}
}

func TestTerminalJobsRejectMutation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newJob(t, store, "done")
	newJob(t, store, "failed")
	if err := store.MarkCompleted(ctx, "done", "hi", "hi there"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.MarkFailed(ctx, "failed", "NO_SPEECH_DETECTED", "no speech"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	for _, id := range []string{"done", "failed"} {
		if err := store.MarkStarted(ctx, id); !errors.Is(err, ErrTerminal) {
			t.Errorf("MarkStarted(%s) = %v, want ErrTerminal", id, err)
		}
		if err := store.MarkCompleted(ctx, id, "x", "x"); !errors.Is(err, ErrTerminal) {
			t.Errorf("MarkCompleted(%s) = %v, want ErrTerminal", id, err)
		}
		if err := store.MarkFailed(ctx, id, "X", "x"); !errors.Is(err, ErrTerminal) {
			t.Errorf("MarkFailed(%s) = %v, want ErrTerminal", id, err)
		}
		if err := store.UpdateProgress(ctx, id, 50); !errors.Is(err, ErrTerminal) {
			t.Errorf("UpdateProgress(%s) = %v, want ErrTerminal", id, err)
		}
	}

	job, _ := store.Get(ctx, "done")
	if job.Status != model.StatusCompleted || job.Progress != 100 {
		t.Fatalf("completed job mutated: %+v", job)
	}
	job, _ = store.Get(ctx, "failed")
	if job.Error == nil || job.Error.Code != "NO_SPEECH_DETECTED" {
		t.Fatalf("failed job lost error detail: %+v", job)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newJob(t, store, "a")
	if err := store.UpdateProgress(ctx, "a", 60); err != nil {
		t.Fatalf("progress 60: %v", err)
	}
	if err := store.UpdateProgress(ctx, "a", 20); err != nil {
		t.Fatalf("progress 20: %v", err)
	}
	job, _ := store.Get(ctx, "a")
	if job.Progress != 60 {
		t.Fatalf("progress = %d, want 60 (stale write ignored)", job.Progress)
	}
}

func TestFindByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		newJob(t, store, fmt.Sprintf("p%d", i))
	}
	newJob(t, store, "done")
	if err := store.MarkCompleted(ctx, "done", "x", "x"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	pending, err := store.FindByStatus(ctx, model.StatusPending, 3)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("len = %d, want limit 3", len(pending))
	}
	completed, _ := store.FindByStatus(ctx, model.StatusCompleted, 0)
	if len(completed) != 1 || completed[0].ID != "done" {
		t.Fatalf("completed = %+v", completed)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	newJob(t, store, "a")
	job, _ := store.Get(ctx, "a")
	job.Status = model.StatusFailed
	job.Metadata["chat_id"] = "tampered"

	fresh, _ := store.Get(ctx, "a")
	if fresh.Status != model.StatusPending {
		t.Fatalf("caller mutated internal state")
	}
	if fresh.Meta("chat_id") != "42" {
		t.Fatalf("caller mutated internal metadata")
	}
}
