package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/echoscribe/echoscribe/internal/model"
)

// MemoryStore is an in-memory Store guarded by an RWMutex. It backs the
// standalone single-process mode and the test suite; it enforces the same
// lifecycle rules as the postgres repository.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.TranscriptionJob
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.TranscriptionJob)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, in CreateInput) (*model.TranscriptionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job := &model.TranscriptionJob{
		ID:        in.ID,
		Status:    model.StatusPending,
		Progress:  0,
		AudioKey:  in.AudioKey,
		Filename:  in.Filename,
		Source:    in.Source,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[job.ID] = job
	return snapshot(job), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*model.TranscriptionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(job), nil
}

func (m *MemoryStore) MarkStarted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	job.Status = model.StatusProcessing
	if job.Progress < 5 {
		job.Progress = 5
	}
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, id, preview, transcript string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	text := transcript
	job.Status = model.StatusCompleted
	job.Progress = 100
	job.TranscriptText = &text
	job.Preview = preview
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	job.Status = model.StatusFailed
	job.Error = &model.ErrorDetail{Code: code, Message: message}
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FindByStatus(_ context.Context, status model.JobStatus, limit int) ([]*model.TranscriptionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*model.TranscriptionJob
	for _, job := range m.jobs {
		if job.Status == status {
			jobs = append(jobs, snapshot(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// snapshot returns a copy so callers cannot mutate internal state.
func snapshot(job *model.TranscriptionJob) *model.TranscriptionJob {
	out := *job
	if job.TranscriptText != nil {
		text := *job.TranscriptText
		out.TranscriptText = &text
	}
	if job.Error != nil {
		detail := *job.Error
		out.Error = &detail
	}
	if job.Metadata != nil {
		meta := make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	return &out
}
