// Package repository implements the record store for transcription jobs.
package repository

import (
	"context"
	"errors"

	"github.com/echoscribe/echoscribe/internal/model"
)

// ErrNotFound is returned when no job exists for the requested id.
var ErrNotFound = errors.New("transcription not found")

// ErrTerminal is returned by mutation helpers when the job already reached
// completed or failed. Callers treat it as "someone else finished first".
var ErrTerminal = errors.New("transcription already terminal")

// CreateInput carries the fields the creation API supplies; everything else
// (status, progress, timestamps) is owned by the store.
type CreateInput struct {
	ID       string
	AudioKey string
	Filename string
	Source   model.Source
	Metadata map[string]string
}

// Store is the persistence contract shared by the postgres repository and
// the in-memory store. All mutation helpers enforce the lifecycle rules:
// terminal rows are never rewritten and progress never decreases.
type Store interface {
	Create(ctx context.Context, in CreateInput) (*model.TranscriptionJob, error)
	Get(ctx context.Context, id string) (*model.TranscriptionJob, error)
	// MarkStarted claims the job for processing. It only succeeds while the
	// job is pending or already processing (crash recovery); claiming a
	// terminal job returns ErrTerminal.
	MarkStarted(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, preview, transcript string) error
	MarkFailed(ctx context.Context, id, code, message string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	FindByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.TranscriptionJob, error)
}
