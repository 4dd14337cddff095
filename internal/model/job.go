// Package model contains the transcription job entity shared across packages.
package model

import (
	"time"
)

// JobStatus describes the transcription lifecycle. Transitions only move
// forward: pending -> processing -> completed|failed. Terminal states are
// never left.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is one of the two end states.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Source identifies the transport that created a job. The pipeline itself
// never branches on it; the queue consumer uses it to decide whether a
// synchronous notification is owed.
type Source string

const (
	SourceWeb  Source = "web"
	SourceChat Source = "chat"
)

// ErrorDetail is the persisted failure pair, present iff status=failed.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TranscriptionJob holds one transcription request and its lifecycle state.
// TranscriptText is a pointer so that "not completed yet" and "completed
// with empty text" stay distinguishable; the latter never occurs because a
// blank result fails the job.
type TranscriptionJob struct {
	ID             string            `json:"id"`
	Status         JobStatus         `json:"status"`
	Progress       int               `json:"progress"`
	AudioKey       string            `json:"-"`
	Filename       string            `json:"filename"`
	Source         Source            `json:"source"`
	TranscriptText *string           `json:"-"`
	Preview        string            `json:"preview,omitempty"`
	Error          *ErrorDetail      `json:"error,omitempty"`
	Metadata       map[string]string `json:"-"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Meta returns the metadata value for key, empty when the bag or the key is
// absent. Transports do not populate every key, so missing is never an error.
func (j *TranscriptionJob) Meta(key string) string {
	if j.Metadata == nil {
		return ""
	}
	return j.Metadata[key]
}
