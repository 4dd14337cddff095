// Package blob defines the object storage contract the pipeline depends on,
// plus the key-derivation policy shared by every backend.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an object key does not exist, after the
// backend's read-retry budget is exhausted.
var ErrNotFound = errors.New("object not found")

// Store is the minimal surface the pipeline needs. The MinIO backend adds
// presigning on top; the local-directory backend serves standalone mode and
// tests.
type Store interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error
	// Get retries a bounded number of times before declaring ErrNotFound to
	// absorb replication lag in eventually consistent blob stores.
	Get(ctx context.Context, objectKey string) ([]byte, error)
	Exists(ctx context.Context, objectKey string) (bool, error)
	// Delete is best-effort; callers log failures and move on.
	Delete(ctx context.Context, objectKey string) error
}

// UploadHandle is a presigned upload slot issued before a job is created.
type UploadHandle struct {
	URL       string    `json:"uploadUrl"`
	ObjectKey string    `json:"objectKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleIssuer is implemented by backends that can hand out presigned
// uploads. Standalone mode has none and the API answers 501 there.
type HandleIssuer interface {
	IssueUploadHandle(ctx context.Context, fileName, contentType string, ttl time.Duration) (*UploadHandle, error)
}
