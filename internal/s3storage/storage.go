package s3storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/echoscribe/echoscribe/internal/blob"
	"github.com/echoscribe/echoscribe/internal/config"
)

const (
	getAttempts = 3
	// First wait 250ms, then 500ms, then give up: roughly 1.5s of total
	// patience for an eventually consistent backend to catch up.
	getBackoffStep = 250 * time.Millisecond
)

// Storage wraps MinIO/S3 interactions for audio inputs and transcript
// outputs. It satisfies both blob.Store and blob.HandleIssuer.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
	}, nil
}

var (
	_ blob.Store        = (*Storage)(nil)
	_ blob.HandleIssuer = (*Storage)(nil)
)

// EnsureBucket makes sure the bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// IssueUploadHandle validates the content type against the audio allow-list
// and returns a presigned PUT URL plus the derived object key. No job record
// exists yet at this point.
func (s *Storage) IssueUploadHandle(ctx context.Context, fileName, contentType string, ttl time.Duration) (*blob.UploadHandle, error) {
	if !blob.AllowedAudio(contentType, fileName) {
		return nil, fmt.Errorf("unsupported content type %q for %q", contentType, fileName)
	}
	objectKey := blob.AudioKey(fileName, time.Now())
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectKey, ttl)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &blob.UploadHandle{
		URL:       u.String(),
		ObjectKey: objectKey,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

// Put uploads an object.
func (s *Storage) Put(ctx context.Context, objectKey string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// Get fetches an object, retrying a bounded number of times before
// declaring blob.ErrNotFound.
func (s *Storage) Get(ctx context.Context, objectKey string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= getAttempts; attempt++ {
		data, err := s.getOnce(ctx, objectKey)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isNoSuchKey(err) {
			return nil, err
		}
		if attempt < getAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * getBackoffStep):
			}
		}
	}
	return nil, fmt.Errorf("object %s: %w (last: %v)", objectKey, blob.ErrNotFound, lastErr)
}

func (s *Storage) getOnce(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	return buf, nil
}

// Exists checks object presence without downloading it.
func (s *Storage) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	return true, nil
}

// Delete removes an object. Callers treat failures as best-effort.
func (s *Storage) Delete(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", objectKey, err)
	}
	return nil
}

// PresignTranscriptURL returns a signed GET URL for a transcript object.
func (s *Storage) PresignTranscriptURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign transcript: %w", err)
	}
	return u.String(), nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
	}
	return false
}
