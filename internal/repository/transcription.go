package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echoscribe/echoscribe/internal/model"
)

// TranscriptionRepository wraps all SQL used by the API and the worker.
type TranscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewTranscriptionRepository constructs a repository.
func NewTranscriptionRepository(pool *pgxpool.Pool) *TranscriptionRepository {
	return &TranscriptionRepository{pool: pool}
}

var _ Store = (*TranscriptionRepository)(nil)

const jobColumns = `id, status, progress, audio_key, file_name, source,
	transcript_text, preview, error_code, error_message, metadata,
	created_at, started_at, completed_at, updated_at`

// Create inserts a pending job with progress 0.
func (r *TranscriptionRepository) Create(ctx context.Context, in CreateInput) (*model.TranscriptionJob, error) {
	now := time.Now().UTC()
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
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
	_, err = r.pool.Exec(ctx, `
		INSERT INTO transcriptions (id, status, progress, audio_key, file_name, source, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, job.ID, job.Status, job.Progress, job.AudioKey, job.Filename, job.Source, meta, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transcription: %w", err)
	}
	return job, nil
}

// Get returns a job by id.
func (r *TranscriptionRepository) Get(ctx context.Context, id string) (*model.TranscriptionJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcriptions WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select transcription: %w", err)
	}
	return job, nil
}

// MarkStarted claims the job: conditional update so a consumer racing against
// an already-terminal row performs no write. started_at is set only once so
// crash-recovery reprocessing keeps the original claim time.
func (r *TranscriptionRepository) MarkStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE transcriptions
		SET status=$1,
			progress = GREATEST(progress, 5),
			started_at = COALESCE(started_at, $2),
			updated_at=$2
		WHERE id=$3 AND status IN ($4,$5)
	`, model.StatusProcessing, now, id, model.StatusPending, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.zeroRowReason(ctx, id)
	}
	return nil
}

// MarkCompleted stores the transcript, preview and final progress.
func (r *TranscriptionRepository) MarkCompleted(ctx context.Context, id, preview, transcript string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE transcriptions
		SET status=$1, progress=100, transcript_text=$2, preview=$3,
			completed_at=$4, updated_at=$4
		WHERE id=$5 AND status NOT IN ($6,$7)
	`, model.StatusCompleted, transcript, preview, now, id, model.StatusCompleted, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.zeroRowReason(ctx, id)
	}
	return nil
}

// MarkFailed records the error pair. The transcript stays null so the
// status<->field invariants hold.
func (r *TranscriptionRepository) MarkFailed(ctx context.Context, id, code, message string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE transcriptions
		SET status=$1, error_code=$2, error_message=$3, completed_at=$4, updated_at=$4
		WHERE id=$5 AND status NOT IN ($6,$7)
	`, model.StatusFailed, code, message, now, id, model.StatusCompleted, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.zeroRowReason(ctx, id)
	}
	return nil
}

// UpdateProgress raises progress on a non-terminal job. GREATEST keeps the
// value monotonic even when duplicate consumers report out of order.
func (r *TranscriptionRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE transcriptions
		SET progress = GREATEST(progress, $1), updated_at=$2
		WHERE id=$3 AND status NOT IN ($4,$5)
	`, progress, now, id, model.StatusCompleted, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.zeroRowReason(ctx, id)
	}
	return nil
}

// FindByStatus lists jobs in a given state, oldest first. Used for
// monitoring, not by the pipeline itself.
func (r *TranscriptionRepository) FindByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.TranscriptionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM transcriptions
		WHERE status=$1 ORDER BY created_at ASC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("select by status: %w", err)
	}
	defer rows.Close()
	var jobs []*model.TranscriptionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcription: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcriptions: %w", err)
	}
	return jobs, nil
}

// zeroRowReason distinguishes "id missing" from "row already terminal" after
// a conditional update touched nothing.
func (r *TranscriptionRepository) zeroRowReason(ctx context.Context, id string) error {
	var status model.JobStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM transcriptions WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check transcription state: %w", err)
	}
	if status.Terminal() {
		return ErrTerminal
	}
	return ErrNotFound
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.TranscriptionJob, error) {
	var (
		job        model.TranscriptionJob
		transcript sql.NullString
		errCode    sql.NullString
		errMsg     sql.NullString
		preview    sql.NullString
		started    sql.NullTime
		completed  sql.NullTime
		meta       []byte
	)
	if err := row.Scan(&job.ID, &job.Status, &job.Progress, &job.AudioKey, &job.Filename, &job.Source,
		&transcript, &preview, &errCode, &errMsg, &meta,
		&job.CreatedAt, &started, &completed, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if transcript.Valid {
		text := transcript.String
		job.TranscriptText = &text
	}
	job.Preview = preview.String
	if errCode.Valid {
		job.Error = &model.ErrorDetail{Code: errCode.String, Message: errMsg.String}
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &job, nil
}
