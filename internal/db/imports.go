package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ImportRepository handles import job database operations.
type ImportRepository struct {
	pool *pgxpool.Pool
}

// Create inserts a new PENDING import job.
func (r *ImportRepository) Create(ctx context.Context, job *ImportJob) error {
	query := `
		INSERT INTO import_jobs (id, user_id, file_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query, job.ID, job.UserID, job.FileName, ImportStatusPending).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting import job: %w", err)
	}
	job.Status = ImportStatusPending
	return nil
}

// Get retrieves an import job by id.
func (r *ImportRepository) Get(ctx context.Context, id string) (*ImportJob, error) {
	query := `
		SELECT id, user_id, file_name, status, total_events, processed_events,
		       error_message, started_at, completed_at, created_at, updated_at
		FROM import_jobs
		WHERE id = $1
	`
	var job ImportJob
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.UserID,
		&job.FileName,
		&job.Status,
		&job.TotalEvents,
		&job.ProcessedEvents,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying import job: %w", err)
	}
	return &job, nil
}

// MarkProcessing transitions a job to PROCESSING and stamps its start time.
func (r *ImportRepository) MarkProcessing(ctx context.Context, id string) error {
	query := `
		UPDATE import_jobs
		SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, ImportStatusProcessing)
	if err != nil {
		return fmt.Errorf("marking import processing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SnapshotProgress persists running counters so progress survives a
// process restart. updated_at doubles as the job heartbeat.
func (r *ImportRepository) SnapshotProgress(ctx context.Context, id string, totalEvents, processedEvents int) error {
	query := `
		UPDATE import_jobs
		SET total_events = $2, processed_events = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, totalEvents, processedEvents); err != nil {
		return fmt.Errorf("snapshotting import progress: %w", err)
	}
	return nil
}

// MarkCompleted transitions a job to COMPLETED with its final counts.
func (r *ImportRepository) MarkCompleted(ctx context.Context, id string, totalEvents, processedEvents int) error {
	query := `
		UPDATE import_jobs
		SET status = $2, total_events = $3, processed_events = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, ImportStatusCompleted, totalEvents, processedEvents)
	if err != nil {
		return fmt.Errorf("marking import completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions a job to FAILED with the error message.
func (r *ImportRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE import_jobs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, ImportStatusFailed, errorMessage)
	if err != nil {
		return fmt.Errorf("marking import failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailStale force-fails PROCESSING jobs whose heartbeat has not updated
// within the window, returning the ids it failed.
func (r *ImportRepository) FailStale(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	query := `
		UPDATE import_jobs
		SET status = $1, error_message = 'import worker heartbeat expired',
		    completed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM import_jobs
			WHERE status = $2 AND updated_at < NOW() - $3::interval
			LIMIT $4
		)
		RETURNING id
	`
	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))
	rows, err := r.pool.Query(ctx, query, ImportStatusFailed, ImportStatusProcessing, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failing stale imports: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale import id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
