package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/greenledger/internal/jobs"
)

// JobStore implements jobs.Store on PostgreSQL. FOR UPDATE SKIP LOCKED keeps
// concurrent workers from claiming the same job.
type JobStore struct {
	db *pgxpool.Pool
}

// Compile-time check that JobStore implements jobs.Store.
var _ jobs.Store = (*JobStore)(nil)

// NewJobStore creates a new PostgreSQL-backed job queue.
func NewJobStore(db *pgxpool.Pool) *JobStore {
	return &JobStore{db: db}
}

// Enqueue inserts a pending job.
func (s *JobStore) Enqueue(ctx context.Context, job *jobs.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.JobType, job.Payload, job.Status,
		job.RetryCount, job.MaxRetries, job.ScheduledAt, job.CreatedAt)
	return err
}

// ClaimNext claims the oldest due pending job, or returns nil when none is
// available.
func (s *JobStore) ClaimNext(ctx context.Context, workerID string) (*jobs.Job, error) {
	var job jobs.Job
	err := s.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', claimed_by = $1, claimed_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, status, retry_count, max_retries,
		          COALESCE(last_error, ''), scheduled_at, created_at`,
		workerID).Scan(
		&job.ID, &job.JobType, &job.Payload, &job.Status,
		&job.RetryCount, &job.MaxRetries, &job.LastError,
		&job.ScheduledAt, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// Complete marks a claimed job completed.
func (s *JobStore) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = now() WHERE id = $1`, id)
	return err
}

// Fail records the error. Jobs with retries left go back to pending with a
// one-minute backoff; exhausted jobs stay failed.
func (s *JobStore) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE now() + interval '1 minute' END
		WHERE id = $1`,
		id, errMsg)
	return err
}
