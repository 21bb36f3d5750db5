package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is a background job row from the queue.
type Job struct {
	ID          uuid.UUID
	JobType     string
	Payload     []byte
	Status      string
	Priority    int32
	Attempts    int32
	MaxAttempts int32
	ScheduledAt time.Time
}

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts, scheduled_at`

// EnqueueJobParams holds the fields for enqueuing a job.
type EnqueueJobParams struct {
	JobType     string
	Payload     []byte
	Priority    int32
	MaxAttempts int32
	ScheduledAt time.Time
}

// EnqueueJob inserts a new pending job.
func (q *Queries) EnqueueJob(ctx context.Context, params EnqueueJobParams) (Job, error) {
	var j Job
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO jobs (job_type, payload, priority, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		params.JobType, params.Payload, params.Priority, params.MaxAttempts, params.ScheduledAt,
	).Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.ScheduledAt)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// DequeueJob claims the next runnable pending job, locking the row so
// concurrent workers never claim the same job. Returns sql.ErrNoRows when
// the queue is empty.
func (q *Queries) DequeueJob(ctx context.Context) (Job, error) {
	var j Job
	err := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending' AND scheduled_at <= now()
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.ScheduledAt)
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// UpdateJobStarted marks a job as running and counts the attempt.
func (q *Queries) UpdateJobStarted(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, started_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update job started: %w", err)
	}
	return nil
}

// UpdateJobCompleted marks a job as successfully completed.
func (q *Queries) UpdateJobCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update job completed: %w", err)
	}
	return nil
}

// UpdateJobFailedParams holds the fields for recording a job failure.
type UpdateJobFailedParams struct {
	ID           uuid.UUID
	ErrorMessage sql.NullString
	Permanent    bool
}

// UpdateJobFailed records a job failure. Jobs with attempts remaining are
// put back to pending with exponential backoff; exhausted or permanently
// failed jobs are marked failed.
func (q *Queries) UpdateJobFailed(ctx context.Context, params UpdateJobFailedParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = CASE
		        WHEN $3 OR attempts >= max_attempts THEN 'failed'
		        ELSE 'pending'
		    END,
		    scheduled_at = now() + (interval '30 seconds' * power(2, attempts)),
		    error_message = $2
		WHERE id = $1`,
		params.ID, params.ErrorMessage, params.Permanent)
	if err != nil {
		return fmt.Errorf("update job failed: %w", err)
	}
	return nil
}

// RecoverStaleJobs resets running jobs older than the threshold back to
// pending. Called on worker startup to recover from crashes.
func (q *Queries) RecoverStaleJobs(ctx context.Context, thresholdSeconds float64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', started_at = NULL
		WHERE status = 'running'
		  AND started_at < now() - ($1 * interval '1 second')`,
		thresholdSeconds)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return count, nil
}
