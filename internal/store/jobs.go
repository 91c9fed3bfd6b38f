package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recapio/recap/internal/clock"
	"github.com/recapio/recap/internal/taxonomy"
)

// ErrAlreadyEnqueued is returned when a job already exists for the file.
// Enqueue is idempotent per file; callers treat this as success.
var ErrAlreadyEnqueued = errors.New("store: job already enqueued for file")

// ErrLeaseLost is returned by Heartbeat when the caller no longer holds the
// job: the row was reclaimed, finalized, or reassigned.
var ErrLeaseLost = errors.New("store: job lease lost")

// Enqueue inserts a queued job for the file, runnable immediately.
func (s *Store) Enqueue(ctx context.Context, fileID string) (jobID string, err error) {
	now := s.clock.Now()
	jobID = uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO processing_jobs (
			id, file_id, status, attempts, max_attempts, next_run_at,
			lock_ttl_seconds, created_at, updated_at
		) VALUES ($1,$2,$3,0,$4,$5,$6,$5,$5)`,
		jobID, fileID, JobQueued, DefaultMaxAttempts, now, DefaultLockTTLSeconds,
	)
	if IsUniqueViolation(err) {
		return "", ErrAlreadyEnqueued
	}
	if err != nil {
		return "", fmt.Errorf("store: enqueue job: %w", err)
	}
	return jobID, nil
}

// Claim atomically leases the oldest runnable job for workerID, or returns
// (nil, nil) when the queue is empty. Runnable means queued with next_run_at
// due, or processing with an expired lease (TTL elapsed since the latest
// heartbeat). The claim increments attempts, stamps the lease, and flips the
// file to processing in the same transaction.
func (s *Store) Claim(ctx context.Context, workerID string) (*ClaimedJob, error) {
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, dbError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cj ClaimedJob
	err = tx.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM processing_jobs
			WHERE (status = 'queued' AND next_run_at <= $2)
			   OR (status = 'processing'
			       AND coalesce(heartbeat_at, locked_at)
			           + make_interval(secs => lock_ttl_seconds) < $2)
			ORDER BY next_run_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE processing_jobs j SET
			status       = 'processing',
			attempts     = j.attempts + 1,
			locked_at    = $2,
			locked_by    = $1,
			heartbeat_at = $2,
			updated_at   = $2
		FROM candidate
		WHERE j.id = candidate.id
		RETURNING j.id, j.file_id, j.attempts, j.max_attempts, j.lock_ttl_seconds`,
		workerID, now,
	).Scan(&cj.JobID, &cj.FileID, &cj.Attempts, &cj.MaxAttempts, &cj.LockTTLSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE files SET
			status              = $2,
			started_at          = $3,
			processing_attempts = processing_attempts + 1,
			updated_at          = $3
		WHERE id = $1
		RETURNING user_id, storage_key_original`,
		cj.FileID, FileProcessing, now,
	).Scan(&cj.UserID, &cj.StorageKey)
	if err != nil {
		return nil, dbError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, dbError(err)
	}
	return &cj, nil
}

// Heartbeat extends the lease on a job the worker believes it holds. A
// zero-row update means someone else owns the row now; the caller must stop
// working on it.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET heartbeat_at=$3, updated_at=$3
		WHERE id=$1 AND status='processing' AND locked_by=$2`,
		jobID, workerID, now,
	)
	if err != nil {
		return dbError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinalizeSuccess marks the job and file succeeded in one transaction,
// clearing the lease and recording the report artifact on the file row.
func (s *Store) FinalizeSuccess(ctx context.Context, jobID, fileID, workerID, storageKeyReport, promptVersion, schemaVersion string) error {
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE processing_jobs SET
			status='succeeded', locked_at=NULL, locked_by=NULL,
			heartbeat_at=NULL, last_error_code=NULL, last_error_message=NULL,
			updated_at=$3
		WHERE id=$1 AND locked_by=$2 AND status='processing'`,
		jobID, workerID, now,
	)
	if err != nil {
		return dbError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	_, err = tx.Exec(ctx, `
		UPDATE files SET
			status=$2, storage_key_report=$3, prompt_version=$4,
			schema_version=$5, error_code=NULL, error_message=NULL,
			processed_at=$6, updated_at=$6
		WHERE id=$1`,
		fileID, FileSucceeded, storageKeyReport, promptVersion, schemaVersion, now,
	)
	if err != nil {
		return dbError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return dbError(err)
	}
	return nil
}

// FailureOutcome reports what FinalizeFailure decided for a failed attempt.
type FailureOutcome struct {
	// Rescheduled is true when the job went back to queued for another
	// attempt; false means the failure is terminal.
	Rescheduled bool

	// NextRunAt is the retry time when Rescheduled.
	NextRunAt int64
}

// FinalizeFailure records a failed attempt. Retriable failures with attempts
// remaining reschedule the job with exponential backoff and return the file
// to queued; anything else is terminal for both rows. The lease check makes
// finalization by a superseded worker a no-op reported as ErrLeaseLost.
func (s *Store) FinalizeFailure(ctx context.Context, jobID, fileID, workerID string, ferr *taxonomy.Error, rnd clock.Rand) (*FailureOutcome, error) {
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, dbError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM processing_jobs
		WHERE id=$1 AND locked_by=$2 AND status='processing'
		FOR UPDATE`,
		jobID, workerID,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, dbError(err)
	}

	code := string(ferr.Code)
	msg := taxonomy.Sanitize(ferr.Message)

	if ferr.Retriable && attempts < maxAttempts {
		nextRun := now.Add(BackoffDelay(attempts, rnd))
		_, err = tx.Exec(ctx, `
			UPDATE processing_jobs SET
				status='queued', locked_at=NULL, locked_by=NULL,
				heartbeat_at=NULL, next_run_at=$2,
				last_error_code=$3, last_error_message=$4, updated_at=$5
			WHERE id=$1`,
			jobID, nextRun, code, msg, now,
		)
		if err != nil {
			return nil, dbError(err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE files SET status=$2, error_code=$3, error_message=$4, updated_at=$5
			WHERE id=$1`,
			fileID, FileQueued, code, msg, now,
		)
		if err != nil {
			return nil, dbError(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, dbError(err)
		}
		return &FailureOutcome{Rescheduled: true, NextRunAt: nextRun.Unix()}, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE processing_jobs SET
			status='failed', locked_at=NULL, locked_by=NULL, heartbeat_at=NULL,
			last_error_code=$2, last_error_message=$3, updated_at=$4
		WHERE id=$1`,
		jobID, code, msg, now,
	)
	if err != nil {
		return nil, dbError(err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE files SET status=$2, error_code=$3, error_message=$4,
			processed_at=$5, updated_at=$5
		WHERE id=$1`,
		fileID, FileFailed, code, msg, now,
	)
	if err != nil {
		return nil, dbError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, dbError(err)
	}
	return &FailureOutcome{Rescheduled: false}, nil
}

// GetJobByFile returns the job row for a file, for diagnostics and tests.
func (s *Store) GetJobByFile(ctx context.Context, fileID string) (*Job, error) {
	var j Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, file_id, status, attempts, max_attempts, next_run_at,
			locked_at, locked_by, heartbeat_at, lock_ttl_seconds,
			last_error_code, last_error_message, created_at, updated_at
		FROM processing_jobs WHERE file_id=$1`,
		fileID,
	).Scan(
		&j.ID, &j.FileID, &j.Status, &j.Attempts, &j.MaxAttempts, &j.NextRunAt,
		&j.LockedAt, &j.LockedBy, &j.HeartbeatAt, &j.LockTTLSeconds,
		&j.LastErrorCode, &j.LastErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job by file: %w", err)
	}
	return &j, nil
}
