package sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
)

// sweepStale reclassifies retryable jobs inside the caller's transaction.
// A job is retryable when it sits in ERROR, or in PROCESSING with a
// last_change older than now - (timeout + grace). Jobs with attempt budget
// left go back to QUEUED; the rest are FAILED. The two bulk updates are
// disjoint on previous_attempts, so their order is irrelevant.
func (s *Store) sweepStale(ctx context.Context, tx pgx.Tx, now time.Time) error {
	staleThreshold := now.Add(-(s.jobCfg.Timeout + s.jobCfg.TimeoutGrace))
	maxAttempts := s.jobCfg.MaxAttempts

	const retryable = `(state = 'error' OR (state = 'processing' AND last_change < $1))`

	requeued, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = 'queued', worker_key_id = NULL, progress = 0, last_change = $2
		WHERE `+retryable+` AND COALESCE(previous_attempts, -1) < $3`,
		staleThreshold, now, maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to requeue stale jobs: %w", err)
	}

	failed, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = 'failed', finished_date = $2, last_change = $2, progress = 1.0
		WHERE `+retryable+` AND COALESCE(previous_attempts, -1) >= $3`,
		staleThreshold, now, maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to fail exhausted jobs: %w", err)
	}

	if n := requeued.RowsAffected() + failed.RowsAffected(); n > 0 {
		slog.InfoContext(ctx, "swept stale jobs",
			"requeued", requeued.RowsAffected(),
			"failed", failed.RowsAffected())
	}
	return nil
}

// ClaimJob atomically claims the oldest QUEUED job for the worker. The
// retry sweeper runs first, in the same transaction. Concurrent claimers
// skip rows locked by claims in flight, so every worker sees a distinct
// job. Returns (nil, zero, nil) when the queue is empty.
func (s *Store) ClaimJob(ctx context.Context, workerKeyID uuid.UUID) (*domain.Job, domain.Lease, error) {
	var job *domain.Job
	var lease domain.Lease

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if err := s.sweepStale(ctx, tx, now); err != nil {
			return err
		}

		var jobID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM jobs
			WHERE state = 'queued'
			ORDER BY created_date ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select queued job: %w", err)
		}

		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET state = 'processing',
				worker_key_id = $2,
				started_date = COALESCE(started_date, $3),
				last_change = $3,
				previous_attempts = COALESCE(previous_attempts, 0) + 1
			WHERE id = $1
			RETURNING `+jobColumns, jobID, workerKeyID, now)

		job, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		lease = domain.NewLease(now, s.jobCfg.Timeout)
		return nil
	})
	if err != nil {
		return nil, domain.Lease{}, err
	}
	return job, lease, nil
}

// lockJob selects the job row FOR UPDATE.
func lockJob(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*domain.Job, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return job, nil
}

// Heartbeat renews the lease of a PROCESSING job. A job in any other state
// is rejected without touching last_change.
func (s *Store) Heartbeat(ctx context.Context, jobID uuid.UUID) (domain.Lease, error) {
	var lease domain.Lease
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.State != domain.StateProcessing {
			return domain.StateConflict(domain.ErrNotInProcessing, job.State)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE jobs SET last_change = $2 WHERE id = $1`, jobID, now); err != nil {
			return fmt.Errorf("failed to renew lease: %w", err)
		}
		lease = domain.NewLease(now, s.jobCfg.Timeout)
		return nil
	})
	if err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// appendLog joins old and new log text with a newline unless the existing
// text already ends in one.
func appendLog(existing, added string) string {
	if added == "" {
		return existing
	}
	if existing == "" {
		return added
	}
	if !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	return existing + added
}

// UpdateProgress renews the lease and applies optional progress and log
// appends. Progress is clamped to [0, 1]. Concurrent updates serialize on
// the row lock, so no append is lost.
func (s *Store) UpdateProgress(ctx context.Context, jobID uuid.UUID, update broker.ProgressUpdate) (*domain.Job, domain.Lease, error) {
	var job *domain.Job
	var lease domain.Lease

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if locked.State != domain.StateProcessing {
			return domain.StateConflict(domain.ErrNotInProcessing, locked.State)
		}

		progress := locked.Progress
		if update.Progress != nil {
			progress = min(1.0, max(0.0, *update.Progress))
		}
		log := appendLog(locked.Log, update.Log)
		logUser := appendLog(locked.LogUser, update.LogUser)

		now := time.Now().UTC()
		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET progress = $2, log = $3, log_user = $4, last_change = $5
			WHERE id = $1
			RETURNING `+jobColumns, jobID, progress, log, logUser, now)

		job, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		lease = domain.NewLease(now, s.jobCfg.Timeout)
		return nil
	})
	if err != nil {
		return nil, domain.Lease{}, err
	}
	return job, lease, nil
}

// ReleaseLease returns a PROCESSING job to the queue. The attempt already
// consumed stays consumed; releasing is distinct from cancellation.
func (s *Store) ReleaseLease(ctx context.Context, jobID uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.State != domain.StateProcessing {
			return domain.StateConflict(domain.ErrNotInProcessing, job.State)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET state = 'queued', worker_key_id = NULL, last_change = $2
			WHERE id = $1`, jobID, now)
		if err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
		return nil
	})
}

// CompleteJob moves PROCESSING to DONE and forces progress to 1.0.
// Completing an already-DONE job is reported, not rejected, and leaves
// finished_date untouched.
func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID) (domain.Code, error) {
	var code domain.Code
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.State == domain.StateDone {
			code = domain.CodeJobAlreadyCompleted
			return nil
		}
		if job.State != domain.StateProcessing {
			return domain.StateConflict(domain.ErrNotInProcessing, job.State)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET state = 'done', progress = 1.0, finished_date = $2, last_change = $2
			WHERE id = $1`, jobID, now)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		code = domain.CodeJobCompleted
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// FailJob records a worker-reported failure: PROCESSING -> ERROR. The
// retry sweeper decides later whether the job requeues or fails for good.
// Progress and the last worker reference are preserved for audit.
func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID) (domain.Code, error) {
	var code domain.Code
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.State == domain.StateError || job.State == domain.StateFailed {
			code = domain.CodeJobAlreadyFailed
			return nil
		}
		if job.State != domain.StateProcessing {
			return domain.StateConflict(domain.ErrNotInProcessing, job.State)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET state = 'error', last_change = $2 WHERE id = $1`, jobID, now)
		if err != nil {
			return fmt.Errorf("failed to mark job errored: %w", err)
		}
		code = domain.CodeJobFailed
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}
