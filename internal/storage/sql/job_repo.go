package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
)

// CreateJob inserts the job and its images in one transaction. The engine
// reference is resolved first: an explicit name (and optional version) must
// match an active engine; otherwise the default active engine is used when
// one exists.
func (s *Store) CreateJob(ctx context.Context, ownerKeyID uuid.UUID, params broker.CreateJobParams) (*domain.Job, error) {
	var job *domain.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		engineID, err := resolveEngine(ctx, tx, params.EngineName, params.EngineVersion)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		jobID := uuid.New()

		row := tx.QueryRow(ctx, `
			INSERT INTO jobs (id, owner_key_id, engine_id, definition,
				alto_required, page_required, meta_json_required,
				state, progress, previous_attempts, created_date, last_change)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'new', 0, 0, $8, $8)
			RETURNING `+jobColumns,
			jobID, ownerKeyID, engineID, params.Definition,
			params.AltoRequired, params.PageRequired, params.MetaJSONRequired, now)

		job, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		for _, img := range params.Images {
			_, err := tx.Exec(ctx, `
				INSERT INTO images (id, job_id, name, image_order)
				VALUES ($1, $2, $3, $4)`,
				uuid.New(), jobID, img.Name, img.Order)
			if err != nil {
				return fmt.Errorf("failed to insert image %q: %w", img.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func resolveEngine(ctx context.Context, tx pgx.Tx, name, version *string) (*uuid.UUID, error) {
	if name == nil {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM engines
			WHERE is_default AND active
			ORDER BY created_date DESC
			LIMIT 1`).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up default engine: %w", err)
		}
		return &id, nil
	}

	query := `SELECT id, active FROM engines WHERE name = $1`
	args := []any{*name}
	if version != nil {
		query += ` AND version = $2`
		args = append(args, *version)
	}
	query += ` ORDER BY created_date DESC`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up engine: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var id uuid.UUID
		var active bool
		if err := rows.Scan(&id, &active); err != nil {
			return nil, fmt.Errorf("failed to scan engine: %w", err)
		}
		found = true
		if active {
			return &id, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read engines: %w", err)
	}
	if found {
		return nil, domain.ErrEngineInactive
	}
	return nil, domain.ErrEngineNotFound
}

// GetJob returns the job or domain.ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally restricted to an owner.
func (s *Store) ListJobs(ctx context.Context, ownerKeyID *uuid.UUID) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if ownerKeyID != nil {
		query += ` WHERE owner_key_id = $1`
		args = append(args, *ownerKeyID)
	}
	query += ` ORDER BY created_date DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// CancelJob moves a non-terminal job to CANCELLED under a row lock.
// Progress is preserved; finished and last_change are stamped.
func (s *Store) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var state domain.ProcessingState
		err := tx.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}

		if state.Terminal() {
			return domain.StateConflict(domain.ErrUncancellable, state)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET state = 'cancelled', finished_date = $2, last_change = $2
			WHERE id = $1`, jobID, now)
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		return nil
	})
}

// TryQueueJob promotes NEW -> QUEUED when every required artifact is in.
// The readiness predicate is evaluated inside the UPDATE itself so that
// interleaved uploads cannot observe partial readiness. Promotion touches
// the referenced engine's last_used.
func (s *Store) TryQueueJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	promoted := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET state = 'queued', last_change = $2
			WHERE id = $1
			  AND state = 'new'
			  AND (NOT meta_json_required OR meta_json_uploaded)
			  AND NOT EXISTS (
				SELECT 1 FROM images
				WHERE images.job_id = jobs.id AND NOT images.image_uploaded)
			  AND (NOT alto_required OR NOT EXISTS (
				SELECT 1 FROM images
				WHERE images.job_id = jobs.id AND NOT images.alto_uploaded))
			  AND (NOT page_required OR NOT EXISTS (
				SELECT 1 FROM images
				WHERE images.job_id = jobs.id AND NOT images.page_uploaded))
			RETURNING engine_id`, jobID, now)

		var engineID *uuid.UUID
		err := row.Scan(&engineID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to queue job: %w", err)
		}
		promoted = true

		if engineID != nil {
			_, err = tx.Exec(ctx, `UPDATE engines SET last_used = $2 WHERE id = $1`, *engineID, now)
			if err != nil {
				return fmt.Errorf("failed to touch engine: %w", err)
			}
		}
		return nil
	})
	return promoted, err
}

// ListImages returns the job's images in page order, or ErrJobNotFound.
func (s *Store) ListImages(ctx context.Context, jobID uuid.UUID) ([]*domain.Image, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return nil, domain.ErrJobNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+imageColumns+` FROM images
		WHERE job_id = $1
		ORDER BY image_order ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []*domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read images: %w", err)
	}
	return images, nil
}

// GetImageByName returns the named image of a job or ErrImageNotFound.
func (s *Store) GetImageByName(ctx context.Context, jobID uuid.UUID, name string) (*domain.Image, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+imageColumns+` FROM images
		WHERE job_id = $1 AND name = $2`, jobID, name)
	img, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

// GetImageByID returns the image by id scoped to the job.
func (s *Store) GetImageByID(ctx context.Context, jobID, imageID uuid.UUID) (*domain.Image, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+imageColumns+` FROM images
		WHERE id = $1 AND job_id = $2`, imageID, jobID)
	img, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

// MarkImageUploaded flips the artifact flag for one image and reports
// whether it was already set (a re-upload).
func (s *Store) MarkImageUploaded(ctx context.Context, imageID uuid.UUID, kind broker.ArtifactKind, imagehash *string) (bool, error) {
	var column string
	switch kind {
	case broker.KindImage:
		column = "image_uploaded"
	case broker.KindAlto:
		column = "alto_uploaded"
	case broker.KindPage:
		column = "page_uploaded"
	default:
		return false, fmt.Errorf("%w: unknown artifact kind %q", domain.ErrInvalidInput, kind)
	}

	set := column + ` = TRUE`
	args := []any{imageID}
	if imagehash != nil {
		set += `, imagehash = $2`
		args = append(args, *imagehash)
	}

	// RETURNING sees the updated row, so the pre-update flag is read
	// through a locked self-join.
	var already bool
	err := s.pool.QueryRow(ctx, `
		UPDATE images SET `+set+`
		FROM (SELECT id, `+column+` AS was FROM images WHERE id = $1 FOR UPDATE) prev
		WHERE images.id = prev.id
		RETURNING prev.was`, args...).Scan(&already)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrImageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark %s uploaded: %w", kind, err)
	}
	return already, nil
}

// MarkMetaJSONUploaded flips the job-level metadata flag and reports
// whether it was already set.
func (s *Store) MarkMetaJSONUploaded(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var already bool
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET meta_json_uploaded = TRUE
		FROM (SELECT id, meta_json_uploaded AS was FROM jobs WHERE id = $1 FOR UPDATE) prev
		WHERE jobs.id = prev.id
		RETURNING prev.was`, jobID).Scan(&already)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark metadata uploaded: %w", err)
	}
	return already, nil
}
