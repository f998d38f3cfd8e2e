package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DCGM/docbroker/internal/domain"
)

// JobConfig carries the lifecycle knobs the store needs for the retry
// sweeper and lease computation.
type JobConfig struct {
	Timeout      time.Duration
	TimeoutGrace time.Duration
	MaxAttempts  int
}

// Store is the PostgreSQL-backed persistence layer. All state-changing job
// operations run inside a transaction with a row-level exclusive lock on
// the job, so per-job operations are linearizable.
type Store struct {
	pool   *pgxpool.Pool
	jobCfg JobConfig
}

// NewStore opens a pgx pool against an already-migrated database.
func NewStore(ctx context.Context, dsn string, jobCfg JobConfig, poolCfg DBConfig) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if poolCfg.MaxOpenConns > 0 {
		cfg.MaxConns = int32(poolCfg.MaxOpenConns)
	}
	if poolCfg.MaxIdleConns > 0 {
		cfg.MinConns = int32(poolCfg.MaxIdleConns)
	}
	if poolCfg.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = poolCfg.ConnMaxLifetime
	}
	if poolCfg.ConnMaxIdleTime > 0 {
		cfg.MaxConnIdleTime = poolCfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, jobCfg: jobCfg}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const jobColumns = `id, owner_key_id, worker_key_id, engine_id, definition,
	alto_required, page_required, meta_json_required, meta_json_uploaded,
	state, progress, previous_attempts,
	created_date, started_date, last_change, finished_date, log, log_user`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var log, logUser *string
	err := row.Scan(
		&j.ID, &j.OwnerKeyID, &j.WorkerKeyID, &j.EngineID, &j.Definition,
		&j.AltoRequired, &j.PageRequired, &j.MetaJSONRequired, &j.MetaJSONUploaded,
		&j.State, &j.Progress, &j.PreviousAttempts,
		&j.Created, &j.Started, &j.LastChange, &j.Finished, &log, &logUser,
	)
	if err != nil {
		return nil, err
	}
	if log != nil {
		j.Log = *log
	}
	if logUser != nil {
		j.LogUser = *logUser
	}
	return &j, nil
}

const imageColumns = `id, job_id, name, image_order, imagehash,
	image_uploaded, alto_uploaded, page_uploaded`

func scanImage(row rowScanner) (*domain.Image, error) {
	var img domain.Image
	err := row.Scan(
		&img.ID, &img.JobID, &img.Name, &img.Order, &img.ImageHash,
		&img.ImageUploaded, &img.AltoUploaded, &img.PageUploaded,
	)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

const keyColumns = `id, key_hash, label, role, active, created_date, last_used`

func scanKey(row rowScanner) (*domain.Key, error) {
	var k domain.Key
	err := row.Scan(&k.ID, &k.KeyHash, &k.Label, &k.Role, &k.Active, &k.Created, &k.LastUsed)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

const engineColumns = `id, name, version, definition, is_default, active, created_date, last_used`

func scanEngine(row rowScanner) (*domain.Engine, error) {
	var e domain.Engine
	err := row.Scan(&e.ID, &e.Name, &e.Version, &e.Definition, &e.Default, &e.Active, &e.Created, &e.LastUsed)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
