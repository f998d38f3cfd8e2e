package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for unique constraints.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateKey inserts a key record. A duplicate label maps to
// domain.ErrLabelExists.
func (s *Store) CreateKey(ctx context.Context, key *domain.Key) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keys (id, key_hash, label, role, active, created_date)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.KeyHash, key.Label, key.Role, key.Active, key.Created)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrLabelExists, key.Label)
	}
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}
	return nil
}

// GetKeyByHash looks a key up by its HMAC digest.
func (s *Store) GetKeyByHash(ctx context.Context, keyHash string) (*domain.Key, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE key_hash = $1`, keyHash)
	key, err := scanKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return key, nil
}

// GetKeyByID returns a key record or domain.ErrKeyNotFound.
func (s *Store) GetKeyByID(ctx context.Context, keyID uuid.UUID) (*domain.Key, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = $1`, keyID)
	key, err := scanKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return key, nil
}

// ListKeys returns all keys ordered by label.
func (s *Store) ListKeys(ctx context.Context) ([]*domain.Key, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+keyColumns+` FROM keys ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}
	return keys, nil
}

// UpdateKey applies a partial update and returns the new record.
func (s *Store) UpdateKey(ctx context.Context, keyID uuid.UUID, update broker.KeyUpdate) (*domain.Key, error) {
	var key *domain.Key
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = $1 FOR UPDATE`, keyID)
		current, err := scanKey(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock key: %w", err)
		}

		label := current.Label
		if update.Label != nil {
			label = *update.Label
		}
		role := current.Role
		if update.Role != nil {
			role = *update.Role
		}
		active := current.Active
		if update.Active != nil {
			active = *update.Active
		}

		row = tx.QueryRow(ctx, `
			UPDATE keys SET label = $2, role = $3, active = $4
			WHERE id = $1
			RETURNING `+keyColumns, keyID, label, role, active)
		key, err = scanKey(row)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrLabelExists, label)
		}
		if err != nil {
			return fmt.Errorf("failed to update key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// TouchKeyLastUsed stamps last_used. Best effort; callers may ignore the
// error.
func (s *Store) TouchKeyLastUsed(ctx context.Context, keyID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE keys SET last_used = $2 WHERE id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("failed to touch key: %w", err)
	}
	return nil
}
