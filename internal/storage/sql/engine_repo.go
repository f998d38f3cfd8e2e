package sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DCGM/docbroker/internal/application/broker"
	"github.com/DCGM/docbroker/internal/domain"
)

// CreateEngine inserts an engine configuration. A duplicate (name, version)
// pair maps to domain.ErrLabelExists.
func (s *Store) CreateEngine(ctx context.Context, engine *domain.Engine) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engines (id, name, version, definition, is_default, active, created_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		engine.ID, engine.Name, engine.Version, engine.Definition,
		engine.Default, engine.Active, engine.Created)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: engine %s/%s", domain.ErrLabelExists, engine.Name, engine.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	return nil
}

// ListEngines returns engines ordered by name then version.
func (s *Store) ListEngines(ctx context.Context, onlyActive bool) ([]*domain.Engine, error) {
	query := `SELECT ` + engineColumns + ` FROM engines`
	if onlyActive {
		query += ` WHERE active`
	}
	query += ` ORDER BY name, version`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	defer rows.Close()

	var engines []*domain.Engine
	for rows.Next() {
		engine, err := scanEngine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan engine: %w", err)
		}
		engines = append(engines, engine)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read engines: %w", err)
	}
	return engines, nil
}

// UpdateEngine applies a partial update and returns the new record.
func (s *Store) UpdateEngine(ctx context.Context, engineID uuid.UUID, update broker.EngineUpdate) (*domain.Engine, error) {
	var engine *domain.Engine
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+engineColumns+` FROM engines WHERE id = $1 FOR UPDATE`, engineID)
		current, err := scanEngine(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrEngineNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock engine: %w", err)
		}

		isDefault := current.Default
		if update.Default != nil {
			isDefault = *update.Default
		}
		active := current.Active
		if update.Active != nil {
			active = *update.Active
		}

		row = tx.QueryRow(ctx, `
			UPDATE engines SET is_default = $2, active = $3
			WHERE id = $1
			RETURNING `+engineColumns, engineID, isDefault, active)
		engine, err = scanEngine(row)
		if err != nil {
			return fmt.Errorf("failed to update engine: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return engine, nil
}
