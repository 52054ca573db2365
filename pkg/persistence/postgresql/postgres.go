// Package postgresql provides PostgreSQL persistence for run records.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements persistence.RunStore for PostgreSQL. The full run snapshot lives in a
// JSONB column; status and timestamps are mirrored into columns for listing.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// SaveRun upserts the run snapshot.
func (p *Persistence) SaveRun(ctx context.Context, run *models.Run) error {
	if run == nil || run.ID == "" {
		return persistence.NewRunError("SaveRun", "", persistence.ErrInvalidRunID)
	}

	data, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("SaveRun", run.ID, fmt.Errorf("failed to marshal run: %w", err))
	}

	query := `
		INSERT INTO runs (id, status, prompt, model, data, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = p.db.ExecContext(ctx, query,
		run.ID,
		string(run.Status),
		run.Prompt,
		run.Model,
		data,
		run.CreatedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to save run", "run_id", run.ID, "error", err)

		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	return nil
}

// RunByID returns a run by its ID.
func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	var data []byte

	err := p.db.QueryRowContext(ctx, "SELECT data FROM runs WHERE id = $1", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, fmt.Errorf("failed to query run: %w", err))
	}

	return decodeRun(id, data)
}

// Runs returns every run, newest first.
func (p *Persistence) Runs(ctx context.Context) ([]*models.Run, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT id, data FROM runs ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		var (
			id   string
			data []byte
		)

		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run, err := decodeRun(id, data)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

func decodeRun(id string, data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, persistence.NewRunError("RunByID", id, fmt.Errorf("failed to unmarshal run: %w", err))
	}

	return &run, nil
}
