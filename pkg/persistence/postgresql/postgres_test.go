package postgresql_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"runs", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("postgres store tests need docker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("aether_test"),
			postgres.WithUsername("aether"),
			postgres.WithPassword("aether"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer db.Close()

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var exists bool

	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.columns
			WHERE table_name = 'runs' AND column_name = 'completed_at'
		)`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPersistence_SaveAndLoadRun(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &models.Run{
		ID:        "run_20260301120000_abcdef",
		Prompt:    "add a cube",
		Model:     "GLM 4.7",
		Status:    models.RunStatusQueued,
		CreatedAt: created,
		UpdatedAt: created,
		Steps:     map[string]*models.StepProgress{},
	}

	require.NoError(t, store.SaveRun(ctx, run))

	completed := created.Add(time.Minute)
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &completed
	run.UpdatedAt = completed

	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))

	second := *run
	second.ID = "run_20260301130000_123456"
	second.CreatedAt = created.Add(time.Hour)
	require.NoError(t, store.SaveRun(ctx, &second))

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
}

func TestPersistence_RunNotFound(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	_, err := store.RunByID(ctx, "run_missing")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
	assert.NoError(t, store.HealthCheck(ctx))
}
