// Package redis provides Redis persistence for run records.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "aether:run:"
	indexKey  = "aether:runs"
)

// Persistence stores each run as a JSON string under aether:run:<id> and keeps
// a sorted set of ids scored by creation time for listing.
type Persistence struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// NewPersistence connects to the Redis server named by a redis:// or rediss:// URL.
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger = logger.With("module", "redis")
	logger.InfoContext(ctx, "Connected to Redis", "addr", opts.Addr, "db", opts.DB)

	return &Persistence{client: client, logger: logger}, nil
}

// Close closes the client.
func (p *Persistence) Close(_ context.Context) error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

// HealthCheck pings the server.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// SaveRun writes the snapshot and its index entry in one transaction.
func (p *Persistence) SaveRun(ctx context.Context, run *models.Run) error {
	if run == nil || run.ID == "" {
		return persistence.NewRunError("SaveRun", "", persistence.ErrInvalidRunID)
	}

	data, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("SaveRun", run.ID, fmt.Errorf("failed to marshal run: %w", err))
	}

	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, keyPrefix+run.ID, data, 0)
		pipe.ZAdd(ctx, indexKey, goredis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID})

		return nil
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to save run", "run_id", run.ID, "error", err)

		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	return nil
}

// RunByID returns a run by its ID.
func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	data, err := p.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	return decodeRun(id, data)
}

// Runs returns every indexed run, newest first. Index entries whose snapshot vanished are skipped.
func (p *Persistence) Runs(ctx context.Context) ([]*models.Run, error) {
	ids, err := p.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*models.Run, 0, len(ids))
	if len(ids) == 0 {
		return runs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}

	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		run, err := decodeRun(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	persistence.SortNewestFirst(runs)

	return runs, nil
}

func decodeRun(id string, data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, persistence.NewRunError("RunByID", id, fmt.Errorf("failed to unmarshal run: %w", err))
	}

	return &run, nil
}
