// Package persistence provides the storage abstraction for run records.
package persistence

import (
	"context"
	"slices"

	"github.com/dukex/aether/pkg/models"
)

// RunStore keeps run snapshots. SaveRun is an idempotent upsert keyed by run id.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)
	Runs(ctx context.Context) ([]*models.Run, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// SortNewestFirst orders runs by creation time, newest first, breaking ties by id.
func SortNewestFirst(runs []*models.Run) {
	slices.SortFunc(runs, func(a, b *models.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})
}
