package persistence_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestRunError(t *testing.T) {
	t.Parallel()

	t.Run("unwraps to the sentinel", func(t *testing.T) {
		err := persistence.NewRunError("RunByID", "run_1", persistence.ErrRunNotFound)

		assert.True(t, persistence.IsRunNotFound(err))
		assert.True(t, errors.Is(fmt.Errorf("outer: %w", err), persistence.ErrRunNotFound))
		assert.False(t, errors.Is(err, persistence.ErrInvalidRunID))
	})

	t.Run("message contains context", func(t *testing.T) {
		err := persistence.NewRunError("SaveRun", "run_2", persistence.ErrInvalidRunID)

		assert.Contains(t, err.Error(), "SaveRun")
		assert.Contains(t, err.Error(), "run_2")
		assert.Contains(t, err.Error(), "invalid run id")
	})
}

func TestSortNewestFirst(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []*models.Run{
		{ID: "run_a", CreatedAt: base},
		{ID: "run_c", CreatedAt: base.Add(time.Minute)},
		{ID: "run_b", CreatedAt: base},
	}

	persistence.SortNewestFirst(runs)

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}

	assert.Equal(t, []string{"run_c", "run_b", "run_a"}, ids)
}
