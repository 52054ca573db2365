// Package file provides file-based persistence for run records.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/validation"
)

const runsDir = "runs"

// Persistence stores each run as root/runs/<id>.json.
type Persistence struct {
	root string
	mu   sync.RWMutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); err != nil {
		return fmt.Errorf("file store root unavailable: %w", err)
	}

	return nil
}

// SaveRun writes the run snapshot, replacing any earlier one.
func (fp *Persistence) SaveRun(_ context.Context, run *models.Run) error {
	if run == nil || !validation.IsSafeStepID(run.ID) {
		id := ""
		if run != nil {
			id = run.ID
		}

		return persistence.NewRunError("SaveRun", id, persistence.ErrInvalidRunID)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return persistence.NewRunError("SaveRun", run.ID, fmt.Errorf("failed to marshal run: %w", err))
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	dir := filepath.Join(fp.root, runsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	target := filepath.Join(dir, run.ID+".json")
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	return nil
}

// RunByID loads one run. A missing file is ErrRunNotFound.
func (fp *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	if !validation.IsSafeStepID(id) {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	fp.mu.RLock()
	defer fp.mu.RUnlock()

	return fp.read(id)
}

// Runs returns every stored run, newest first.
func (fp *Persistence) Runs(_ context.Context) ([]*models.Run, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	names, err := fs.Glob(os.DirFS(filepath.Join(fp.root, runsDir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}

	runs := make([]*models.Run, 0, len(names))

	for _, name := range names {
		run, err := fp.read(strings.TrimSuffix(name, ".json"))
		if errors.Is(err, persistence.ErrRunNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	persistence.SortNewestFirst(runs)

	return runs, nil
}

func (fp *Persistence) read(id string) (*models.Run, error) {
	body, err := os.ReadFile(filepath.Join(fp.root, runsDir, id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, fmt.Errorf("failed to fetch run: %w", err))
	}

	var run models.Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, persistence.NewRunError("RunByID", id, fmt.Errorf("failed to unmarshal run: %w", err))
	}

	return &run, nil
}
