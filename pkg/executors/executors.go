// Package executors holds what the typed step executors share.
package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dukex/aether/pkg/protocol"
)

// Base provides no-op lifecycle hooks for executors that only need Run.
type Base struct{}

func (Base) Prepare(context.Context, *protocol.StepContext) error { return nil }

func (Base) Cancel(context.Context, *protocol.StepContext) error { return nil }

func (Base) Cleanup(context.Context, *protocol.StepContext) error { return nil }

// WriteArtifact writes data into the step's artifact directory and returns the file path.
func WriteArtifact(sc *protocol.StepContext, name string, data []byte) (string, error) {
	path := filepath.Join(sc.ArtifactDir, name)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}

	return path, nil
}

// WriteJSONArtifact writes v as indented JSON into the step's artifact directory.
func WriteJSONArtifact(sc *protocol.StepContext, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact %s: %w", name, err)
	}

	return WriteArtifact(sc, name, data)
}
