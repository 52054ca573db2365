// Package python executes PYTHON steps against the live host session.
package python

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/executors"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
)

const (
	ArtifactName = "python_step.txt"

	snippetLength = 256
)

type Executor struct {
	executors.Base

	payload *models.PythonPayload
}

func (e *Executor) Run(ctx context.Context, sc *protocol.StepContext) error {
	code := strings.TrimSpace(e.payload.Code)
	if code == "" {
		return fmt.Errorf("PYTHON step %s must include code", sc.Step.ID)
	}

	mode := strings.ToLower(strings.TrimSpace(e.payload.Mode))
	if mode == "" {
		mode = models.PythonModeSafe
	}

	path, err := executors.WriteArtifact(sc, ArtifactName, []byte(code))
	if err != nil {
		return err
	}

	req := protocol.BridgeRequest{Code: code, Mode: mode}
	if e.payload.TimeoutMs != nil {
		req.TimeoutMs = *e.payload.TimeoutMs
	}

	if _, err := sc.Bridge.Execute(ctx, sc, req); err != nil {
		return err
	}

	if err := sc.LogEvent(ctx, events.ProtocolPython, map[string]any{
		"mode":    mode,
		"snippet": Snippet(code),
	}); err != nil {
		return err
	}

	return sc.AddArtifact(ctx, models.ArtifactKindPython, path, "Python code captured for step "+sc.Step.ID)
}

// Snippet shortens code for event payloads.
func Snippet(code string) string {
	runes := []rune(code)
	if len(runes) <= snippetLength {
		return code
	}

	return string(runes[:snippetLength]) + "..."
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() models.StepType {
	return models.StepTypePython
}

func (*Factory) Name() string {
	return "Python script"
}

func (*Factory) Create(step models.Step) (protocol.StepExecutor, error) {
	if step.Python == nil {
		return nil, fmt.Errorf("step %s has no PYTHON payload", step.ID)
	}

	return &Executor{payload: step.Python}, nil
}
