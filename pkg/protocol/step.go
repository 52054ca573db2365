// Package protocol defines the contracts between the protocol executor, the typed step executors and the run that hosts them.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
)

// StepExecutorFactory creates executors for one step type.
type StepExecutorFactory interface {
	// ID returns the step type this factory handles
	ID() models.StepType

	// Name returns the human-readable name of the step type
	Name() string

	// Create returns a fresh executor for one step
	Create(step models.Step) (StepExecutor, error)
}

// StepExecutor applies one validated step. Prepare and Run are raced against
// run cancellation; Cancel is best effort after a failure; Cleanup always runs.
type StepExecutor interface {
	Prepare(ctx context.Context, sc *StepContext) error
	Run(ctx context.Context, sc *StepContext) error
	Cancel(ctx context.Context, sc *StepContext) error
	Cleanup(ctx context.Context, sc *StepContext) error
}

// CancelHandler escalates a cancellation while a step is in flight.
type CancelHandler func(ctx context.Context) error

// RunHooks is how the executor layer writes into the run it is executing for.
// Implementations serialize every mutation of the run record.
type RunHooks interface {
	StartStep(ctx context.Context, stepID, name string) error
	CompleteStep(ctx context.Context, stepID, name string, extra map[string]any) error
	FailStep(ctx context.Context, stepID string, err error) error
	AppendEvent(ctx context.Context, eventType events.EventType, data map[string]any) error
	AddArtifact(ctx context.Context, artifact models.Artifact) error

	// ExecuteWithCancellation runs fn and returns RUN_CANCELLED as soon as the
	// run is cancelled, whether or not fn has returned.
	ExecuteWithCancellation(ctx context.Context, fn func(ctx context.Context) error) error

	// RegisterCancelHandler adds a handler invoked when the run is cancelled.
	// The returned function removes it once the step settles.
	RegisterCancelHandler(handler CancelHandler) (unregister func())

	RecordSpan(ctx context.Context, span Span) error
}

// Span describes a finished unit of work recorded as a trace_span run event.
type Span struct {
	Name       string
	Component  string
	StepID     string
	StartedAt  time.Time
	EndedAt    time.Time
	Attributes map[string]any
	Err        error
}

// BridgeRequest is a script execution against the live host session.
type BridgeRequest struct {
	Code      string
	Mode      string
	TimeoutMs int64
}

// Bridge applies step scripts to the active host session.
type Bridge interface {
	// Execute returns (nil, nil) when no session is active; the skip is reported as a run event.
	Execute(ctx context.Context, sc *StepContext, req BridgeRequest) (map[string]any, error)
}

// StepContext is everything an executor needs for one step.
type StepContext struct {
	RunID       string
	RunDir      string
	ArtifactDir string
	Step        models.Step
	Settings    models.Settings
	Hooks       RunHooks
	Bridge      Bridge
	Logger      *slog.Logger
}

// LogEvent appends a run event tagged with the step id.
func (sc *StepContext) LogEvent(ctx context.Context, eventType events.EventType, data map[string]any) error {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}

	payload["stepId"] = sc.Step.ID

	return sc.Hooks.AppendEvent(ctx, eventType, payload)
}

// AddArtifact records an artifact produced by the step.
func (sc *StepContext) AddArtifact(ctx context.Context, kind models.ArtifactKind, path, description string) error {
	return sc.Hooks.AddArtifact(ctx, models.Artifact{
		Kind:        kind,
		StepID:      sc.Step.ID,
		Path:        path,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}
