// Package gnops executes GN_OPS steps: the compact geometry nodes operation list.
package gnops

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/aether/pkg/bridge"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/executors"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
)

const ArtifactName = "gn_ops_state.json"

type Executor struct {
	executors.Base

	payload *models.GnOpsPayload
}

func (e *Executor) Run(ctx context.Context, sc *protocol.StepContext) error {
	state := NewState(e.payload.Target)
	if err := state.Apply(e.payload.Ops); err != nil {
		return err
	}

	script, err := bridge.StepScript(sc.Step)
	if err != nil {
		return err
	}

	if _, err := sc.Bridge.Execute(ctx, sc, protocol.BridgeRequest{Code: script, Mode: models.PythonModeSafe}); err != nil {
		return err
	}

	path, err := executors.WriteJSONArtifact(sc, ArtifactName, state)
	if err != nil {
		return err
	}

	if err := sc.LogEvent(ctx, events.ProtocolGnOps, map[string]any{
		"summary":      fmt.Sprintf("Applied %d GN_OPS operation(s).", len(e.payload.Ops)),
		"operations":   len(e.payload.Ops),
		"targets":      slices.Sorted(maps.Keys(state.Targets)),
		"nodeCount":    len(state.Nodes),
		"linkCount":    len(state.Links),
		"artifactPath": path,
	}); err != nil {
		return err
	}

	return sc.AddArtifact(ctx, models.ArtifactKindGnOps, path, "GN_OPS snapshot for step "+sc.Step.ID)
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() models.StepType {
	return models.StepTypeGnOps
}

func (*Factory) Name() string {
	return "Geometry nodes operations"
}

func (*Factory) Create(step models.Step) (protocol.StepExecutor, error) {
	if step.GnOps == nil {
		return nil, fmt.Errorf("step %s has no GN_OPS payload", step.ID)
	}

	return &Executor{payload: step.GnOps}, nil
}
