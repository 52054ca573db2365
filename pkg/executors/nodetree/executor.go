// Package nodetree executes NODE_TREE steps: edits to a named geometry node group.
package nodetree

import (
	"context"
	"fmt"

	"github.com/dukex/aether/pkg/bridge"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/executors"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
)

const ArtifactName = "node_tree_state.json"

type Executor struct {
	executors.Base

	payload *models.NodeTreePayload
}

func (e *Executor) Run(ctx context.Context, sc *protocol.StepContext) error {
	state := NewState(e.payload.Target)
	if err := state.Apply(e.payload.Operations); err != nil {
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

	if err := sc.LogEvent(ctx, events.ProtocolNodeTree, map[string]any{
		"summary":      fmt.Sprintf("Applied %d operation(s) to NODE_TREE target.", len(e.payload.Operations)),
		"operations":   len(e.payload.Operations),
		"nodeCount":    len(state.Nodes),
		"linkCount":    len(state.Links),
		"target":       state.Target,
		"artifactPath": path,
	}); err != nil {
		return err
	}

	return sc.AddArtifact(ctx, models.ArtifactKindNodeTree, path, "Node tree snapshot for step "+sc.Step.ID)
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() models.StepType {
	return models.StepTypeNodeTree
}

func (*Factory) Name() string {
	return "Node tree edit"
}

func (*Factory) Create(step models.Step) (protocol.StepExecutor, error) {
	if step.NodeTree == nil {
		return nil, fmt.Errorf("step %s has no NODE_TREE payload", step.ID)
	}

	return &Executor{payload: step.NodeTree}, nil
}
