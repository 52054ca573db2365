// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/dukex/aether/pkg/models"
)

// CreateTestPlan creates a valid plan with no steps that can be overridden.
func CreateTestPlan(overrides ...func(*models.Plan)) *models.Plan {
	plan := &models.Plan{
		Version:      models.ProtocolVersion,
		Steps:        []models.Step{},
		Done:         true,
		FinalMessage: "done",
	}

	for _, override := range overrides {
		override(plan)
	}

	return plan
}

// WithSteps appends steps to the plan.
func WithSteps(steps ...models.Step) func(*models.Plan) {
	return func(p *models.Plan) {
		p.Steps = append(p.Steps, steps...)
	}
}

// WithGate sets the verification gate flag and the done flag.
func WithGate(required, done bool) func(*models.Plan) {
	return func(p *models.Plan) {
		p.Meta.RequiresGateVerification = required
		p.Done = done
	}
}

// PythonStep builds a safe PYTHON step.
func PythonStep(id, code string) models.Step {
	return models.Step{
		ID:          id,
		Type:        models.StepTypePython,
		Description: "Run python " + id,
		Python:      &models.PythonPayload{Mode: models.PythonModeSafe, Code: code},
	}
}

// NodeTreeStep builds a NODE_TREE step against a default target.
func NodeTreeStep(id string, ops ...models.NodeTreeOp) models.Step {
	return models.Step{
		ID:          id,
		Type:        models.StepTypeNodeTree,
		Description: "Edit node tree " + id,
		NodeTree: &models.NodeTreePayload{
			Target: models.NodeTreeTarget{
				ObjectName:    "Cube",
				ModifierName:  "GeometryNodes",
				NodeGroupName: "Aether",
			},
			Operations: ops,
		},
	}
}

// GnOpsStep builds a GN_OPS step against a default target.
func GnOpsStep(id string, ops ...models.GnOp) models.Step {
	return models.Step{
		ID:          id,
		Type:        models.StepTypeGnOps,
		Description: "Apply geometry nodes ops " + id,
		GnOps: &models.GnOpsPayload{
			V:      1,
			Target: models.GnOpsTarget{ObjectName: "Cube", ModifierName: "GeometryNodes"},
			Ops:    ops,
		},
	}
}

// TestSettings returns settings that pass validation.
func TestSettings(overrides ...func(*models.Settings)) models.Settings {
	s := models.Settings{
		APIKeySourceMode: models.APIKeySourceEnv,
		BlenderPath:      "blender",
		RunMode:          models.RunModeHeadless,
		TimeoutMs:        5000,
		LogVerbosity:     "normal",
		LLMProvider:      "openai",
		LLMModel:         "gpt-test",
		LLMMaxRetries:    0,
	}

	for _, override := range overrides {
		override(&s)
	}

	return s
}
