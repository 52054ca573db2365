package bridge

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/dukex/aether/pkg/models"
)

// ApplierSource is the host-side applier for structured steps. It may only import json and bpy.
//
//go:embed applier.py
var ApplierSource string

// StepScript renders the safe-mode script for a structured step: the applier source followed by
// the step's payload and the dispatch call. The payload travels as a JSON string literal, which
// is also a valid python string literal.
func StepScript(step models.Step) (string, error) {
	if step.Type != models.StepTypeNodeTree && step.Type != models.StepTypeGnOps {
		return "", fmt.Errorf("no host applier for %s steps", step.Type)
	}

	payload, err := json.Marshal(step.Payload())
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", step.Type, err)
	}

	payloadLiteral, err := json.Marshal(string(payload))
	if err != nil {
		return "", err
	}

	stepLiteral, err := json.Marshal(step.ID)
	if err != nil {
		return "", err
	}

	typeLiteral, err := json.Marshal(string(step.Type))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`%s

_STEP_ID = %s
_STEP_TYPE = %s
_PAYLOAD = json.loads(%s)

APPLIERS[_STEP_TYPE](_STEP_ID, _PAYLOAD)
`, ApplierSource, stepLiteral, typeLiteral, payloadLiteral), nil
}
