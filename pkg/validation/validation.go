// Package validation enforces the protocol plan schema on untrusted, model-authored plans.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/dukex/aether/pkg/models"
)

const (
	DefaultMaxSteps            = 25
	DefaultMaxPythonCodeLength = 20000
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,79}$`)

// Options bound the size of an accepted plan. Zero values use the defaults.
type Options struct {
	MaxSteps            int
	MaxPythonCodeLength int
}

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}

	if o.MaxPythonCodeLength <= 0 {
		o.MaxPythonCodeLength = DefaultMaxPythonCodeLength
	}

	return o
}

// IsSafeStepID reports whether id can be used as a single filesystem path segment.
func IsSafeStepID(id string) bool {
	return stepIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// ValidatePlan checks input against the plan schema and returns a freshly built plan.
// input may be a string, []byte, json.RawMessage or an already decoded value.
// Errors are *taxonomy.Error values carrying the code and the offending path.
func ValidatePlan(input any, opts Options) (*models.Plan, error) {
	opts = opts.withDefaults()

	parsed, err := parseInput(input)
	if err != nil {
		return nil, err
	}

	root, ok := parsed.(map[string]any)
	if !ok {
		return nil, fail(CodeEnvelopeInvalid, "root", "Protocol envelope must be an object")
	}

	if key, found := unknownKey(root, "version", "steps", "done", "final_message", "meta"); found {
		return nil, fail(CodeUnknownField, "root", "Unknown field %q at root", key)
	}

	if version, ok := root["version"].(string); !ok || version != models.ProtocolVersion {
		return nil, fail(CodeVersionInvalid, "root.version", "Protocol version must be %q", models.ProtocolVersion)
	}

	steps, ok := root["steps"].([]any)
	if !ok {
		return nil, fail(CodeStepsInvalid, "root.steps", "Protocol steps must be an array")
	}

	if len(steps) > opts.MaxSteps {
		return nil, fail(CodeStepsLimitExceeded, "root.steps", "Protocol steps exceed max of %d", opts.MaxSteps)
	}

	done, ok := root["done"].(bool)
	if !ok {
		return nil, fail(CodeDoneInvalid, "root.done", "Protocol done must be a boolean")
	}

	finalMessage, ok := nonEmptyString(root["final_message"])
	if !ok {
		return nil, fail(CodeFinalMessageInvalid, "root.final_message", "Protocol final_message is required")
	}

	meta, ok := root["meta"].(map[string]any)
	if !ok {
		return nil, fail(CodeMetaInvalid, "root.meta", "Protocol meta must be an object")
	}

	if key, found := unknownKey(meta, "requires_gate_verification"); found {
		return nil, fail(CodeMetaInvalid, "root.meta", "Unknown field %q at root.meta", key)
	}

	requiresGate, ok := meta["requires_gate_verification"].(bool)
	if !ok {
		return nil, fail(CodeMetaInvalid, "root.meta.requires_gate_verification", "meta.requires_gate_verification must be a boolean")
	}

	plan := &models.Plan{
		Version:      models.ProtocolVersion,
		Steps:        make([]models.Step, 0, len(steps)),
		Done:         done,
		FinalMessage: finalMessage,
		Meta:         models.PlanMeta{RequiresGateVerification: requiresGate},
	}

	seen := make(map[string]bool, len(steps))

	for i, raw := range steps {
		step, err := validateStep(raw, i, opts)
		if err != nil {
			return nil, err
		}

		if seen[step.ID] {
			return nil, fail(CodeStepIDInvalid, fmt.Sprintf("steps[%d].id", i), "Duplicate step id %q", step.ID)
		}

		seen[step.ID] = true
		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

func parseInput(input any) (any, error) {
	var data []byte

	switch v := input.(type) {
	case nil:
		return nil, fail(CodeJSONParse, "root", "Protocol response is empty")
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		return input, nil
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fail(CodeJSONParse, "root", "Protocol response is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var parsed any
	if err := decoder.Decode(&parsed); err != nil {
		return nil, fail(CodeJSONParse, "root", "Protocol response is not valid JSON")
	}

	if decoder.More() {
		return nil, fail(CodeJSONParse, "root", "Protocol response has trailing data")
	}

	return parsed, nil
}

func validateStep(raw any, index int, opts Options) (models.Step, error) {
	path := fmt.Sprintf("steps[%d]", index)

	obj, ok := raw.(map[string]any)
	if !ok {
		return models.Step{}, fail(CodeStepInvalid, path, "Step at %s must be an object", path)
	}

	if key, found := unknownKey(obj, "id", "type", "description", "payload"); found {
		return models.Step{}, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	id, ok := nonEmptyString(obj["id"])
	if !ok {
		return models.Step{}, fail(CodeStepInvalid, path+".id", "Step id is required at %s.id", path)
	}

	if !IsSafeStepID(id) {
		return models.Step{}, fail(CodeStepIDInvalid, path+".id", "Step id contains unsupported characters at %s.id", path)
	}

	description, ok := nonEmptyString(obj["description"])
	if !ok {
		return models.Step{}, fail(CodeStepInvalid, path+".description", "Step description is required at %s.description", path)
	}

	typeName, ok := nonEmptyString(obj["type"])
	if !ok {
		return models.Step{}, fail(CodeStepTypeInvalid, path+".type", "Step type is required at %s.type", path)
	}

	stepType := models.StepType(typeName)
	if !slices.Contains(models.StepTypes, stepType) {
		return models.Step{}, fail(CodeStepTypeInvalid, path+".type", "Unsupported step type %q", typeName)
	}

	payloadPath := path + ".payload"

	payload, ok := obj["payload"].(map[string]any)
	if !ok {
		return models.Step{}, fail(CodePayloadInvalid, payloadPath, "Step payload is required at %s", payloadPath)
	}

	step := models.Step{ID: id, Type: stepType, Description: description}

	var err error

	switch stepType {
	case models.StepTypeNodeTree:
		step.NodeTree, err = validateNodeTree(payload, payloadPath)
	case models.StepTypeGnOps:
		step.GnOps, err = validateGnOps(payload, payloadPath)
	case models.StepTypePython:
		step.Python, err = validatePython(payload, payloadPath, opts.MaxPythonCodeLength)
	}

	if err != nil {
		return models.Step{}, err
	}

	return step, nil
}

func validatePython(payload map[string]any, path string, maxCodeLength int) (*models.PythonPayload, error) {
	if key, found := unknownKey(payload, "mode", "code", "timeout_ms"); found {
		return nil, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	mode := models.PythonModeSafe

	if raw, present := payload["mode"]; present {
		value, ok := raw.(string)
		if !ok || (value != models.PythonModeSafe && value != models.PythonModeTrusted) {
			return nil, fail(CodePythonModeInvalid, path+".mode", `PYTHON payload.mode must be "safe" or "trusted"`)
		}

		mode = value
	}

	code, ok := nonEmptyString(payload["code"])
	if !ok {
		return nil, fail(CodePayloadInvalid, path+".code", "PYTHON payload.code is required")
	}

	if len([]rune(code)) > maxCodeLength {
		return nil, fail(CodePythonCodeLengthExceed, path+".code", "PYTHON payload.code exceeds max length of %d", maxCodeLength)
	}

	out := &models.PythonPayload{Mode: mode, Code: code}

	if raw, present := payload["timeout_ms"]; present {
		timeout, ok := integer(raw)
		if !ok {
			return nil, fail(CodePayloadInvalid, path+".timeout_ms", "PYTHON payload.timeout_ms must be an integer")
		}

		out.TimeoutMs = &timeout
	}

	return out, nil
}

// unknownKey returns the first key of obj, in sorted order, that is not allowed.
func unknownKey(obj map[string]any, allowed ...string) (string, bool) {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	for _, key := range keys {
		if !slices.Contains(allowed, key) {
			return key, true
		}
	}

	return "", false
}

// nonEmptyString returns the value when it is a string with non-blank content.
func nonEmptyString(value any) (string, bool) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}

	return s, true
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func integer(value any) (int64, bool) {
	f, ok := number(value)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, false
	}

	return int64(f), true
}

// plainValue converts json.Number leaves into float64 or int64 so typed payloads hold plain Go values.
func plainValue(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}

		f, _ := v.Float64()

		return f
	case int:
		return int64(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = plainValue(item)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = plainValue(item)
		}

		return out
	default:
		return v
	}
}
