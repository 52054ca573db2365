// Package policy decides which RPC commands and python modes may reach the host bridge.
// Decisions come from a rego module evaluated with OPA.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"maps"
	"strings"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/open-policy-agent/opa/v1/rego"
)

// DefaultPolicy is the embedded RPC policy module.
//
//go:embed rpc.rego
var DefaultPolicy string

// Engine evaluates the RPC policy.
type Engine struct {
	command    rego.PreparedEvalQuery
	execPython rego.PreparedEvalQuery
}

// NewEngine prepares the embedded policy.
func NewEngine(ctx context.Context) (*Engine, error) {
	return NewEngineWithPolicy(ctx, DefaultPolicy)
}

// NewEngineWithPolicy prepares a custom policy module. It must live in package aether.rpc and
// define command_decision and exec_python_decision.
func NewEngineWithPolicy(ctx context.Context, module string) (*Engine, error) {
	command, err := prepare(ctx, "data.aether.rpc.command_decision", module)
	if err != nil {
		return nil, err
	}

	execPython, err := prepare(ctx, "data.aether.rpc.exec_python_decision", module)
	if err != nil {
		return nil, err
	}

	return &Engine{command: command, execPython: execPython}, nil
}

func prepare(ctx context.Context, query, module string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module("rpc.rego", module),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return prepared, nil
}

// NormalizeCommand trims and lower-cases an RPC command name.
func NormalizeCommand(command string) string {
	return strings.ToLower(strings.TrimSpace(command))
}

// AssertCommandAllowed returns the normalized command or a coded policy error.
func (e *Engine) AssertCommandAllowed(ctx context.Context, command string) (string, error) {
	normalized := NormalizeCommand(command)

	if err := e.evaluate(ctx, e.command, map[string]any{"command": normalized}); err != nil {
		return "", err
	}

	return normalized, nil
}

// AssertExecPythonAllowed checks an exec_python payload and returns a copy with mode normalized.
// A missing mode means safe.
func (e *Engine) AssertExecPythonAllowed(ctx context.Context, payload map[string]any, allowTrusted bool) (map[string]any, error) {
	mode := models.PythonModeSafe
	if raw, ok := payload["mode"]; ok && raw != nil {
		mode = strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
	}

	if err := e.evaluate(ctx, e.execPython, map[string]any{"mode": mode, "allow_trusted": allowTrusted}); err != nil {
		return nil, err
	}

	out := maps.Clone(payload)
	if out == nil {
		out = map[string]any{}
	}

	out["mode"] = mode

	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, query rego.PreparedEvalQuery, input map[string]any) error {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return taxonomy.New(taxonomy.CodeInternal, "policy returned no decision")
	}

	decision, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return taxonomy.New(taxonomy.CodeInternal, "policy returned an unexpected decision type")
	}

	if allow, _ := decision["allow"].(bool); allow {
		return nil
	}

	code, _ := decision["code"].(string)
	message, _ := decision["message"].(string)

	if code == "" {
		code = taxonomy.CodeRPCCommandUnsupported
	}

	return taxonomy.New(code, message)
}
