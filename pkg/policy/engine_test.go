package policy

import (
	"testing"

	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	engine, err := NewEngine(t.Context())
	require.NoError(t, err)

	return engine
}

func TestAssertCommandAllowed(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name     string
		command  string
		expected string
		code     string
	}{
		{name: "ping", command: "ping", expected: "ping"},
		{name: "normalized", command: "  Validate_Addon ", expected: "validate_addon"},
		{name: "exec python", command: "exec_python", expected: "exec_python"},
		{name: "empty", command: "   ", code: taxonomy.CodeRPCCommandRequired},
		{name: "unsupported", command: "delete_everything", code: taxonomy.CodeRPCCommandUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.AssertCommandAllowed(t.Context(), tt.command)
			if tt.code != "" {
				require.Error(t, err)
				assert.Equal(t, tt.code, taxonomy.CodeOf(err))
				assert.Equal(t, 400, taxonomy.StatusOf(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestAssertCommandAllowed_UnsupportedMessage(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.AssertCommandAllowed(t.Context(), "shutdown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported RPC command: shutdown")
}

func TestAssertExecPythonAllowed(t *testing.T) {
	engine := newTestEngine(t)

	t.Run("defaults to safe", func(t *testing.T) {
		out, err := engine.AssertExecPythonAllowed(t.Context(), map[string]any{"code": "print(1)"}, false)
		require.NoError(t, err)
		assert.Equal(t, "safe", out["mode"])
		assert.Equal(t, "print(1)", out["code"])
	})

	t.Run("does not mutate input", func(t *testing.T) {
		in := map[string]any{"code": "x", "mode": " SAFE "}
		out, err := engine.AssertExecPythonAllowed(t.Context(), in, false)
		require.NoError(t, err)
		assert.Equal(t, "safe", out["mode"])
		assert.Equal(t, " SAFE ", in["mode"])
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := engine.AssertExecPythonAllowed(t.Context(), map[string]any{"mode": "root"}, true)
		require.Error(t, err)
		assert.Equal(t, taxonomy.CodeRPCExecPythonInvalidMode, taxonomy.CodeOf(err))
		assert.Equal(t, 400, taxonomy.StatusOf(err))
	})

	t.Run("trusted disabled", func(t *testing.T) {
		_, err := engine.AssertExecPythonAllowed(t.Context(), map[string]any{"mode": "trusted"}, false)
		require.Error(t, err)
		assert.Equal(t, taxonomy.CodeRPCExecPythonTrustedBlocked, taxonomy.CodeOf(err))
		assert.Equal(t, 403, taxonomy.StatusOf(err))
	})

	t.Run("trusted enabled", func(t *testing.T) {
		out, err := engine.AssertExecPythonAllowed(t.Context(), map[string]any{"mode": "trusted"}, true)
		require.NoError(t, err)
		assert.Equal(t, "trusted", out["mode"])
	})
}

func TestNewEngineWithPolicy_InvalidModule(t *testing.T) {
	_, err := NewEngineWithPolicy(t.Context(), "package aether.rpc\n\nthis is not rego")
	require.Error(t, err)
}

func TestExtractAPIKey(t *testing.T) {
	assert.Equal(t, "abc", ExtractAPIKey(" abc ", "Bearer other"))
	assert.Equal(t, "tok", ExtractAPIKey("", "Bearer tok"))
	assert.Equal(t, "tok", ExtractAPIKey("", "bearer   tok"))
	assert.Equal(t, "raw", ExtractAPIKey("", "raw"))
	assert.Empty(t, ExtractAPIKey("", ""))
}

func TestAuthorized(t *testing.T) {
	assert.True(t, Authorized("", ""))
	assert.True(t, Authorized("anything", "  "))
	assert.True(t, Authorized("secret", "secret"))
	assert.False(t, Authorized("wrong", "secret"))
	assert.False(t, Authorized("", "secret"))
}
