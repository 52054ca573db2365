// Package bridge runs protocol steps against the active host session.
package bridge

import (
	"context"
	"time"

	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/session"
)

const (
	DefaultExecTimeout = 120 * time.Second

	execPythonCommand = "exec_python"
)

// Sessions is the part of the session manager the bridge drives.
type Sessions interface {
	Active() *models.Session
	ExecuteOnActive(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (*session.RPCResult, error)
	Stop(ctx context.Context, id string) (*models.Session, error)
}

// Policy gates exec_python payloads.
type Policy interface {
	AssertExecPythonAllowed(ctx context.Context, payload map[string]any, allowTrusted bool) (map[string]any, error)
}

// SessionBridge implements protocol.Bridge on top of the session manager.
type SessionBridge struct {
	sessions Sessions
	policy   Policy
}

func New(sessions Sessions, policy Policy) *SessionBridge {
	return &SessionBridge{sessions: sessions, policy: policy}
}

// Execute runs req.Code with exec_python on the active session. Without a session the step
// is recorded as skipped and nil is returned. While the call is in flight a run cancellation
// stops the session.
func (b *SessionBridge) Execute(ctx context.Context, sc *protocol.StepContext, req protocol.BridgeRequest) (map[string]any, error) {
	active := b.sessions.Active()
	if active == nil {
		return nil, sc.LogEvent(ctx, events.ProtocolRPCSkipped, map[string]any{
			"reason": "no active Blender session",
		})
	}

	mode := req.Mode
	if mode == "" {
		mode = models.PythonModeSafe
	}

	payload, err := b.policy.AssertExecPythonAllowed(ctx, map[string]any{
		"code": req.Code,
		"mode": mode,
	}, sc.Settings.AllowTrustedPythonExecution)
	if err != nil {
		return nil, err
	}

	unregister := sc.Hooks.RegisterCancelHandler(func(cancelCtx context.Context) error {
		_ = sc.LogEvent(cancelCtx, events.ProtocolRPCCancelEscalated, map[string]any{
			"sessionId": active.ID,
		})

		if _, err := b.sessions.Stop(cancelCtx, active.ID); err != nil {
			_ = sc.LogEvent(cancelCtx, events.ProtocolRPCCancelError, map[string]any{
				"sessionId": active.ID,
				"error":     err.Error(),
			})

			return err
		}

		return nil
	})
	defer unregister()

	timeout := DefaultExecTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	res, err := b.sessions.ExecuteOnActive(ctx, execPythonCommand, payload, timeout)
	if err != nil {
		_ = sc.LogEvent(ctx, events.ProtocolRPCError, map[string]any{
			"error": err.Error(),
		})

		return nil, err
	}

	result := map[string]any{"sessionId": res.SessionID, "result": res.Result}

	if err := sc.LogEvent(ctx, events.ProtocolRPCResult, map[string]any{
		"result": res.Result,
	}); err != nil {
		return nil, err
	}

	return result, nil
}
