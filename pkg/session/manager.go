package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/google/uuid"
)

// Host error codes that mean the bridge's safe mode refused a script.
var safeBlockCodes = map[string]bool{
	"SAF_004_BLOCKED_IMPORT":  true,
	"SAF_004_BLOCKED_BUILTIN": true,
}

// Auditor records security-relevant events.
type Auditor interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Record, error)
}

// AttachRequest registers a host process whose RPC bridge is already listening.
type AttachRequest struct {
	Port  int    `json:"port" validate:"required,min=1,max=65535"`
	Token string `json:"token" validate:"required"`
	Mode  string `json:"mode" validate:"omitempty,oneof=headless gui"`
}

// RPCResult is a bridge result tagged with the session that produced it.
type RPCResult struct {
	SessionID string `json:"sessionId"`
	Result    any    `json:"result"`
}

type entry struct {
	session models.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

// Manager owns the set of known sessions.
type Manager struct {
	client  *Client
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewManager(client *Client, auditor Auditor, logger *slog.Logger) *Manager {
	return &Manager{
		client:   client,
		auditor:  auditor,
		logger:   logger.With("module", "session_manager"),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*entry),
	}
}

func newSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]

	return fmt.Sprintf("blender_%d_%s", now.UnixMilli(), suffix)
}

// Attach registers a bridge and probes its health endpoint to decide readiness.
func (m *Manager) Attach(ctx context.Context, req AttachRequest) (*models.Session, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.RunModeGUI
	}

	now := m.now()
	s := models.Session{
		ID:          newSessionID(now),
		Status:      models.SessionStatusRunning,
		Mode:        mode,
		RPCPort:     req.Port,
		RPCToken:    req.Token,
		SupportsRPC: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ready, err := m.client.Ping(ctx, req.Port)
	if err != nil {
		msg := err.Error()
		s.BridgeError = &msg

		m.logger.WarnContext(ctx, "RPC bridge health check failed", "session_id", s.ID, "port", req.Port, "error", err)
	}

	s.RPCReady = ready

	sessionCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sessions[s.ID] = &entry{session: s, ctx: sessionCtx, cancel: cancel}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "session attached", "session_id", s.ID, "port", req.Port, "rpc_ready", ready)

	return &s, nil
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, taxonomy.New(taxonomy.CodeSessionNotFound, "Blender session not found.")
	}

	s := e.session

	return &s, nil
}

// List returns copies of every known session, newest first.
func (m *Manager) List() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}

	slices.SortFunc(out, func(a, b models.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return out
}

// Active returns the most recent running session, or nil.
func (m *Manager) Active() *models.Session {
	for _, s := range m.List() {
		if s.Status == models.SessionStatusRunning {
			return &s
		}
	}

	return nil
}

// Execute sends a command to one session. Stopping the session aborts the call.
func (m *Manager) Execute(ctx context.Context, id, command string, payload map[string]any, timeout time.Duration) (any, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]

	var s models.Session
	if ok {
		s = e.session
	}
	m.mu.RUnlock()

	switch {
	case !ok:
		return nil, taxonomy.New(taxonomy.CodeSessionNotFound, "Blender session not found.")
	case s.Status != models.SessionStatusRunning:
		return nil, taxonomy.New(taxonomy.CodeRPCBridgeError, "Blender session is not running.").WithStatus(409)
	case !s.SupportsRPC || s.RPCPort == 0:
		return nil, taxonomy.New(taxonomy.CodeRPCBridgeError, "Blender session does not support RPC.").WithStatus(400)
	case !s.RPCReady:
		return nil, taxonomy.New(taxonomy.CodeRPCBridgeError, "Blender RPC bridge is not ready yet.").WithStatus(409)
	}

	command = strings.ToLower(strings.TrimSpace(command))

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	m.logger.DebugContext(ctx, "rpc call started", "session_id", id, "command", command)

	result, err := m.client.Call(callCtx, s.RPCPort, s.RPCToken, command, payload, timeout)
	if err != nil {
		m.auditSafeBlock(ctx, s.ID, command, payload, err)
		m.setBridgeError(id, err.Error())

		m.logger.WarnContext(ctx, "rpc call failed", "session_id", id, "command", command, "error", err)

		return nil, err
	}

	return result, nil
}

// ExecuteOnActive sends a command to the active session.
func (m *Manager) ExecuteOnActive(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (*RPCResult, error) {
	active := m.Active()
	if active == nil {
		return nil, taxonomy.New(taxonomy.CodeNoActiveSession, "No active Blender session.")
	}

	result, err := m.Execute(ctx, active.ID, command, payload, timeout)
	if err != nil {
		return nil, err
	}

	return &RPCResult{SessionID: active.ID, Result: result}, nil
}

// Stop detaches a session and aborts its in-flight calls. Stopping twice is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()

	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()

		return nil, taxonomy.New(taxonomy.CodeSessionNotFound, "Blender session not found.")
	}

	if e.session.Status != models.SessionStatusStopped {
		e.session.Status = models.SessionStatusStopping
		e.cancel()
		e.session.Status = models.SessionStatusStopped
		e.session.UpdatedAt = m.now()
	}

	s := e.session
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "session stopped", "session_id", id)

	return &s, nil
}

// Close stops every session.
func (m *Manager) Close(ctx context.Context) {
	for _, s := range m.List() {
		_, _ = m.Stop(ctx, s.ID)
	}
}

func (m *Manager) setBridgeError(id, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[id]; ok {
		e.session.BridgeError = &msg
		e.session.UpdatedAt = m.now()
	}
}

func (m *Manager) auditSafeBlock(ctx context.Context, sessionID, command string, payload map[string]any, err error) {
	if command != "exec_python" || m.auditor == nil {
		return
	}

	mode := models.PythonModeSafe
	if raw, ok := payload["mode"].(string); ok && strings.TrimSpace(raw) != "" {
		mode = strings.ToLower(strings.TrimSpace(raw))
	}

	if mode != models.PythonModeSafe {
		return
	}

	var (
		code   string
		status int
	)

	if coded, ok := asCoded(err); ok {
		code, _ = coded.Details["code"].(string)
		status = coded.StatusCode
	}

	if !safeBlockCodes[code] {
		return
	}

	if _, auditErr := m.auditor.Append(ctx, audit.Entry{
		EventType: audit.EventExecPythonSafeBlocked,
		Payload: map[string]any{
			"sessionId":  sessionID,
			"command":    command,
			"mode":       mode,
			"errorCode":  code,
			"statusCode": status,
			"error":      err.Error(),
		},
		Actor:  "rpc",
		Source: "session_manager",
	}); auditErr != nil {
		m.logger.ErrorContext(ctx, "failed to audit blocked safe exec_python", "session_id", sessionID, "error", auditErr)
	}
}
