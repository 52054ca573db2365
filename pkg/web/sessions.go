package web

import (
	"time"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/session"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/gofiber/fiber/v3"
)

const execPythonCommand = "exec_python"

type rpcCall struct {
	command string
	payload map[string]any
	timeout time.Duration
}

func (h *APIHandlers) AttachSession(c fiber.Ctx) error {
	var req session.AttachRequest
	if err := c.Bind().JSON(&req); err != nil {
		return invalidJSON(c)
	}

	if err := h.validator.Struct(req); err != nil {
		return validationProblem(c, err)
	}

	s, err := h.sessions.Attach(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(SessionResponse{Session: s})
}

func (h *APIHandlers) GetSessions(c fiber.Ctx) error {
	return c.JSON(SessionsResponse{Sessions: h.sessions.List()})
}

func (h *APIHandlers) GetActiveSession(c fiber.Ctx) error {
	active := h.sessions.Active()
	if active == nil {
		return codedProblem(c, taxonomy.New(taxonomy.CodeNoActiveSession, ""))
	}

	return c.JSON(SessionResponse{Session: active})
}

func (h *APIHandlers) GetSession(c fiber.Ctx) error {
	s, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(SessionResponse{Session: s})
}

func (h *APIHandlers) StopSession(c fiber.Ctx) error {
	s, err := h.sessions.Stop(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(SessionResponse{Session: s})
}

// SessionRPC proxies one policy-checked command to the session named in the path.
func (h *APIHandlers) SessionRPC(c fiber.Ctx) error {
	return h.proxyRPC(c, c.Params("id"))
}

// ActiveRPC proxies one policy-checked command to the active session.
func (h *APIHandlers) ActiveRPC(c fiber.Ctx) error {
	active := h.sessions.Active()
	if active == nil {
		return codedProblem(c, taxonomy.New(taxonomy.CodeNoActiveSession, ""))
	}

	return h.proxyRPC(c, active.ID)
}

func (h *APIHandlers) proxyRPC(c fiber.Ctx, sessionID string) error {
	call, err := h.parseRPC(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	result, err := h.sessions.Execute(c.Context(), sessionID, call.command, call.payload, call.timeout)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(RPCResponse{SessionID: sessionID, Result: result})
}

// parseRPC decodes an RPC body and runs it through the policy. Blocked commands are audited.
func (h *APIHandlers) parseRPC(c fiber.Ctx) (*rpcCall, error) {
	var req RPCRequest
	if err := c.Bind().JSON(&req); err != nil {
		return nil, taxonomy.New(taxonomy.CodeInvalidJSONBody, "")
	}

	if err := h.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}

	var payload map[string]any

	switch p := req.Payload.(type) {
	case nil:
		payload = map[string]any{}
	case map[string]any:
		payload = p
	default:
		return nil, taxonomy.New(taxonomy.CodeValidationFailed, "payload must be an object when provided.").
			WithPath("payload")
	}

	allowTrusted := h.settings.Get().AllowTrustedPythonExecution

	command, err := h.policy.AssertCommandAllowed(c.Context(), req.Command)
	if err == nil && command == execPythonCommand {
		payload, err = h.policy.AssertExecPythonAllowed(c.Context(), payload, allowTrusted)
	}

	if err != nil {
		h.audit(c, audit.EventRPCCommandBlocked, map[string]any{
			"method":                      c.Method(),
			"path":                        c.OriginalURL(),
			"command":                     req.Command,
			"allowTrustedPythonExecution": allowTrusted,
			"errorCode":                   taxonomy.CodeOf(err),
			"statusCode":                  taxonomy.StatusOf(err),
		})

		h.logger.WarnContext(c.Context(), "rpc command blocked", "command", req.Command, "error", err)

		return nil, err
	}

	call := &rpcCall{command: command, payload: payload}
	if req.TimeoutMs != nil {
		call.timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}

	return call, nil
}
