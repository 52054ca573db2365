package web

import (
	"strings"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/policy"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/gofiber/fiber/v3"
)

const (
	auditActorRequest = "request"
	auditSourceAPI    = "api"
)

func (h *APIHandlers) expectedAPIKey() string {
	if key := strings.TrimSpace(h.apiKey); key != "" {
		return key
	}

	return h.settings.Get().ServerAPIKey
}

// RequireAPIKey rejects requests without the server API key. Without a configured key every
// request passes. Rejections are written to the audit log.
func (h *APIHandlers) RequireAPIKey(c fiber.Ctx) error {
	provided := policy.ExtractAPIKey(c.Get(policy.APIKeyHeader), c.Get(fiber.HeaderAuthorization))
	if policy.Authorized(provided, h.expectedAPIKey()) {
		return c.Next()
	}

	h.audit(c, audit.EventAuthFailure, map[string]any{
		"method":                 c.Method(),
		"path":                   c.OriginalURL(),
		"hasAuthorizationHeader": c.Get(fiber.HeaderAuthorization) != "",
		"hasAetherApiKeyHeader":  c.Get(policy.APIKeyHeader) != "",
	})

	h.logger.WarnContext(c.Context(), "unauthorized request", "method", c.Method(), "path", c.Path())

	return codedProblem(c, taxonomy.New(taxonomy.CodeAuthFailure, "Unauthorized"))
}

// audit appends a record. Ledger failures never change the response.
func (h *APIHandlers) audit(c fiber.Ctx, eventType string, payload map[string]any) {
	_, err := h.auditor.Append(c.Context(), audit.Entry{
		EventType: eventType,
		Payload:   payload,
		Actor:     auditActorRequest,
		Source:    auditSourceAPI,
	})
	if err != nil {
		h.logger.ErrorContext(c.Context(), "failed to append audit record", "event_type", eventType, "error", err)
	}
}
