// Package web provides the HTTP API for runs, host sessions, settings and operational endpoints.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/orchestrator"
	"github.com/dukex/aether/pkg/session"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Runs is the run lifecycle service behind the run endpoints.
type Runs interface {
	StartRun(ctx context.Context, req orchestrator.StartRunRequest) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context) ([]*models.Run, error)
	CancelRun(ctx context.Context, id string) (*models.Run, error)
	Health(ctx context.Context) orchestrator.HealthReport
}

// Sessions manages attached host sessions.
type Sessions interface {
	Attach(ctx context.Context, req session.AttachRequest) (*models.Session, error)
	Get(id string) (*models.Session, error)
	List() []models.Session
	Active() *models.Session
	Execute(ctx context.Context, id, command string, payload map[string]any, timeout time.Duration) (any, error)
	Stop(ctx context.Context, id string) (*models.Session, error)
}

// SettingsStore reads and patches runtime settings.
type SettingsStore interface {
	Get() models.Settings
	Update(ctx context.Context, patch json.RawMessage) (models.Settings, error)
}

// Policy guards the RPC proxy.
type Policy interface {
	AssertCommandAllowed(ctx context.Context, command string) (string, error)
	AssertExecPythonAllowed(ctx context.Context, payload map[string]any, allowTrusted bool) (map[string]any, error)
}

// Auditor records security events and verifies the ledger.
type Auditor interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Record, error)
	Verify(ctx context.Context) (*audit.VerifyResult, error)
}

// Subscriber follows the live events of one run.
type Subscriber interface {
	Subscribe(ctx context.Context, runID string) (<-chan events.Envelope, error)
}

// MetricsSource exposes the in-process metrics snapshot.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

// Services groups the collaborators of APIHandlers.
type Services struct {
	Runs     Runs
	Sessions Sessions
	Settings SettingsStore
	Policy   Policy
	Auditor  Auditor
	Events   Subscriber
	Metrics  MetricsSource
	Presets  Presets
}

type APIHandlers struct {
	runs      Runs
	sessions  Sessions
	settings  SettingsStore
	policy    Policy
	auditor   Auditor
	events    Subscriber
	metrics   MetricsSource
	presets   Presets
	validator *validator.Validate
	logger    *slog.Logger

	// apiKey overrides the settings serverApiKey when set.
	apiKey string

	heartbeat time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func NewAPIHandlers(services Services, validator *validator.Validate, apiKey string, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		runs:      services.Runs,
		sessions:  services.Sessions,
		settings:  services.Settings,
		policy:    services.Policy,
		auditor:   services.Auditor,
		events:    services.Events,
		metrics:   services.Metrics,
		presets:   services.Presets,
		validator: validator,
		logger:    logger.With("module", "web"),
		apiKey:    apiKey,
		heartbeat: defaultHeartbeat,
		done:      make(chan struct{}),
	}
}

// Close ends open event streams so the server can shut down.
func (h *APIHandlers) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	runs, err := h.runs.ListRuns(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	if runs == nil {
		runs = []*models.Run{}
	}

	return c.JSON(RunsResponse{Runs: runs})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runs.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(RunResponse{Run: run})
}

func (h *APIHandlers) CreateRun(c fiber.Ctx) error {
	var req orchestrator.StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return invalidJSON(c)
	}

	if err := h.validator.Struct(req); err != nil {
		return validationProblem(c, err)
	}

	run, err := h.runs.StartRun(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	h.logger.InfoContext(c.Context(), "run created", "run_id", run.ID)

	return c.Status(fiber.StatusCreated).JSON(RunResponse{Run: run})
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	run, err := h.runs.CancelRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	h.logger.InfoContext(c.Context(), "run cancel requested", "run_id", run.ID, "status", run.Status)

	return c.JSON(RunResponse{Run: run})
}

func (h *APIHandlers) Health(c fiber.Ctx) error {
	return c.JSON(h.runs.Health(c.Context()))
}

func (h *APIHandlers) GetMetrics(c fiber.Ctx) error {
	return c.JSON(MetricsResponse{Metrics: h.metrics.Snapshot()})
}

func (h *APIHandlers) VerifyAudit(c fiber.Ctx) error {
	result, err := h.auditor.Verify(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}
