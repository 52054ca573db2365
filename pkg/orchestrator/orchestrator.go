// Package orchestrator owns the lifecycle of runs: it schedules each run on its own goroutine,
// drives the generation, protocol, validation and gate phases, and handles cancellation.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/blender"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/executor"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/otelhelper"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/provider"
	"github.com/dukex/aether/pkg/session"
	"github.com/dukex/aether/pkg/taxonomy"
	"go.opentelemetry.io/otel/trace"
)

// ErrShuttingDown is returned by StartRun once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

const (
	defaultModel        = "default"
	addonDirName        = "addon"
	interruptedMessage  = "Run interrupted before completion."
	defaultValidationMs = 120000
)

// Config locates the files a run reads and writes.
type Config struct {
	// RunsDir holds one directory per run.
	RunsDir string
	// ScaffoldDir is copied into every run. Empty uses the built-in template.
	ScaffoldDir string
	// HarnessPath is the validation script passed to the host binary.
	HarnessPath string
	// WorkDir is the working directory of the host process.
	WorkDir string
}

type SettingsProvider interface {
	Get() models.Settings
}

type Planner interface {
	GenerateProtocolPlan(ctx context.Context, req provider.GenerateRequest) (*provider.PlanResult, error)
	GenerateAddonSpec(ctx context.Context, req provider.GenerateRequest) (*provider.AddonSpecResult, error)
	Ping(ctx context.Context, settings models.Settings) provider.Health
}

type PlanExecutor interface {
	Execute(ctx context.Context, plan *models.Plan, rc executor.RunContext, hooks protocol.RunHooks) error
}

type Sessions interface {
	Active() *models.Session
	ExecuteOnActive(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (*session.RPCResult, error)
	Stop(ctx context.Context, id string) (*models.Session, error)
}

// HostProcess is a launched host binary.
type HostProcess interface {
	Info() blender.Info
	Done() <-chan blender.Result
	Terminate()
}

// HostRunner launches the host binary for the validation fallback.
type HostRunner interface {
	Start(opts blender.Options, onLog func(blender.LogLine)) (HostProcess, error)
}

type Auditor interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Record, error)
	Verify(ctx context.Context) (*audit.VerifyResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, env events.Envelope)
}

// Deps are the collaborators of the orchestrator. Host and Tracer are optional.
type Deps struct {
	Store    persistence.RunStore
	Settings SettingsProvider
	Planner  Planner
	Executor PlanExecutor
	Sessions Sessions
	Host     HostRunner
	Auditor  Auditor
	Hub      Publisher
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

type processRunner struct{}

func (processRunner) Start(opts blender.Options, onLog func(blender.LogLine)) (HostProcess, error) {
	return blender.Start(opts, onLog)
}

// StartRunRequest is the input of StartRun.
type StartRunRequest struct {
	Prompt string `json:"prompt" validate:"required"`
	Model  string `json:"model"`
}

type Orchestrator struct {
	cfg      Config
	store    persistence.RunStore
	settings SettingsProvider
	planner  Planner
	executor PlanExecutor
	sessions Sessions
	host     HostRunner
	auditor  Auditor
	hub      Publisher
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[string]*execution
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	baseCtx, stop := context.WithCancel(context.Background())

	host := deps.Host
	if host == nil {
		host = processRunner{}
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otelhelper.Noop()
	}

	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		settings: deps.Settings,
		planner:  deps.Planner,
		executor: deps.Executor,
		sessions: deps.Sessions,
		host:     host,
		auditor:  deps.Auditor,
		hub:      deps.Hub,
		tracer:   tracer,
		logger:   deps.Logger.With("module", "orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  baseCtx,
		stop:     stop,
		active:   make(map[string]*execution),
	}
}

// StartRun persists a queued run, schedules its execution and returns a snapshot.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (*models.Run, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, taxonomy.New(taxonomy.CodeValidationFailed, "Prompt is required.").WithPath("prompt")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = defaultModel
	}

	now := o.now()
	run := &models.Run{
		ID:        newRunID(now),
		Prompt:    prompt,
		Model:     model,
		Status:    models.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Events:    []models.Event{},
		LogLines:  []models.LogLine{},
		Artifacts: []models.Artifact{},
		Steps:     map[string]*models.StepProgress{},
		Trace:     models.RunTrace{TraceID: newTraceID()},
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()

		return nil, ErrShuttingDown
	}

	e := newExecution(o, run)
	o.active[run.ID] = e
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.store.SaveRun(ctx, run); err != nil {
		o.release(e)
		o.wg.Done()

		return nil, err
	}

	snapshot := run.Clone()

	o.logger.InfoContext(ctx, "Run queued", "run_id", run.ID, "model", model)

	go o.execute(e)

	return snapshot, nil
}

// GetRun returns a snapshot of the run. Unknown ids return persistence.ErrRunNotFound.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*models.Run, error) {
	if e := o.lookup(id); e != nil {
		return e.snapshot(), nil
	}

	return o.store.RunByID(ctx, id)
}

// ListRuns returns every run, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context) ([]*models.Run, error) {
	runs, err := o.store.Runs(ctx)
	if err != nil {
		return nil, err
	}

	for i, run := range runs {
		if e := o.lookup(run.ID); e != nil {
			runs[i] = e.snapshot()
		}
	}

	return runs, nil
}

// CancelRun requests cancellation. A terminal run is returned unchanged. A stored run that
// is not executing in this process is finalized as cancelled directly.
func (o *Orchestrator) CancelRun(ctx context.Context, id string) (*models.Run, error) {
	if e := o.lookup(id); e != nil {
		return e.requestCancel(ctx)
	}

	run, err := o.store.RunByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		return run, nil
	}

	e := newExecution(o, run)
	if _, err := e.requestCancel(ctx); err != nil {
		return nil, err
	}

	e.settle(ctx, cancelledError())

	return e.snapshot(), nil
}

// Wait blocks until the run has been finalized or ctx ends, then returns its snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.Run, error) {
	if e := o.lookup(id); e != nil {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return o.GetRun(ctx, id)
}

// RecoverOrphans fails stored runs left non-terminal by a previous process.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	runs, err := o.store.Runs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0

	for _, run := range runs {
		if run.Status.IsTerminal() || o.lookup(run.ID) != nil {
			continue
		}

		e := newExecution(o, run)
		e.settle(ctx, errors.New(interruptedMessage))
		recovered++

		o.logger.WarnContext(ctx, "Recovered interrupted run", "run_id", run.ID, "status", run.Status)
	}

	return recovered, nil
}

// Shutdown refuses new runs, cancels the active ones and waits for them to finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true

	active := make([]*execution, 0, len(o.active))
	for _, e := range o.active {
		active = append(active, e)
	}
	o.mu.Unlock()

	for _, e := range active {
		if _, err := e.requestCancel(ctx); err != nil {
			o.logger.WarnContext(ctx, "Failed to cancel run during shutdown", "run_id", e.id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	defer o.stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRuns returns the number of runs executing in this process.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.active)
}

func (o *Orchestrator) lookup(id string) *execution {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.active[id]
}

func (o *Orchestrator) release(e *execution) {
	o.mu.Lock()
	if o.active[e.id] == e {
		delete(o.active, e.id)
	}
	o.mu.Unlock()
}

// ComponentHealth is the state of one dependency in the health report.
type ComponentHealth struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// HealthReport summarizes whether runs can be executed.
type HealthReport struct {
	OK            bool            `json:"ok"`
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	RunCount      int             `json:"runCount"`
	ActiveRuns    int             `json:"activeRuns"`
	BlenderPath   string          `json:"blenderPath"`
	WorkspacePath string          `json:"workspacePath"`
	Store         ComponentHealth `json:"store"`
	Blender       ComponentHealth `json:"blender"`
	Session       ComponentHealth `json:"session"`
	Audit         ComponentHealth `json:"audit"`
	Provider      provider.Health `json:"llm"`
}

// Health checks the store, the host binary, the provider and the audit chain.
// The report is degraded when any check other than the session fails.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	settings := o.settings.Get()

	report := HealthReport{
		Timestamp:     o.now(),
		ActiveRuns:    o.ActiveRuns(),
		BlenderPath:   settings.BlenderPath,
		WorkspacePath: settings.WorkspacePath,
		Store:         ComponentHealth{OK: true},
		Audit:         ComponentHealth{OK: true},
	}

	if err := o.store.HealthCheck(ctx); err != nil {
		report.Store = ComponentHealth{OK: false, Message: err.Error()}
	} else if runs, err := o.store.Runs(ctx); err == nil {
		report.RunCount = len(runs)
	}

	if path, err := exec.LookPath(settings.BlenderPath); err != nil {
		report.Blender = ComponentHealth{OK: false, Message: "Blender executable not found: " + settings.BlenderPath}
	} else {
		report.Blender = ComponentHealth{OK: true, Message: path}
	}

	if active := o.sessions.Active(); active.Ready() {
		report.Session = ComponentHealth{OK: true, Message: active.ID}
	} else {
		report.Session = ComponentHealth{OK: false, Message: "No active Blender session."}
	}

	if result, err := o.auditor.Verify(ctx); err != nil {
		report.Audit = ComponentHealth{OK: false, Message: err.Error()}
	} else if !result.OK {
		msg := "Audit log integrity check failed."
		if len(result.Issues) > 0 {
			msg = result.Issues[0].Message
		}

		report.Audit = ComponentHealth{OK: false, Message: msg}
	}

	report.Provider = o.planner.Ping(ctx, settings)

	report.OK = report.Store.OK && report.Blender.OK && report.Audit.OK && report.Provider.OK
	report.Status = "ready"

	if !report.OK {
		report.Status = "degraded"
	}

	return report
}
