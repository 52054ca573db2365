// Package executor runs a validated plan's steps in order against the typed step executors.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/otelhelper"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProtocolDirName is the directory under the run directory that holds per-step artifacts.
const ProtocolDirName = "protocol_steps"

// RunContext identifies the run a plan executes for.
type RunContext struct {
	RunID    string
	RunDir   string
	Settings models.Settings
}

type Executor struct {
	registry *registry.Registry
	bridge   protocol.Bridge
	metrics  *metrics.Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

func New(registry *registry.Registry, bridge protocol.Bridge, recorder *metrics.Recorder, tracer trace.Tracer, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		bridge:   bridge,
		metrics:  recorder,
		tracer:   tracer,
		logger:   logger.With("module", "protocol_executor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs the plan's steps sequentially and stops at the first failure.
// A plan without steps is a no-op.
func (e *Executor) Execute(ctx context.Context, plan *models.Plan, rc RunContext, hooks protocol.RunHooks) error {
	if plan == nil || len(plan.Steps) == 0 {
		return nil
	}

	protocolDir := filepath.Join(rc.RunDir, ProtocolDirName)

	if _, err := assertPathSafe(rc.RunDir, protocolDir); err != nil {
		return err
	}

	if err := os.MkdirAll(protocolDir, 0750); err != nil {
		return fmt.Errorf("failed to create protocol directory: %w", err)
	}

	logger := e.logger.With("run_id", rc.RunID)
	logger.InfoContext(ctx, "Executing protocol plan", "steps", len(plan.Steps))

	for i, step := range plan.Steps {
		if err := e.executeStep(ctx, logger, i, step, protocolDir, rc, hooks); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "Protocol plan executed", "steps", len(plan.Steps))

	return nil
}

func (e *Executor) executeStep(
	ctx context.Context,
	logger *slog.Logger,
	index int,
	step models.Step,
	protocolDir string,
	rc RunContext,
	hooks protocol.RunHooks,
) error {
	rawID := step.ID
	if strings.TrimSpace(rawID) == "" {
		rawID = fmt.Sprintf("protocol_step_%d", index+1)
	}

	stepID, err := assertStepIDSafe(rawID)
	if err != nil {
		return err
	}

	step.ID = stepID

	name := step.Description
	if name == "" {
		name = fmt.Sprintf("%s step", step.Type)
	}

	stepDir := filepath.Join(protocolDir, stepID)

	if _, err := assertPathSafe(rc.RunDir, stepDir); err != nil {
		return err
	}

	if err := os.MkdirAll(stepDir, 0750); err != nil {
		return fmt.Errorf("failed to create step directory: %w", err)
	}

	if err := hooks.StartStep(ctx, stepID, name); err != nil {
		return err
	}

	logger = logger.With("step_id", stepID, "step_type", step.Type)

	sc := &protocol.StepContext{
		RunID:       rc.RunID,
		RunDir:      rc.RunDir,
		ArtifactDir: stepDir,
		Step:        step,
		Settings:    rc.Settings,
		Hooks:       hooks,
		Bridge:      e.bridge,
		Logger:      logger,
	}

	exec, err := e.registry.Create(step)
	if err != nil {
		_ = hooks.FailStep(ctx, stepID, err)

		return err
	}

	// Cancel and Cleanup must still run once the run's context is done.
	detached := context.WithoutCancel(ctx)

	defer func() {
		if cleanupErr := exec.Cleanup(detached, sc); cleanupErr != nil {
			logger.WarnContext(ctx, "Step cleanup failed", "error", cleanupErr)
		}
	}()

	if err := e.run(ctx, exec, sc); err != nil {
		logger.ErrorContext(ctx, "Step failed", "error", err)

		if cancelErr := exec.Cancel(detached, sc); cancelErr != nil {
			logger.WarnContext(ctx, "Step cancel failed", "error", cancelErr)
		}

		_ = hooks.FailStep(detached, stepID, err)

		return err
	}

	logger.InfoContext(ctx, "Step completed")

	return hooks.CompleteStep(ctx, stepID, name, map[string]any{"type": step.Type})
}

// run prepares and runs one step inside a single span; the metric and trace span cover both phases.
func (e *Executor) run(ctx context.Context, exec protocol.StepExecutor, sc *protocol.StepContext) error {
	stepType := string(sc.Step.Type)
	spanName := "executor." + strings.ToLower(stepType) + ".run"

	spanCtx, span := otelhelper.StartSpan(ctx, e.tracer, spanName,
		attribute.String(otelhelper.RunIDKey, sc.RunID),
		attribute.String(otelhelper.StepIDKey, sc.Step.ID),
		attribute.String(otelhelper.StepTypeKey, stepType),
		attribute.String(otelhelper.ComponentKey, "executor"),
	)
	defer span.End()

	startedAt := e.now()
	phase := "prepare"

	err := sc.Hooks.ExecuteWithCancellation(spanCtx, func(ctx context.Context) error {
		return exec.Prepare(ctx, sc)
	})
	if err == nil {
		phase = "run"
		err = sc.Hooks.ExecuteWithCancellation(spanCtx, func(ctx context.Context) error {
			return exec.Run(ctx, sc)
		})
	}

	endedAt := e.now()
	span.SetAttributes(attribute.String("executor.phase", phase))

	if e.metrics != nil {
		e.metrics.RecordExecutorCall(metrics.ExecutorCall{
			ExecutorType: stepType,
			Success:      err == nil,
			Latency:      endedAt.Sub(startedAt),
		})
	}

	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.StepIDKey, sc.Step.ID))
	}

	if spanErr := sc.Hooks.RecordSpan(context.WithoutCancel(ctx), protocol.Span{
		Name:       spanName,
		Component:  "executor",
		StepID:     sc.Step.ID,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Attributes: map[string]any{"executorType": stepType, "phase": phase},
		Err:        err,
	}); spanErr != nil {
		sc.Logger.WarnContext(ctx, "Failed to record trace span", "error", spanErr)
	}

	return err
}
