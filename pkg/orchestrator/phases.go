package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dukex/aether/pkg/blender"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/executor"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/otelhelper"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/provider"
	"github.com/dukex/aether/pkg/scaffold"
	"github.com/dukex/aether/pkg/session"
	"github.com/dukex/aether/pkg/taxonomy"
	"go.opentelemetry.io/otel/attribute"
)

const (
	generationName = "Generate and patch scaffold"
	validationName = "Run Blender validation"

	validateAddonCommand = "validate_addon"
	modeRPCSession       = "rpc_session"

	gateDoneRequiredMessage = "Protocol marked requires_gate_verification=true but done is not true."
	gateDoneRequiredError   = "Verification gate failed: protocol.done must be true when gate verification is required."
)

func (o *Orchestrator) execute(e *execution) {
	defer o.wg.Done()
	defer close(e.done)
	defer e.cancel()
	defer o.release(e)

	ctx := e.ctx

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "Run execution panicked", "panic", r)
			e.finalize(ctx, fmt.Errorf("run execution panicked: %v", r))
		}
	}()

	settings := o.settings.Get()

	err := o.runPhases(ctx, e, settings)
	if err != nil {
		err = o.handleFailure(ctx, e, err)
	}

	e.finalize(ctx, err)
}

func (o *Orchestrator) runPhases(ctx context.Context, e *execution, settings models.Settings) error {
	now := o.now()
	if err := e.update(ctx, func(run *models.Run) {
		run.Status = models.RunStatusRunning
		run.StartedAt = &now
	}); err != nil {
		return err
	}

	snapshot := e.snapshot()

	e.logger.InfoContext(ctx, "Run started", "model", snapshot.Model)

	if err := e.AppendEvent(ctx, events.RunStarted, map[string]any{
		"model":        snapshot.Model,
		"promptLength": len(snapshot.Prompt),
	}); err != nil {
		return err
	}

	runDir, err := filepath.Abs(filepath.Join(o.cfg.RunsDir, e.id))
	if err != nil {
		return fmt.Errorf("failed to resolve run directory: %w", err)
	}

	if err := e.AddArtifact(ctx, models.Artifact{
		Kind:        models.ArtifactKindDirectory,
		Path:        runDir,
		Description: "Per-run snapshot root.",
	}); err != nil {
		return err
	}

	if err := e.checkpoint(); err != nil {
		return err
	}

	plan, err := o.generate(ctx, e, settings, snapshot, runDir)
	if err != nil {
		return err
	}

	if plan == nil {
		return errors.New("provider returned no protocol plan")
	}

	if len(plan.Steps) > 0 {
		if err := o.executor.Execute(ctx, plan, executor.RunContext{
			RunID:    e.id,
			RunDir:   runDir,
			Settings: settings,
		}, e); err != nil {
			return err
		}
	}

	if err := e.checkpoint(); err != nil {
		return err
	}

	if err := o.validate(ctx, e, settings, filepath.Join(runDir, addonDirName)); err != nil {
		return err
	}

	if plan.RequiresGate() && !plan.Done {
		e.emitGate(ctx, models.GateEnvelope{
			Success:     false,
			FailedGates: []string{models.GateDoneRequired},
			Messages:    []string{gateDoneRequiredMessage},
		})

		return taxonomy.New(taxonomy.CodeGateDoneRequired, gateDoneRequiredError)
	}

	if msg := strings.TrimSpace(plan.FinalMessage); msg != "" {
		if err := e.AppendEvent(ctx, events.AssistantMessage, map[string]any{"content": msg}); err != nil {
			return err
		}
	}

	return e.AppendEvent(ctx, events.AssistantMessage, map[string]any{
		"content": fmt.Sprintf("Run completed successfully. Artifacts were written to %s.", runDir),
	})
}

// generate copies the scaffold, asks the provider for the protocol plan and the addon spec,
// and rewrites the scaffold from them.
func (o *Orchestrator) generate(
	ctx context.Context,
	e *execution,
	settings models.Settings,
	run *models.Run,
	runDir string,
) (*models.Plan, error) {
	if err := e.StartStep(ctx, models.StepGeneration, generationName); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	addonPath := filepath.Join(runDir, addonDirName)

	var err error
	if o.cfg.ScaffoldDir != "" {
		err = scaffold.Copy(o.cfg.ScaffoldDir, addonPath)
	} else {
		err = scaffold.CopyFS(scaffold.Template(), addonPath)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to copy scaffold: %w", err)
	}

	if err := e.AddArtifact(ctx, models.Artifact{
		Kind:        models.ArtifactKindDirectory,
		StepID:      models.StepGeneration,
		Path:        addonPath,
		Description: "Copied scaffold snapshot used for validation.",
	}); err != nil {
		return nil, err
	}

	req := provider.GenerateRequest{
		Prompt:   run.Prompt,
		Model:    run.Model,
		Settings: settings,
		OnSpan:   e.spanRecorder(ctx, models.StepGeneration),
	}

	var planResult *provider.PlanResult
	if err := e.ExecuteWithCancellation(ctx, func(callCtx context.Context) error {
		var err error
		planResult, err = o.planner.GenerateProtocolPlan(callCtx, req)

		return err
	}); err != nil {
		return nil, err
	}

	plan := planResult.Plan

	if err := e.AppendEvent(ctx, events.ToolCalled, map[string]any{
		"stepId":   models.StepGeneration,
		"tool":     provider.OperationProtocolPlan,
		"provider": planResult.Provider,
		"model":    planResult.Model,
		"fallback": false,
		"reason":   "",
		"message":  fmt.Sprintf("Protocol plan generated by %s.", planResult.Provider),
	}); err != nil {
		return nil, err
	}

	if err := e.update(ctx, func(run *models.Run) {
		run.Protocol = plan.Clone()
	}); err != nil {
		return nil, err
	}

	if err := e.AppendEvent(ctx, events.AssistantMessage, map[string]any{
		"content": fmt.Sprintf("Protocol plan generated with %d step(s).", len(plan.Steps)),
	}); err != nil {
		return nil, err
	}

	var specResult *provider.AddonSpecResult
	if err := e.ExecuteWithCancellation(ctx, func(callCtx context.Context) error {
		var err error
		specResult, err = o.planner.GenerateAddonSpec(callCtx, req)

		return err
	}); err != nil {
		return nil, err
	}

	reason := ""
	if len(specResult.Issues) > 0 {
		reason = strings.Join(specResult.Issues, "; ")
	}

	if err := e.AppendEvent(ctx, events.ToolCalled, map[string]any{
		"stepId":   models.StepGeneration,
		"tool":     provider.OperationAddonSpec,
		"provider": specResult.Provider,
		"model":    specResult.Model,
		"fallback": len(specResult.Issues) > 0,
		"reason":   reason,
		"message":  "Addon spec generated.",
	}); err != nil {
		return nil, err
	}

	files, err := scaffold.Rewrite(addonPath, scaffold.Input{
		RunID:         e.id,
		Prompt:        run.Prompt,
		Model:         run.Model,
		Provider:      planResult.Provider,
		ResolvedModel: planResult.Model,
		PlanContent:   planResult.Content,
		Spec:          specResult.Spec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite scaffold: %w", err)
	}

	for _, f := range files {
		if err := e.AddArtifact(ctx, models.Artifact{
			Kind:        models.ArtifactKindFile,
			StepID:      models.StepGeneration,
			Path:        f.Path,
			Description: f.Description,
		}); err != nil {
			return nil, err
		}
	}

	if err := e.AppendEvent(ctx, events.AssistantMessage, map[string]any{
		"content": scaffold.Summary(specResult.Spec),
	}); err != nil {
		return nil, err
	}

	if err := e.CompleteStep(ctx, models.StepGeneration, generationName, nil); err != nil {
		return nil, err
	}

	return plan, nil
}

// validate loads the addon in the active session when one is ready, otherwise in a
// freshly spawned host process.
func (o *Orchestrator) validate(ctx context.Context, e *execution, settings models.Settings, addonPath string) error {
	if err := e.StartStep(ctx, models.StepValidation, validationName); err != nil {
		return err
	}

	startedAt := o.now()
	active := o.sessions.Active()

	mode := hostMode(settings)
	if active.Ready() {
		mode = modeRPCSession
	}

	spanCtx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.validation",
		attribute.String(otelhelper.RunIDKey, e.id),
		attribute.String(otelhelper.ComponentKey, "validation"),
		attribute.String(otelhelper.StepIDKey, models.StepValidation),
	)
	defer span.End()

	var err error
	if mode == modeRPCSession {
		span.SetAttributes(attribute.String(otelhelper.SessionIDKey, active.ID))
		err = o.validateOverRPC(spanCtx, e, settings, active.ID, addonPath)
	} else {
		err = o.validateWithProcess(spanCtx, e, settings, mode, addonPath)
	}

	if err != nil {
		otelhelper.SetError(span, err)
	}

	e.spanRecorder(ctx, models.StepValidation)(protocol.Span{
		Name:       "validation." + mode,
		Component:  "validation",
		StartedAt:  startedAt,
		EndedAt:    o.now(),
		Attributes: map[string]any{"mode": mode, "addonPath": addonPath},
		Err:        err,
	})

	return err
}

func hostMode(settings models.Settings) string {
	if settings.RunMode == models.RunModeGUI {
		return models.RunModeGUI
	}

	return models.RunModeHeadless
}

func validationTimeout(settings models.Settings) time.Duration {
	ms := settings.TimeoutMs
	if ms <= 0 {
		ms = defaultValidationMs
	}

	return time.Duration(ms) * time.Millisecond
}

func (o *Orchestrator) validateOverRPC(
	ctx context.Context,
	e *execution,
	settings models.Settings,
	sessionID string,
	addonPath string,
) error {
	timeout := validationTimeout(settings)

	unregister := e.RegisterCancelHandler(func(cancelCtx context.Context) error {
		_ = e.AppendEvent(cancelCtx, events.BlenderRPCCancelEscalated, map[string]any{
			"stepId":    models.StepValidation,
			"sessionId": sessionID,
			"command":   validateAddonCommand,
		})

		_, err := o.sessions.Stop(cancelCtx, sessionID)

		return err
	})
	defer unregister()

	if err := e.AppendEvent(ctx, events.BlenderStarted, map[string]any{
		"stepId":    models.StepValidation,
		"mode":      modeRPCSession,
		"sessionId": sessionID,
	}); err != nil {
		return err
	}

	if err := e.AppendEvent(ctx, events.BlenderRPCCall, map[string]any{
		"stepId":    models.StepValidation,
		"sessionId": sessionID,
		"command":   validateAddonCommand,
		"timeoutMs": timeout.Milliseconds(),
	}); err != nil {
		return err
	}

	if err := e.AppendEvent(ctx, events.ToolCalled, map[string]any{
		"stepId":   models.StepValidation,
		"tool":     "session.execute_on_active",
		"provider": "blender_rpc",
		"model":    "active_session",
		"message":  fmt.Sprintf("RPC %s on active session %s", validateAddonCommand, sessionID),
	}); err != nil {
		return err
	}

	var result *session.RPCResult
	err := e.ExecuteWithCancellation(ctx, func(callCtx context.Context) error {
		var err error
		result, err = o.sessions.ExecuteOnActive(callCtx, validateAddonCommand, map[string]any{"addonPath": addonPath}, timeout)

		return err
	})
	if err == nil {
		err = e.checkpoint()
	}

	if err != nil {
		_ = e.AppendEvent(ctx, events.BlenderRPCResult, map[string]any{
			"stepId":    models.StepValidation,
			"sessionId": sessionID,
			"command":   validateAddonCommand,
			"ok":        false,
			"error":     errorMessage(err),
		})

		return err
	}

	resolved := sessionID
	if result != nil && result.SessionID != "" {
		resolved = result.SessionID
	}

	if err := e.AppendEvent(ctx, events.BlenderRPCResult, map[string]any{
		"stepId":    models.StepValidation,
		"sessionId": resolved,
		"command":   validateAddonCommand,
		"ok":        true,
		"result":    rpcResultValue(result),
	}); err != nil {
		return err
	}

	return e.CompleteStep(ctx, models.StepValidation, validationName, map[string]any{
		"mode":      modeRPCSession,
		"sessionId": resolved,
	})
}

func rpcResultValue(result *session.RPCResult) any {
	if result == nil {
		return nil
	}

	return result.Result
}

func (o *Orchestrator) validateWithProcess(
	ctx context.Context,
	e *execution,
	settings models.Settings,
	mode string,
	addonPath string,
) error {
	onLog := func(line blender.LogLine) {
		if err := e.AppendEvent(ctx, events.BlenderLog, map[string]any{
			"stream": line.Stream,
			"line":   line.Line,
		}); err != nil {
			e.logger.WarnContext(ctx, "Failed to record host log line", "error", err)
		}
	}

	process, err := o.host.Start(blender.Options{
		BlenderPath: settings.BlenderPath,
		Mode:        mode,
		HarnessPath: o.cfg.HarnessPath,
		AddonPath:   addonPath,
		Dir:         o.cfg.WorkDir,
	}, onLog)
	if err != nil {
		return taxonomy.Wrap(taxonomy.CodeHostProcessFailed, err, "Failed to start Blender: "+err.Error())
	}

	defer e.detachProcess()

	if e.attachProcess(process) {
		process.Terminate()

		return cancelledError()
	}

	info := process.Info()

	if err := e.AppendEvent(ctx, events.BlenderStarted, map[string]any{
		"stepId":  models.StepValidation,
		"pid":     info.PID,
		"mode":    mode,
		"command": info.Command,
		"args":    info.Args,
	}); err != nil {
		process.Terminate()

		return err
	}

	var result blender.Result
	if err := e.ExecuteWithCancellation(ctx, func(callCtx context.Context) error {
		select {
		case result = <-process.Done():
			return nil
		case <-callCtx.Done():
			return callCtx.Err()
		}
	}); err != nil {
		return err
	}

	if err := e.checkpoint(); err != nil {
		return err
	}

	if !result.OK {
		if result.Err != nil {
			return taxonomy.Wrap(taxonomy.CodeHostProcessFailed, result.Err, result.Err.Error())
		}

		return taxonomy.Newf(taxonomy.CodeHostProcessFailed, "Blender exited with code %d", result.ExitCode)
	}

	return e.CompleteStep(ctx, models.StepValidation, validationName, map[string]any{
		"exitCode": result.ExitCode,
	})
}

// handleFailure applies the failure bookkeeping before finalize: the fallback gate envelope,
// the failed phase step and the cancellation flag. It returns the error finalize should use.
func (o *Orchestrator) handleFailure(ctx context.Context, e *execution, err error) error {
	if !taxonomy.IsCode(err, taxonomy.CodeRunCancelled) && errors.Is(err, context.Canceled) && e.cancelRequested() {
		err = cancelledError()
	}

	cancelled := taxonomy.IsCode(err, taxonomy.CodeRunCancelled)
	snapshot := e.snapshot()

	if snapshot.Protocol.RequiresGate() && !cancelled && !e.gateWasEmitted() {
		gate := models.GateUnknown
		if step, ok := snapshot.Steps[models.StepValidation]; ok && step.Status != models.StepStatusCompleted {
			gate = models.GateBlenderValidation
		}

		e.emitGate(ctx, models.GateEnvelope{
			Success:     false,
			FailedGates: []string{gate},
			Messages:    []string{errorMessage(err)},
		})
	}

	if step, ok := snapshot.Steps[models.StepValidation]; ok && step.Status == models.StepStatusRunning {
		_ = e.FailStep(ctx, models.StepValidation, err)
	} else if step, ok := snapshot.Steps[models.StepGeneration]; ok && step.Status == models.StepStatusRunning {
		_ = e.FailStep(ctx, models.StepGeneration, err)
	}

	if cancelled {
		e.logger.InfoContext(ctx, "Run cancelled")
	} else {
		e.logger.ErrorContext(ctx, "Run failed", "error", err)
	}

	return err
}
