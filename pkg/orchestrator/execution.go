package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/taxonomy"
)

const (
	auditActor  = "orchestrator"
	auditSource = "orchestrator"
)

// execution owns one run record. Every mutation takes mu, is persisted and then published,
// so subscribers observe events in the order they were appended.
type execution struct {
	o      *Orchestrator
	id     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	run         *models.Run
	handlers    map[int]protocol.CancelHandler
	nextHandler int
	process     HostProcess
	gateEmitted bool
	finalized   bool

	cancelled  chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

var _ protocol.RunHooks = (*execution)(nil)

func newExecution(o *Orchestrator, run *models.Run) *execution {
	ctx, cancel := context.WithCancel(o.baseCtx)

	return &execution{
		o:         o,
		id:        run.ID,
		logger:    o.logger.With("run_id", run.ID),
		ctx:       ctx,
		cancel:    cancel,
		run:       run,
		handlers:  make(map[int]protocol.CancelHandler),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func cancelledError() error {
	return taxonomy.New(taxonomy.CodeRunCancelled, "Run cancelled by user request.")
}

func errorMessage(err error) string {
	var coded *taxonomy.Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}

	return err.Error()
}

func (e *execution) snapshot() *models.Run {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.run.Clone()
}

func (e *execution) cancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.run.CancelRequested
}

// checkpoint returns RUN_CANCELLED once cancellation was requested.
func (e *execution) checkpoint() error {
	if e.cancelRequested() {
		return cancelledError()
	}

	return nil
}

// update applies fn to the run and persists it. Mutations after finalize are dropped.
func (e *execution) update(ctx context.Context, fn func(run *models.Run)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return nil
	}

	fn(e.run)
	e.run.UpdatedAt = e.o.now()

	return e.saveLocked(ctx)
}

func (e *execution) saveLocked(ctx context.Context) error {
	if err := e.o.store.SaveRun(context.WithoutCancel(ctx), e.run); err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist run", "error", err)

		return fmt.Errorf("failed to persist run %s: %w", e.id, err)
	}

	return nil
}

// record appends one event. Events after finalize are dropped.
func (e *execution) record(ctx context.Context, eventType events.EventType, stepID string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return nil
	}

	return e.appendLocked(ctx, eventType, stepID, data)
}

func (e *execution) appendLocked(ctx context.Context, eventType events.EventType, stepID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	now := e.o.now()
	evt := models.Event{
		ID:          newEventID(),
		Type:        string(eventType),
		RunID:       e.id,
		Timestamp:   now,
		Taxonomy:    events.Taxonomy(eventType),
		Correlation: events.BuildCorrelation(e.id, stepID),
		Data:        raw,
	}

	e.run.Events = append(e.run.Events, evt)
	e.run.UpdatedAt = now

	if eventType == events.BlenderLog {
		if line, ok := data.(map[string]any); ok {
			stream, _ := line["stream"].(string)
			if stream == "" {
				stream = "stdout"
			}

			text, _ := line["line"].(string)
			e.run.LogLines = append(e.run.LogLines, models.LogLine{Timestamp: now, Stream: stream, Line: text})
		}
	}

	if err := e.saveLocked(ctx); err != nil {
		return err
	}

	if e.o.hub != nil {
		e.o.hub.Publish(ctx, events.Envelope{RunID: e.id, Event: evt.Clone(), Run: e.run.Summarize()})
	}

	return nil
}

func stepIDOf(data map[string]any) string {
	if id, ok := data["stepId"].(string); ok {
		return strings.TrimSpace(id)
	}

	return ""
}

func (e *execution) StartStep(ctx context.Context, stepID, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return nil
	}

	now := e.o.now()
	step := e.run.Step(stepID)
	step.Name = name
	step.Status = models.StepStatusRunning
	step.StartedAt = &now
	step.CompletedAt = nil
	step.DurationMs = nil
	step.Error = nil

	return e.appendLocked(ctx, events.StepStarted, stepID, map[string]any{
		"stepId":   stepID,
		"stepName": name,
	})
}

func (e *execution) CompleteStep(ctx context.Context, stepID, name string, extra map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return nil
	}

	now := e.o.now()
	step := e.run.Step(stepID)
	step.Status = models.StepStatusCompleted
	step.CompletedAt = &now
	step.DurationMs = elapsed(step.StartedAt, now)

	data := map[string]any{
		"stepId":     stepID,
		"stepName":   name,
		"durationMs": step.DurationMs,
	}
	for k, v := range extra {
		data[k] = v
	}

	return e.appendLocked(ctx, events.StepCompleted, stepID, data)
}

// FailStep marks the step failed. The run_failed event at finalize carries the error.
func (e *execution) FailStep(ctx context.Context, stepID string, err error) error {
	msg := "Unknown error"
	if err != nil {
		msg = errorMessage(err)
	}

	return e.update(ctx, func(run *models.Run) {
		now := e.o.now()
		step := run.Step(stepID)
		step.Status = models.StepStatusFailed
		step.CompletedAt = &now
		step.DurationMs = elapsed(step.StartedAt, now)
		step.Error = &msg
	})
}

func (e *execution) AppendEvent(ctx context.Context, eventType events.EventType, data map[string]any) error {
	return e.record(ctx, eventType, stepIDOf(data), data)
}

func (e *execution) AddArtifact(ctx context.Context, artifact models.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = e.o.now()
	}

	return e.update(ctx, func(run *models.Run) {
		run.Artifacts = append(run.Artifacts, artifact)
	})
}

func (e *execution) RecordSpan(ctx context.Context, span protocol.Span) error {
	e.mu.Lock()
	traceID := e.run.Trace.TraceID
	e.mu.Unlock()

	startedAt := span.StartedAt
	if startedAt.IsZero() {
		startedAt = e.o.now()
	}

	endedAt := span.EndedAt
	if endedAt.IsZero() {
		endedAt = e.o.now()
	}

	component := span.Component
	if component == "" {
		component = "unknown"
	}

	attributes := span.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}

	ts := models.TraceSpan{
		TraceID:    traceID,
		SpanID:     newSpanID(),
		Name:       span.Name,
		Component:  component,
		Status:     "ok",
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		DurationMs: max(0, endedAt.Sub(startedAt).Milliseconds()),
		Attributes: attributes,
	}

	if span.StepID != "" {
		stepID := span.StepID
		ts.StepID = &stepID
	}

	if span.Err != nil {
		msg := span.Err.Error()
		ts.Status = "error"
		ts.Error = &msg
	}

	return e.record(ctx, events.TraceSpan, span.StepID, ts)
}

// spanRecorder records provider spans under stepID unless they name their own step.
func (e *execution) spanRecorder(ctx context.Context, stepID string) func(protocol.Span) {
	return func(span protocol.Span) {
		if span.StepID == "" {
			span.StepID = stepID
		}

		if err := e.RecordSpan(ctx, span); err != nil {
			e.logger.WarnContext(ctx, "Failed to record trace span", "span", span.Name, "error", err)
		}
	}
}

// ExecuteWithCancellation races fn against the run's cancellation signal. An error returned by
// fn after cancellation was requested is reported as RUN_CANCELLED as well.
func (e *execution) ExecuteWithCancellation(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.checkpoint(); err != nil {
		return err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic during run call: %v", r)
			}
		}()

		result <- fn(callCtx)
	}()

	select {
	case err := <-result:
		if err != nil && e.cancelRequested() {
			return cancelledError()
		}

		return err
	case <-e.cancelled:
		return cancelledError()
	}
}

func (e *execution) RegisterCancelHandler(handler protocol.CancelHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextHandler
	e.nextHandler++
	e.handlers[id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		delete(e.handlers, id)
	}
}

// attachProcess tracks the host process so a cancel can terminate it. It reports whether
// cancellation was already requested, in which case the caller terminates the process.
func (e *execution) attachProcess(p HostProcess) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.process = p

	return e.run.CancelRequested
}

func (e *execution) detachProcess() {
	e.mu.Lock()
	e.process = nil
	e.mu.Unlock()
}

// requestCancel marks the run as cancel-requested, runs the cancel handlers, wakes every
// ExecuteWithCancellation call and terminates the host process.
func (e *execution) requestCancel(ctx context.Context) (*models.Run, error) {
	e.mu.Lock()

	if e.run.Status.IsTerminal() || e.finalized {
		snapshot := e.run.Clone()
		e.mu.Unlock()

		return snapshot, nil
	}

	if !e.run.CancelRequested {
		now := e.o.now()
		e.run.CancelRequested = true
		e.run.CancelRequestedAt = &now
		e.run.UpdatedAt = now
	}

	if err := e.saveLocked(ctx); err != nil {
		e.mu.Unlock()

		return nil, err
	}

	snapshot := e.run.Clone()

	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	handlers := make([]protocol.CancelHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, e.handlers[id])
	}

	process := e.process
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "Run cancellation requested", "handlers", len(handlers))

	detached := context.WithoutCancel(ctx)

	for _, handler := range handlers {
		if err := handler(detached); err != nil {
			e.logger.WarnContext(ctx, "Cancel handler failed", "error", err)
		}
	}

	e.cancelOnce.Do(func() { close(e.cancelled) })

	if process != nil {
		info := process.Info()
		_ = e.record(detached, events.BlenderProcessCancelSignal, models.StepValidation, map[string]any{
			"stepId": models.StepValidation,
			"pid":    info.PID,
			"signal": "SIGTERM",
		})

		process.Terminate()
	}

	e.cancel()

	return snapshot, nil
}

// emitGate records a failed verification gate once per run, with its gate_failure audit record.
func (e *execution) emitGate(ctx context.Context, envelope models.GateEnvelope) {
	e.mu.Lock()
	if e.gateEmitted || e.finalized {
		e.mu.Unlock()

		return
	}

	e.gateEmitted = true
	e.mu.Unlock()

	if err := e.record(ctx, events.VerificationGate, "", envelope); err != nil {
		e.logger.WarnContext(ctx, "Failed to record verification gate", "error", err)
	}

	e.audit(ctx, audit.EventGateFailure, map[string]any{
		"runId":        e.id,
		"failed_gates": envelope.FailedGates,
		"messages":     envelope.Messages,
	})
}

func (e *execution) gateWasEmitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.gateEmitted
}

func (e *execution) audit(ctx context.Context, eventType string, payload map[string]any) {
	if e.o.auditor == nil {
		return
	}

	if _, err := e.o.auditor.Append(context.WithoutCancel(ctx), audit.Entry{
		EventType: eventType,
		Payload:   payload,
		Actor:     auditActor,
		Source:    auditSource,
	}); err != nil {
		e.logger.ErrorContext(ctx, "Failed to append audit record", "event_type", eventType, "error", err)
	}
}

// finalize moves the run to its terminal state. A nil err completes the run, RUN_CANCELLED
// cancels it, anything else fails it. Only the first call has any effect.
func (e *execution) finalize(ctx context.Context, runErr error) {
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()

	if e.finalized || e.run.Status.IsTerminal() {
		e.finalized = true
		e.mu.Unlock()

		return
	}

	now := e.o.now()
	status := models.RunStatusCompleted

	switch {
	case runErr == nil:
	case taxonomy.IsCode(runErr, taxonomy.CodeRunCancelled):
		status = models.RunStatusCancelled
	default:
		status = models.RunStatusFailed
	}

	var errMsg *string
	if runErr != nil {
		msg := errorMessage(runErr)
		errMsg = &msg
	}

	if status == models.RunStatusCancelled && !e.run.CancelRequested {
		e.run.CancelRequested = true
		e.run.CancelRequestedAt = &now
	}

	startedAt := e.run.StartedAt
	if startedAt == nil {
		startedAt = &e.run.CreatedAt
	}

	e.run.Status = status
	e.run.CompletedAt = &now
	e.run.Error = errMsg
	e.run.DurationMs = elapsed(startedAt, now)

	var err error
	if status == models.RunStatusCompleted {
		err = e.appendLocked(ctx, events.RunCompleted, "", map[string]any{
			"durationMs":    e.run.DurationMs,
			"artifactCount": len(e.run.Artifacts),
			"logLineCount":  len(e.run.LogLines),
		})
	} else {
		err = e.appendLocked(ctx, events.RunFailed, "", map[string]any{
			"durationMs": e.run.DurationMs,
			"error":      *errMsg,
			"cancelled":  status == models.RunStatusCancelled,
		})
	}

	e.finalized = true
	durationMs := e.run.DurationMs
	e.mu.Unlock()

	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record terminal event", "status", status, "error", err)
	}

	var auditErr any
	if errMsg != nil {
		auditErr = *errMsg
	}

	e.audit(ctx, audit.EventRunTerminalState, map[string]any{
		"runId":      e.id,
		"status":     string(status),
		"durationMs": durationMs,
		"cancelled":  status == models.RunStatusCancelled,
		"error":      auditErr,
	})

	e.logger.InfoContext(ctx, "Run finished", "status", status, "duration_ms", durationMs)
}

// settle finalizes an execution that never ran in this process and releases its context.
func (e *execution) settle(ctx context.Context, runErr error) {
	e.finalize(ctx, runErr)
	e.cancel()
}

func elapsed(startedAt *time.Time, now time.Time) *int64 {
	if startedAt == nil {
		return nil
	}

	ms := max(0, now.Sub(*startedAt).Milliseconds())

	return &ms
}
