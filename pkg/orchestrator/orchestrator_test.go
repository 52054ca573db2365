package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/bridge"
	"github.com/dukex/aether/pkg/executor"
	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/mocks"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/orchestrator"
	"github.com/dukex/aether/pkg/otelhelper"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/persistence/file"
	"github.com/dukex/aether/pkg/policy"
	"github.com/dukex/aether/pkg/registry"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	orch     *orchestrator.Orchestrator
	store    *file.Persistence
	planner  *fakePlanner
	sessions *fakeSessions
	host     *fakeHost
	hub      *recordingHub
	audit    *audit.Log
	settings models.Settings
}

func newFixture(t *testing.T, plan *models.Plan, sessions *fakeSessions) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	engine, err := policy.NewEngine(t.Context())
	require.NoError(t, err)

	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultExecutors()

	f := &fixture{
		store:    file.NewPersistence(filepath.Join(dir, "data")),
		planner:  &fakePlanner{plan: plan},
		sessions: sessions,
		host:     newFakeHost(),
		hub:      &recordingHub{},
		audit:    audit.New(filepath.Join(dir, "audit.log"), logger),
		settings: testutil.TestSettings(),
	}

	f.orch = orchestrator.New(orchestrator.Config{
		RunsDir:     filepath.Join(dir, "runs"),
		HarnessPath: filepath.Join(dir, "harness.py"),
		WorkDir:     dir,
	}, orchestrator.Deps{
		Store:    f.store,
		Settings: staticSettings{settings: f.settings},
		Planner:  f.planner,
		Executor: executor.New(reg, bridge.New(sessions, engine), metrics.NewRecorder(), otelhelper.Noop(), logger),
		Sessions: sessions,
		Host:     f.host,
		Auditor:  f.audit,
		Hub:      f.hub,
		Logger:   logger,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = f.orch.Shutdown(ctx)
	})

	return f
}

func (f *fixture) start(t *testing.T) *models.Run {
	t.Helper()

	run, err := f.orch.StartRun(t.Context(), orchestrator.StartRunRequest{Prompt: "Add a cube scatter panel", Model: "default"})
	require.NoError(t, err)

	return run
}

func (f *fixture) wait(t *testing.T, id string) *models.Run {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	run, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)

	return run
}

func eventTypes(run *models.Run) []string {
	types := make([]string, 0, len(run.Events))
	for _, evt := range run.Events {
		types = append(types, evt.Type)
	}

	return types
}

func eventsOf(t *testing.T, run *models.Run, eventType string) []map[string]any {
	t.Helper()

	var out []map[string]any

	for _, evt := range run.Events {
		if evt.Type != eventType {
			continue
		}

		data, err := evt.Decode()
		require.NoError(t, err)

		out = append(out, data)
	}

	return out
}

func artifactKinds(run *models.Run) []models.ArtifactKind {
	kinds := make([]models.ArtifactKind, 0, len(run.Artifacts))
	for _, a := range run.Artifacts {
		kinds = append(kinds, a.Kind)
	}

	return kinds
}

func TestOrchestrator_PythonPlanEndToEnd(t *testing.T) {
	t.Parallel()

	plan := testutil.CreateTestPlan(testutil.WithSteps(testutil.PythonStep("add_cube", "import bpy\nbpy.ops.mesh.primitive_cube_add()")))
	f := newFixture(t, plan, newFakeSessions(readySession()))

	queued := f.start(t)
	assert.Equal(t, models.RunStatusQueued, queued.Status)
	assert.Regexp(t, `^run_\d{14}_[0-9a-f]{6}$`, queued.ID)
	assert.Regexp(t, `^trace_[0-9a-f]{12}$`, queued.Trace.TraceID)

	run := f.wait(t, queued.ID)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.DurationMs)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.Protocol)
	assert.Len(t, run.Protocol.Steps, 1)

	kinds := artifactKinds(run)
	assert.Contains(t, kinds, models.ArtifactKindPython)
	assert.Contains(t, kinds, models.ArtifactKindDirectory)
	assert.Contains(t, kinds, models.ArtifactKindFile)

	types := eventTypes(run)
	assert.Equal(t, "run_started", types[0])
	assert.Equal(t, "run_completed", types[len(types)-1])
	assert.NotContains(t, types, "verification_gate")
	assert.Contains(t, types, "protocol_python")
	assert.Contains(t, types, "blender_rpc_call")
	assert.Contains(t, types, "trace_span")

	for _, id := range []string{models.StepGeneration, "add_cube", models.StepValidation} {
		require.Contains(t, run.Steps, id)
		assert.Equal(t, models.StepStatusCompleted, run.Steps[id].Status, id)
	}

	assert.Equal(t, []string{"exec_python", "validate_addon"}, f.sessions.Commands())

	results := eventsOf(t, run, "blender_rpc_result")
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0]["ok"])
	assert.Equal(t, "session_test", results[0]["sessionId"])

	completed := eventsOf(t, run, "run_completed")
	require.Len(t, completed, 1)
	assert.EqualValues(t, len(run.Artifacts), completed[0]["artifactCount"])

	messages := eventsOf(t, run, "assistant_message")
	require.NotEmpty(t, messages)
	assert.Contains(t, messages[len(messages)-1]["content"], "Run completed successfully.")

	verify, err := f.audit.Verify(t.Context())
	require.NoError(t, err)
	assert.True(t, verify.OK)
	assert.Equal(t, 1, verify.RecordCount)
}

func TestOrchestrator_EventsArePersistedThenPublishedInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(readySession()))
	run := f.wait(t, f.start(t).ID)

	published := f.hub.Envelopes(run.ID)
	require.Len(t, published, len(run.Events))

	for i, env := range published {
		assert.Equal(t, run.Events[i].ID, env.Event.ID)
		assert.Equal(t, run.ID, env.Run.ID)
		assert.Equal(t, "run:"+run.ID, env.Event.Correlation.RunCorrelationID)
	}

	last := published[len(published)-1]
	assert.Equal(t, "run_completed", last.Event.Type)
	assert.Equal(t, models.RunStatusCompleted, last.Run.Status)

	stored, err := f.store.RunByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, eventTypes(run), eventTypes(stored))
}

func TestOrchestrator_GateRequiresDone(t *testing.T) {
	t.Parallel()

	plan := testutil.CreateTestPlan(testutil.WithGate(true, false))
	f := newFixture(t, plan, newFakeSessions(readySession()))

	run := f.wait(t, f.start(t).ID)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "Verification gate failed: protocol.done must be true when gate verification is required.", *run.Error)
	assert.Equal(t, models.StepStatusCompleted, run.Steps[models.StepValidation].Status)

	gates := eventsOf(t, run, "verification_gate")
	require.Len(t, gates, 1)
	assert.Equal(t, false, gates[0]["success"])
	assert.Equal(t, []any{"DONE_REQUIRED"}, gates[0]["failed_gates"])
	assert.Equal(t, []any{"Protocol marked requires_gate_verification=true but done is not true."}, gates[0]["messages"])

	failed := eventsOf(t, run, "run_failed")
	require.Len(t, failed, 1)
	assert.Equal(t, false, failed[0]["cancelled"])

	verify, err := f.audit.Verify(t.Context())
	require.NoError(t, err)
	assert.True(t, verify.OK)
	assert.Equal(t, 2, verify.RecordCount)
}

func TestOrchestrator_GateFallbackOnValidationFailure(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions(readySession())
	sessions.validateErr = taxonomy.New(taxonomy.CodeRPCBridgeError, "addon failed to register")

	f := newFixture(t, testutil.CreateTestPlan(testutil.WithGate(true, true)), sessions)

	run := f.wait(t, f.start(t).ID)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "addon failed to register", *run.Error)

	validation := run.Steps[models.StepValidation]
	assert.Equal(t, models.StepStatusFailed, validation.Status)
	require.NotNil(t, validation.Error)

	gates := eventsOf(t, run, "verification_gate")
	require.Len(t, gates, 1)
	assert.Equal(t, []any{"BLENDER_VALIDATION"}, gates[0]["failed_gates"])

	results := eventsOf(t, run, "blender_rpc_result")
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0]["ok"])
}

func TestOrchestrator_CancelDuringValidation(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions(readySession())
	sessions.hangValidate = true

	f := newFixture(t, testutil.CreateTestPlan(testutil.WithGate(true, false)), sessions)
	queued := f.start(t)

	select {
	case <-sessions.validating:
	case <-time.After(10 * time.Second):
		t.Fatal("validation RPC was never sent")
	}

	snapshot, err := f.orch.CancelRun(t.Context(), queued.ID)
	require.NoError(t, err)
	assert.True(t, snapshot.CancelRequested)
	assert.NotNil(t, snapshot.CancelRequestedAt)

	run := f.wait(t, queued.ID)

	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.True(t, run.CancelRequested)
	require.NotNil(t, run.CancelRequestedAt)
	require.NotNil(t, run.Error)
	assert.Equal(t, "Run cancelled by user request.", *run.Error)
	assert.Equal(t, models.StepStatusFailed, run.Steps[models.StepValidation].Status)

	types := eventTypes(run)
	assert.Contains(t, types, "blender_rpc_cancel_escalated")
	assert.NotContains(t, types, "run_completed")
	assert.NotContains(t, types, "verification_gate")
	assert.Equal(t, "run_failed", types[len(types)-1])

	failed := eventsOf(t, run, "run_failed")
	require.Len(t, failed, 1)
	assert.Equal(t, true, failed[0]["cancelled"])

	assert.Equal(t, []string{"session_test"}, sessions.Stopped())
}

func TestOrchestrator_CancelDuringGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(readySession()))
	f.planner.block = make(chan struct{})
	t.Cleanup(func() { close(f.planner.block) })

	queued := f.start(t)

	require.Eventually(t, func() bool {
		run, err := f.orch.GetRun(t.Context(), queued.ID)
		return err == nil && run.Steps[models.StepGeneration] != nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.orch.CancelRun(t.Context(), queued.ID)
	require.NoError(t, err)

	run := f.wait(t, queued.ID)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.Equal(t, models.StepStatusFailed, run.Steps[models.StepGeneration].Status)
	assert.NotContains(t, run.Steps, models.StepValidation)
}

func TestOrchestrator_ProcessFallbackNonZeroExit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(nil))
	code := 3
	f.host.exitCode = &code
	f.host.lines = []string{"loading addon", "Traceback: boom"}

	run := f.wait(t, f.start(t).ID)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "Blender exited with code 3", *run.Error)
	assert.Equal(t, models.StepStatusFailed, run.Steps[models.StepValidation].Status)

	require.Len(t, run.LogLines, 2)
	assert.Equal(t, "Traceback: boom", run.LogLines[1].Line)
	assert.Equal(t, "stdout", run.LogLines[1].Stream)

	started := eventsOf(t, run, "blender_started")
	require.Len(t, started, 1)
	assert.EqualValues(t, 4242, started[0]["pid"])
	assert.Equal(t, models.RunModeHeadless, started[0]["mode"])

	require.Len(t, f.host.opts, 1)
	assert.Equal(t, "blender", f.host.opts[0].BlenderPath)
	assert.Equal(t, filepath.Join(run.Artifacts[0].Path, "addon"), f.host.opts[0].AddonPath)
}

func TestOrchestrator_ProcessFallbackSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(nil))
	code := 0
	f.host.exitCode = &code

	run := f.wait(t, f.start(t).ID)

	assert.Equal(t, models.RunStatusCompleted, run.Status)

	completed := eventsOf(t, run, "step_completed")
	require.NotEmpty(t, completed)
	assert.EqualValues(t, 0, completed[len(completed)-1]["exitCode"])
}

func TestOrchestrator_CancelTerminatesProcess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(nil))
	queued := f.start(t)

	require.Eventually(t, func() bool {
		run, err := f.orch.GetRun(t.Context(), queued.ID)
		return err == nil && slices.Contains(eventTypes(run), "blender_started")
	}, 10*time.Second, 10*time.Millisecond)

	_, err := f.orch.CancelRun(t.Context(), queued.ID)
	require.NoError(t, err)

	run := f.wait(t, queued.ID)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.Contains(t, eventTypes(run), "blender_process_cancel_signal")

	select {
	case <-f.host.process.terminated:
	default:
		t.Fatal("host process was not terminated")
	}
}

func TestOrchestrator_ProviderFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(readySession()))
	f.planner.err = taxonomy.New(taxonomy.CodeProviderTimeout, "Provider request timed out after 1000ms.")

	run := f.wait(t, f.start(t).ID)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "Provider request timed out after 1000ms.", *run.Error)
	assert.Equal(t, models.StepStatusFailed, run.Steps[models.StepGeneration].Status)
	assert.Nil(t, run.Protocol)

	spans := eventsOf(t, run, "trace_span")
	require.Len(t, spans, 1)
	assert.Equal(t, "error", spans[0]["status"])
	assert.Equal(t, models.StepGeneration, spans[0]["stepId"])
}

func TestOrchestrator_CancelTerminalRunIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(readySession()))
	done := f.wait(t, f.start(t).ID)
	require.Equal(t, models.RunStatusCompleted, done.Status)

	run, err := f.orch.CancelRun(t.Context(), done.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.False(t, run.CancelRequested)
	assert.Len(t, run.Events, len(done.Events))
}

func TestOrchestrator_UnknownRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(nil))

	_, err := f.orch.GetRun(t.Context(), "run_missing")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)

	_, err = f.orch.CancelRun(t.Context(), "run_missing")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func TestOrchestrator_StartRunRequiresPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(nil))

	_, err := f.orch.StartRun(t.Context(), orchestrator.StartRunRequest{Prompt: "   "})
	require.Error(t, err)
	assert.True(t, taxonomy.IsCode(err, taxonomy.CodeValidationFailed))
}

func TestOrchestrator_StartRunStoreFailure(t *testing.T) {
	t.Parallel()

	store := &mocks.MockRunStore{}
	store.On("SaveRun", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	orch := orchestrator.New(orchestrator.Config{RunsDir: t.TempDir()}, orchestrator.Deps{
		Store:    store,
		Settings: staticSettings{settings: testutil.TestSettings()},
		Planner:  &fakePlanner{plan: testutil.CreateTestPlan()},
		Sessions: newFakeSessions(nil),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := orch.StartRun(t.Context(), orchestrator.StartRunRequest{Prompt: "hello"})
	require.EqualError(t, err, "disk full")
	assert.Equal(t, 0, orch.ActiveRuns())

	store.AssertExpectations(t)
}

func TestOrchestrator_ListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(readySession()))

	first := f.wait(t, f.start(t).ID)
	second := f.wait(t, f.start(t).ID)

	runs, err := f.orch.ListRuns(t.Context())
	require.NoError(t, err)
	require.Len(t, runs, 2)

	if first.CreatedAt.Equal(second.CreatedAt) {
		assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{runs[0].ID, runs[1].ID})
	} else {
		assert.Equal(t, second.ID, runs[0].ID)
	}
}

func TestOrchestrator_RecoverOrphans(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(nil))

	now := time.Now().UTC()
	orphan := &models.Run{
		ID:        "run_20250101000000_abcdef",
		Prompt:    "left behind",
		Model:     "default",
		Status:    models.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
		Steps:     map[string]*models.StepProgress{},
	}
	require.NoError(t, f.store.SaveRun(t.Context(), orphan))

	recovered, err := f.orch.RecoverOrphans(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	run, err := f.orch.GetRun(t.Context(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "Run interrupted before completion.", *run.Error)
	assert.Equal(t, "run_failed", run.Events[len(run.Events)-1].Type)

	recovered, err = f.orch.RecoverOrphans(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestOrchestrator_CancelStoredOrphan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(nil))

	now := time.Now().UTC()
	orphan := &models.Run{
		ID:        "run_20250101000000_fedcba",
		Prompt:    "queued elsewhere",
		Model:     "default",
		Status:    models.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Steps:     map[string]*models.StepProgress{},
	}
	require.NoError(t, f.store.SaveRun(t.Context(), orphan))

	run, err := f.orch.CancelRun(t.Context(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.True(t, run.CancelRequested)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions(readySession())
	sessions.hangValidate = true

	f := newFixture(t, testutil.CreateTestPlan(), sessions)
	queued := f.start(t)

	<-sessions.validating

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	require.NoError(t, f.orch.Shutdown(ctx))

	run, err := f.orch.GetRun(t.Context(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)

	_, err = f.orch.StartRun(t.Context(), orchestrator.StartRunRequest{Prompt: "too late"})
	assert.ErrorIs(t, err, orchestrator.ErrShuttingDown)
}

func TestOrchestrator_Health(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.CreateTestPlan(), newFakeSessions(readySession()))
	f.wait(t, f.start(t).ID)

	report := f.orch.Health(t.Context())

	assert.Equal(t, 1, report.RunCount)
	assert.Equal(t, 0, report.ActiveRuns)
	assert.True(t, report.Store.OK)
	assert.True(t, report.Audit.OK)
	assert.True(t, report.Provider.OK)
	assert.True(t, report.Session.OK)
	assert.Equal(t, report.Store.OK && report.Blender.OK && report.Audit.OK && report.Provider.OK, report.OK)

	if report.OK {
		assert.Equal(t, "ready", report.Status)
	} else {
		assert.Equal(t, "degraded", report.Status)
	}
}
