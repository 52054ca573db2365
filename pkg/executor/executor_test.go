package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/aether/pkg/executors"
	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/otelhelper"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/registry"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleExecutor struct {
	executors.Base

	prepareErr error
	runErr     error
	ran        atomic.Int32
	cancelled  atomic.Int32
	cleaned    atomic.Int32
}

func (l *lifecycleExecutor) Prepare(context.Context, *protocol.StepContext) error {
	return l.prepareErr
}

func (l *lifecycleExecutor) Run(context.Context, *protocol.StepContext) error {
	l.ran.Add(1)

	return l.runErr
}

func (l *lifecycleExecutor) Cancel(context.Context, *protocol.StepContext) error {
	l.cancelled.Add(1)

	return errors.New("cancel is best effort")
}

func (l *lifecycleExecutor) Cleanup(context.Context, *protocol.StepContext) error {
	l.cleaned.Add(1)

	return errors.New("cleanup errors are ignored")
}

type lifecycleFactory struct {
	exec *lifecycleExecutor
}

func (f *lifecycleFactory) ID() models.StepType { return models.StepTypePython }

func (f *lifecycleFactory) Name() string { return "lifecycle" }

func (f *lifecycleFactory) Create(models.Step) (protocol.StepExecutor, error) {
	return f.exec, nil
}

type fixture struct {
	executor *Executor
	bridge   *testutil.FakeBridge
	hooks    *testutil.RecordingHooks
	metrics  *metrics.Recorder
	rc       RunContext
}

func newFixture(t *testing.T, factories ...protocol.StepExecutorFactory) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultExecutors()

	for _, f := range factories {
		reg.Register(f)
	}

	bridge := &testutil.FakeBridge{}
	recorder := metrics.NewRecorder()

	return &fixture{
		executor: New(reg, bridge, recorder, otelhelper.Noop(), logger),
		bridge:   bridge,
		hooks:    testutil.NewRecordingHooks(),
		metrics:  recorder,
		rc: RunContext{
			RunID:    "run_20260101000000_abcdef",
			RunDir:   filepath.Join(t.TempDir(), "run"),
			Settings: testutil.TestSettings(),
		},
	}
}

func TestExecute_EmptyPlanIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.executor.Execute(t.Context(), testutil.CreateTestPlan(), f.rc, f.hooks))
	require.NoError(t, f.executor.Execute(t.Context(), nil, f.rc, f.hooks))

	assert.NoDirExists(t, filepath.Join(f.rc.RunDir, ProtocolDirName))
	assert.Empty(t, f.hooks.Started())
}

func TestExecute_RunsStepsInOrder(t *testing.T) {
	f := newFixture(t)

	plan := testutil.CreateTestPlan(testutil.WithSteps(
		testutil.NodeTreeStep("tree", models.NodeTreeOp{Op: models.NodeTreeOpCreateNode, NodeID: "a"}),
		testutil.GnOpsStep("gn", models.GnOp{Op: models.GnOpEnsureTarget}),
		testutil.PythonStep("py", "print(1)"),
	))

	require.NoError(t, f.executor.Execute(t.Context(), plan, f.rc, f.hooks))

	assert.Equal(t, []string{"tree", "gn", "py"}, f.hooks.Started())
	assert.Equal(t, []string{"tree", "gn", "py"}, f.hooks.Completed())
	assert.Len(t, f.bridge.Requests(), 3)
	assert.Len(t, f.hooks.Artifacts(), 3)

	for _, id := range []string{"tree", "gn", "py"} {
		assert.DirExists(t, filepath.Join(f.rc.RunDir, ProtocolDirName, id))
	}

	spans := f.hooks.Spans()
	require.Len(t, spans, 3)
	assert.Equal(t, "executor.node_tree.run", spans[0].Name)
	assert.Equal(t, "executor.gn_ops.run", spans[1].Name)
	assert.Equal(t, "executor.python.run", spans[2].Name)
	assert.Equal(t, "executor", spans[2].Component)
	assert.Equal(t, "PYTHON", spans[2].Attributes["executorType"])
	assert.NoError(t, spans[2].Err)

	assert.Len(t, f.metrics.Snapshot().Executors, 3)
}

func TestExecute_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)

	plan := testutil.CreateTestPlan(testutil.WithSteps(
		testutil.NodeTreeStep("bad",
			models.NodeTreeOp{Op: models.NodeTreeOpCreateNode, NodeID: "a"},
			models.NodeTreeOp{Op: models.NodeTreeOpCreateNode, NodeID: "a"},
		),
		testutil.PythonStep("never", "print(1)"),
	))

	err := f.executor.Execute(t.Context(), plan, f.rc, f.hooks)
	require.ErrorContains(t, err, "already exists")

	assert.Equal(t, []string{"bad"}, f.hooks.Started())
	assert.Empty(t, f.hooks.Completed())
	require.Error(t, f.hooks.Failed("bad"))

	spans := f.hooks.Spans()
	require.Len(t, spans, 1)
	assert.Error(t, spans[0].Err)

	snap := f.metrics.Snapshot()
	require.Len(t, snap.Executors, 1)
	assert.Equal(t, 1, snap.Executors[0].Failure)
}

func TestExecute_CancelAndCleanupLifecycle(t *testing.T) {
	exec := &lifecycleExecutor{runErr: errors.New("run failed")}
	f := newFixture(t, &lifecycleFactory{exec: exec})

	plan := testutil.CreateTestPlan(testutil.WithSteps(testutil.PythonStep("py", "print(1)")))

	require.EqualError(t, f.executor.Execute(t.Context(), plan, f.rc, f.hooks), "run failed")
	assert.Equal(t, int32(1), exec.cancelled.Load())
	assert.Equal(t, int32(1), exec.cleaned.Load())

	exec.runErr = nil
	f.hooks = testutil.NewRecordingHooks()

	require.NoError(t, f.executor.Execute(t.Context(), plan, f.rc, f.hooks))
	assert.Equal(t, int32(1), exec.cancelled.Load(), "cancel only runs on failure")
	assert.Equal(t, int32(2), exec.cleaned.Load())
	assert.Equal(t, []string{"py"}, f.hooks.Completed())
}

func TestExecute_PrepareFailureIsMeasured(t *testing.T) {
	exec := &lifecycleExecutor{prepareErr: errors.New("prepare failed")}
	f := newFixture(t, &lifecycleFactory{exec: exec})

	plan := testutil.CreateTestPlan(testutil.WithSteps(testutil.PythonStep("py", "print(1)")))

	require.EqualError(t, f.executor.Execute(t.Context(), plan, f.rc, f.hooks), "prepare failed")
	assert.Zero(t, exec.ran.Load())
	assert.Equal(t, int32(1), exec.cancelled.Load())
	require.Error(t, f.hooks.Failed("py"))

	spans := f.hooks.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "executor.python.run", spans[0].Name)
	assert.Equal(t, "prepare", spans[0].Attributes["phase"])
	require.EqualError(t, spans[0].Err, "prepare failed")

	snap := f.metrics.Snapshot()
	require.Len(t, snap.Executors, 1)
	assert.Equal(t, 1, snap.Executors[0].Failure)
	assert.Zero(t, snap.Executors[0].Success)
}

func TestExecute_RejectsUnsafeStepID(t *testing.T) {
	tests := []string{"../escape", "a/b", ".hidden", "a..b", "white space"}

	for _, id := range tests {
		t.Run(id, func(t *testing.T) {
			f := newFixture(t)
			plan := testutil.CreateTestPlan(testutil.WithSteps(testutil.PythonStep(id, "print(1)")))

			err := f.executor.Execute(t.Context(), plan, f.rc, f.hooks)
			require.Error(t, err)
			assert.Equal(t, taxonomy.CodeInvalidStepID, taxonomy.CodeOf(err))
			assert.Equal(t, 400, taxonomy.StatusOf(err))
			assert.Empty(t, f.hooks.Started())
			assert.Empty(t, f.bridge.Requests())
		})
	}
}

func TestExecute_RejectsSymlinkedStepDir(t *testing.T) {
	f := newFixture(t)

	outside := t.TempDir()
	protocolDir := filepath.Join(f.rc.RunDir, ProtocolDirName)
	require.NoError(t, os.MkdirAll(protocolDir, 0750))
	require.NoError(t, os.Symlink(outside, filepath.Join(protocolDir, "py")))

	plan := testutil.CreateTestPlan(testutil.WithSteps(testutil.PythonStep("py", "print(1)")))

	err := f.executor.Execute(t.Context(), plan, f.rc, f.hooks)
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeSymlinkBlocked, taxonomy.CodeOf(err))
	assert.Empty(t, f.hooks.Started())

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written through the link")
}

func TestExecute_RejectsSymlinkedProtocolDir(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, os.MkdirAll(f.rc.RunDir, 0750))
	require.NoError(t, os.Symlink(t.TempDir(), filepath.Join(f.rc.RunDir, ProtocolDirName)))

	plan := testutil.CreateTestPlan(testutil.WithSteps(testutil.PythonStep("py", "print(1)")))

	err := f.executor.Execute(t.Context(), plan, f.rc, f.hooks)
	assert.Equal(t, taxonomy.CodeSymlinkBlocked, taxonomy.CodeOf(err))
}

func TestExecute_CancellationWinsTheRace(t *testing.T) {
	f := newFixture(t)
	f.bridge.Block = make(chan struct{})
	t.Cleanup(func() { close(f.bridge.Block) })

	plan := testutil.CreateTestPlan(testutil.WithSteps(
		testutil.PythonStep("slow", "import time"),
		testutil.PythonStep("after", "print(1)"),
	))

	done := make(chan error, 1)
	go func() {
		done <- f.executor.Execute(t.Context(), plan, f.rc, f.hooks)
	}()

	require.Eventually(t, func() bool { return len(f.bridge.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	f.hooks.Cancel(t.Context())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, taxonomy.CodeRunCancelled, taxonomy.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt the step")
	}

	assert.Equal(t, taxonomy.CodeRunCancelled, taxonomy.CodeOf(f.hooks.Failed("slow")))
	assert.Equal(t, []string{"slow"}, f.hooks.Started())
}

func TestExecute_UnregisteredStepType(t *testing.T) {
	f := newFixture(t)

	plan := testutil.CreateTestPlan(testutil.WithSteps(models.Step{ID: "x", Type: "RENDER", Description: "render"}))

	err := f.executor.Execute(t.Context(), plan, f.rc, f.hooks)
	require.ErrorContains(t, err, "RENDER")
	require.Error(t, f.hooks.Failed("x"))
}

func TestIsSubPath(t *testing.T) {
	assert.True(t, isSubPath("/a/b", "/a/b"))
	assert.True(t, isSubPath("/a/b", "/a/b/c"))
	assert.True(t, isSubPath("/a/b", "/a/b/..c"))
	assert.False(t, isSubPath("/a/b", "/a"))
	assert.False(t, isSubPath("/a/b", "/a/bc"))
	assert.False(t, isSubPath("/a/b", "/x/y"))
}

func TestAssertPathSafe_Traversal(t *testing.T) {
	root := t.TempDir()

	_, err := assertPathSafe(root, filepath.Join(root, "..", "elsewhere"))
	assert.Equal(t, taxonomy.CodePathTraversalBlocked, taxonomy.CodeOf(err))

	got, err := assertPathSafe(root, filepath.Join(root, "protocol_steps", "missing", "deeper"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "protocol_steps", "missing", "deeper"), got)
}
