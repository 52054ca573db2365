package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/addonspec"
	"github.com/dukex/aether/pkg/blender"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/orchestrator"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/provider"
	"github.com/dukex/aether/pkg/session"
	"github.com/dukex/aether/pkg/taxonomy"
)

type staticSettings struct {
	settings models.Settings
}

func (s staticSettings) Get() models.Settings { return s.settings }

type fakePlanner struct {
	mu    sync.Mutex
	plan  *models.Plan
	err   error
	calls int

	// block holds GenerateProtocolPlan until closed; the call ignores ctx.
	block chan struct{}
}

func (p *fakePlanner) GenerateProtocolPlan(_ context.Context, req provider.GenerateRequest) (*provider.PlanResult, error) {
	p.mu.Lock()
	p.calls++
	plan, err, block := p.plan, p.err, p.block
	p.mu.Unlock()

	if block != nil {
		<-block
	}

	if req.OnSpan != nil {
		req.OnSpan(protocol.Span{
			Name:      "provider.openai.request",
			Component: "provider",
			StartedAt: time.Now().UTC(),
			EndedAt:   time.Now().UTC(),
			Err:       err,
		})
	}

	if err != nil {
		return nil, err
	}

	return &provider.PlanResult{
		Provider: "openai",
		Model:    "gpt-test",
		Content:  `{"version":"1.0"}`,
		Plan:     plan.Clone(),
	}, nil
}

func (p *fakePlanner) GenerateAddonSpec(_ context.Context, req provider.GenerateRequest) (*provider.AddonSpecResult, error) {
	return &provider.AddonSpecResult{
		Provider: "openai",
		Model:    "gpt-test",
		Spec:     addonspec.Fallback(req.Prompt),
	}, nil
}

func (p *fakePlanner) Ping(context.Context, models.Settings) provider.Health {
	return provider.Health{OK: true, Provider: "openai", Model: "gpt-test", Message: "ok"}
}

type rpcCall struct {
	Command string
	Payload map[string]any
}

// fakeSessions serves one session. With hangValidate set, validate_addon never answers
// until the session is stopped.
type fakeSessions struct {
	mu       sync.Mutex
	active   *models.Session
	calls    []rpcCall
	stopped  []string
	stopOnce sync.Once
	stopCh   chan struct{}

	validateErr  error
	hangValidate bool
	validating   chan struct{}
	validateOnce sync.Once
}

func newFakeSessions(active *models.Session) *fakeSessions {
	return &fakeSessions{
		active:     active,
		stopCh:     make(chan struct{}),
		validating: make(chan struct{}),
	}
}

func readySession() *models.Session {
	now := time.Now().UTC()

	return &models.Session{
		ID:          "session_test",
		Status:      models.SessionStatusRunning,
		Mode:        models.RunModeHeadless,
		RPCPort:     9876,
		RPCReady:    true,
		SupportsRPC: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *fakeSessions) Active() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil
	}

	c := *s.active

	return &c
}

func (s *fakeSessions) ExecuteOnActive(_ context.Context, command string, payload map[string]any, _ time.Duration) (*session.RPCResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, rpcCall{Command: command, Payload: payload})
	active := s.active
	s.mu.Unlock()

	if active == nil {
		return nil, taxonomy.New(taxonomy.CodeNoActiveSession, "")
	}

	if command == "validate_addon" {
		s.validateOnce.Do(func() { close(s.validating) })

		if s.hangValidate {
			<-s.stopCh

			return nil, taxonomy.New(taxonomy.CodeRPCBridgeError, "session stopped")
		}

		if s.validateErr != nil {
			return nil, s.validateErr
		}
	}

	return &session.RPCResult{SessionID: active.ID, Result: map[string]any{"ok": true}}, nil
}

func (s *fakeSessions) Stop(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = append(s.stopped, id)
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.active == nil {
		return nil, errors.New("no session")
	}

	s.active.Status = models.SessionStatusStopped

	c := *s.active

	return &c, nil
}

func (s *fakeSessions) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Command)
	}

	return out
}

func (s *fakeSessions) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.stopped...)
}

type fakeProcess struct {
	done       chan blender.Result
	terminated chan struct{}
	termOnce   sync.Once
}

func (p *fakeProcess) Info() blender.Info {
	return blender.Info{PID: 4242, Command: "blender", Args: []string{"-b", "-P", "harness.py", "--", "addon"}}
}

func (p *fakeProcess) Done() <-chan blender.Result { return p.done }

func (p *fakeProcess) Terminate() {
	p.termOnce.Do(func() {
		close(p.terminated)

		select {
		case p.done <- blender.Result{OK: false, ExitCode: -1, Signal: "terminated"}:
		default:
		}
	})
}

// fakeHost launches fake processes. With exitCode set the process exits immediately,
// otherwise it runs until terminated.
type fakeHost struct {
	mu       sync.Mutex
	lines    []string
	exitCode *int
	opts     []blender.Options
	process  *fakeProcess
	started  chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{started: make(chan struct{})}
}

func (h *fakeHost) Start(opts blender.Options, onLog func(blender.LogLine)) (orchestrator.HostProcess, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.opts = append(h.opts, opts)

	for _, line := range h.lines {
		onLog(blender.LogLine{Stream: blender.StreamStdout, Line: line, Timestamp: time.Now().UTC()})
	}

	p := &fakeProcess{done: make(chan blender.Result, 1), terminated: make(chan struct{})}
	if h.exitCode != nil {
		p.done <- blender.Result{OK: *h.exitCode == 0, ExitCode: *h.exitCode}
	}

	h.process = p
	close(h.started)

	return p, nil
}

type recordingHub struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (h *recordingHub) Publish(_ context.Context, env events.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.envelopes = append(h.envelopes, env)
}

func (h *recordingHub) Envelopes(runID string) []events.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []events.Envelope

	for _, env := range h.envelopes {
		if env.RunID == runID {
			out = append(out, env)
		}
	}

	return out
}
