package web_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/orchestrator"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/session"
	"github.com/dukex/aether/pkg/taxonomy"
)

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*models.Run
	seq  int
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*models.Run{}}
}

func (f *fakeRuns) put(run *models.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runs[run.ID] = run.Clone()
}

func (f *fakeRuns) StartRun(_ context.Context, req orchestrator.StartRunRequest) (*models.Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, taxonomy.New(taxonomy.CodeValidationFailed, "prompt is required").WithPath("prompt")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	now := time.Now().UTC()
	run := &models.Run{
		ID:        fmt.Sprintf("run_test_%d", f.seq),
		Prompt:    req.Prompt,
		Model:     req.Model,
		Status:    models.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.runs[run.ID] = run

	return run.Clone(), nil
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[id]
	if !ok {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	return run.Clone(), nil
}

func (f *fakeRuns) ListRuns(context.Context) ([]*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*models.Run, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run.Clone())
	}

	persistence.SortNewestFirst(out)

	return out, nil
}

func (f *fakeRuns) CancelRun(_ context.Context, id string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	if !run.Status.IsTerminal() {
		msg := "Run cancelled by user request."
		run.Status = models.RunStatusCancelled
		run.CancelRequested = true
		run.Error = &msg
	}

	return run.Clone(), nil
}

func (f *fakeRuns) Health(context.Context) orchestrator.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()

	return orchestrator.HealthReport{OK: true, Status: "ready", RunCount: len(f.runs)}
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions []models.Session
	calls    []string
	payloads []map[string]any
}

func (f *fakeSessions) Attach(_ context.Context, req session.AttachRequest) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	s := models.Session{
		ID:          fmt.Sprintf("blender_test_%d", len(f.sessions)+1),
		Status:      models.SessionStatusRunning,
		Mode:        req.Mode,
		RPCPort:     req.Port,
		RPCToken:    req.Token,
		RPCReady:    true,
		SupportsRPC: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.sessions = append([]models.Session{s}, f.sessions...)

	return &s, nil
}

func (f *fakeSessions) Get(id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.sessions {
		if s.ID == id {
			return &s, nil
		}
	}

	return nil, taxonomy.New(taxonomy.CodeSessionNotFound, "")
}

func (f *fakeSessions) List() []models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]models.Session(nil), f.sessions...)
}

func (f *fakeSessions) Active() *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.sessions {
		if s.Status == models.SessionStatusRunning {
			return &s
		}
	}

	return nil
}

func (f *fakeSessions) Execute(_ context.Context, id, command string, payload map[string]any, _ time.Duration) (any, error) {
	if _, err := f.Get(id); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, command)
	f.payloads = append(f.payloads, payload)

	return map[string]any{"command": command}, nil
}

func (f *fakeSessions) Stop(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.sessions {
		if f.sessions[i].ID == id {
			f.sessions[i].Status = models.SessionStatusStopped
			s := f.sessions[i]

			return &s, nil
		}
	}

	return nil, taxonomy.New(taxonomy.CodeSessionNotFound, "")
}

func (f *fakeSessions) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

// fakeSubscriber hands out one pre-filled channel per run.
type fakeSubscriber struct {
	mu       sync.Mutex
	channels map[string]chan events.Envelope
}

func (f *fakeSubscriber) feed(runID string, envs ...events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.channels == nil {
		f.channels = map[string]chan events.Envelope{}
	}

	ch := make(chan events.Envelope, len(envs))
	for _, env := range envs {
		ch <- env
	}

	f.channels[runID] = ch
}

func (f *fakeSubscriber) Subscribe(_ context.Context, runID string) (<-chan events.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.channels[runID]
	if !ok {
		ch = make(chan events.Envelope)
		close(ch)
	}

	return ch, nil
}

func sessionAttach() session.AttachRequest {
	return session.AttachRequest{Port: 8765, Token: "tok", Mode: "headless"}
}
