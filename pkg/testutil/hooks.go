package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/taxonomy"
)

// RecordedEvent is one event captured by RecordingHooks.
type RecordedEvent struct {
	Type events.EventType
	Data map[string]any
}

// RecordingHooks is an in-memory protocol.RunHooks that records every call.
type RecordingHooks struct {
	mu        sync.Mutex
	events    []RecordedEvent
	artifacts []models.Artifact
	started   []string
	completed []string
	failed    map[string]error
	spans     []protocol.Span
	handlers  map[int]protocol.CancelHandler
	nextID    int

	cancelOnce sync.Once
	cancelled  chan struct{}
}

var _ protocol.RunHooks = (*RecordingHooks)(nil)

func NewRecordingHooks() *RecordingHooks {
	return &RecordingHooks{
		failed:    map[string]error{},
		handlers:  map[int]protocol.CancelHandler{},
		cancelled: make(chan struct{}),
	}
}

func (h *RecordingHooks) StartStep(_ context.Context, stepID, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.started = append(h.started, stepID)

	return nil
}

func (h *RecordingHooks) CompleteStep(_ context.Context, stepID, _ string, _ map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.completed = append(h.completed, stepID)

	return nil
}

func (h *RecordingHooks) FailStep(_ context.Context, stepID string, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failed[stepID] = err

	return nil
}

func (h *RecordingHooks) AppendEvent(_ context.Context, eventType events.EventType, data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, RecordedEvent{Type: eventType, Data: data})

	return nil
}

func (h *RecordingHooks) AddArtifact(_ context.Context, artifact models.Artifact) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.artifacts = append(h.artifacts, artifact)

	return nil
}

func (h *RecordingHooks) ExecuteWithCancellation(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-h.cancelled:
		return taxonomy.New(taxonomy.CodeRunCancelled, "")
	default:
	}

	done := make(chan error, 1)

	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-h.cancelled:
		return taxonomy.New(taxonomy.CodeRunCancelled, "")
	}
}

func (h *RecordingHooks) RegisterCancelHandler(handler protocol.CancelHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.handlers[id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.handlers, id)
	}
}

func (h *RecordingHooks) RecordSpan(_ context.Context, span protocol.Span) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.spans = append(h.spans, span)

	return nil
}

// Cancel runs the registered handlers and signals cancellation.
func (h *RecordingHooks) Cancel(ctx context.Context) {
	h.mu.Lock()
	handlers := make([]protocol.CancelHandler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()

	for _, handler := range handlers {
		_ = handler(ctx)
	}

	h.cancelOnce.Do(func() { close(h.cancelled) })
}

func (h *RecordingHooks) Events() []RecordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]RecordedEvent(nil), h.events...)
}

// EventsOfType returns the data of every event of type t.
func (h *RecordingHooks) EventsOfType(t events.EventType) []map[string]any {
	var out []map[string]any

	for _, e := range h.Events() {
		if e.Type == t {
			out = append(out, e.Data)
		}
	}

	return out
}

func (h *RecordingHooks) Artifacts() []models.Artifact {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]models.Artifact(nil), h.artifacts...)
}

func (h *RecordingHooks) Started() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.started...)
}

func (h *RecordingHooks) Completed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.completed...)
}

func (h *RecordingHooks) Failed(stepID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.failed[stepID]
}

func (h *RecordingHooks) Spans() []protocol.Span {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]protocol.Span(nil), h.spans...)
}

// HandlerCount returns the number of registered cancel handlers.
func (h *RecordingHooks) HandlerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.handlers)
}

// FakeBridge is a protocol.Bridge that records requests and returns a fixed outcome.
type FakeBridge struct {
	mu       sync.Mutex
	requests []protocol.BridgeRequest

	Result map[string]any
	Err    error
	// Block, when set, holds Execute until it is closed or ctx ends.
	Block chan struct{}
}

var _ protocol.Bridge = (*FakeBridge)(nil)

func (b *FakeBridge) Execute(ctx context.Context, _ *protocol.StepContext, req protocol.BridgeRequest) (map[string]any, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.Block != nil {
		select {
		case <-b.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return b.Result, b.Err
}

func (b *FakeBridge) Requests() []protocol.BridgeRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]protocol.BridgeRequest(nil), b.requests...)
}

// NewStepContext builds a step context rooted at runDir with the artifact directory created.
func NewStepContext(runDir string, step models.Step, hooks protocol.RunHooks, bridge protocol.Bridge) (*protocol.StepContext, error) {
	artifactDir := filepath.Join(runDir, "protocol_steps", step.ID)
	if err := os.MkdirAll(artifactDir, 0750); err != nil {
		return nil, err
	}

	return &protocol.StepContext{
		RunID:       "run_test",
		RunDir:      runDir,
		ArtifactDir: artifactDir,
		Step:        step,
		Settings:    TestSettings(),
		Hooks:       hooks,
		Bridge:      bridge,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}
