package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/gofiber/fiber/v3"
)

const defaultHeartbeat = 15 * time.Second

// SSE event names sent outside the run event taxonomy.
const (
	sseConnected = "connected"
	sseRun       = "run"
	sseHeartbeat = "heartbeat"
)

// StreamRun serves the run's events as server-sent events: a connected marker, the run
// summary, the stored history, then live events until the run ends or the client leaves.
// A terminal run closes the stream after the history.
func (h *APIHandlers) StreamRun(c fiber.Ctx) error {
	id := c.Params("id")

	run, err := h.runs.GetRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())

	var live <-chan events.Envelope

	if !run.Status.IsTerminal() {
		live, err = h.events.Subscribe(subCtx, id)
		if err != nil {
			cancel()

			return handleServiceError(c, err)
		}

		// Re-read after subscribing so no event falls between history and live delivery.
		if run, err = h.runs.GetRun(c.Context(), id); err != nil {
			cancel()

			return handleServiceError(c, err)
		}
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	logger := h.logger.With("run_id", id)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		if err := h.stream(w, run, live); err != nil {
			logger.Debug("event stream closed", "error", err)
		}
	})

	return nil
}

func (h *APIHandlers) stream(w *bufio.Writer, run *models.Run, live <-chan events.Envelope) error {
	if err := writeSSE(w, sseConnected, map[string]string{"runId": run.ID}); err != nil {
		return err
	}

	summary := run.Summarize()
	if err := writeSSE(w, sseRun, map[string]any{"run": summary}); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(run.Events))

	for _, evt := range run.Events {
		seen[evt.ID] = struct{}{}

		env := events.Envelope{RunID: run.ID, Event: evt, Run: summary}
		if err := writeSSE(w, env.Name(), env); err != nil {
			return err
		}
	}

	if live == nil || run.Status.IsTerminal() {
		return nil
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return nil

		case env, ok := <-live:
			if !ok {
				return nil
			}

			if _, dup := seen[env.Event.ID]; dup {
				continue
			}

			if err := writeSSE(w, env.Name(), env); err != nil {
				return err
			}

			if events.IsTerminal(events.EventType(env.Event.Type)) {
				return nil
			}

		case now := <-ticker.C:
			if err := writeSSE(w, sseHeartbeat, map[string]int64{"ts": now.UnixMilli()}); err != nil {
				return err
			}
		}
	}
}

// writeSSE writes one event and flushes. A flush error means the client went away.
func writeSSE(w *bufio.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}

	return w.Flush()
}
