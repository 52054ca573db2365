package eventbus_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/aether/pkg/channels/gochannel"
	"github.com/dukex/aether/pkg/eventbus"
	"github.com/dukex/aether/pkg/events"
	"github.com/dukex/aether/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(t *testing.T) *eventbus.Hub {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	hub := eventbus.NewHub(pub, sub, logger)
	t.Cleanup(func() { _ = hub.Close() })

	return hub
}

func envelope(runID, eventType string) events.Envelope {
	return events.Envelope{
		RunID: runID,
		Event: models.Event{ID: "evt_" + eventType, Type: eventType, RunID: runID},
		Run:   models.Summary{ID: runID},
	}
}

func receive(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()

	select {
	case env, ok := <-ch:
		require.True(t, ok, "subscription closed")

		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	return events.Envelope{}
}

func TestHub_FiltersByRun(t *testing.T) {
	t.Parallel()

	hub := newHub(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	mine, err := hub.Subscribe(ctx, "run_a")
	require.NoError(t, err)

	hub.Publish(ctx, envelope("run_b", "run_started"))
	hub.Publish(ctx, envelope("run_a", "run_started"))
	hub.Publish(ctx, envelope("run_a", "step_started"))

	first := receive(t, mine)
	second := receive(t, mine)

	assert.Equal(t, "run_a", first.RunID)
	assert.Equal(t, "run_started", first.Event.Type)
	assert.Equal(t, "step_started", second.Event.Type)
	assert.Equal(t, "run_a", second.Run.ID)
}

func TestHub_SubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	hub := newHub(t)

	ctx, cancel := context.WithCancel(t.Context())

	ch, err := hub.Subscribe(ctx, "run_a")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestHub_ClosedHub(t *testing.T) {
	t.Parallel()

	hub := newHub(t)
	require.NoError(t, hub.Close())

	hub.Publish(t.Context(), envelope("run_a", "run_started"))

	_, err := hub.Subscribe(t.Context(), "run_a")
	assert.ErrorIs(t, err, eventbus.ErrClosed)
}
