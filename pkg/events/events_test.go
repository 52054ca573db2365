package events_test

import (
	"testing"

	"github.com/dukex/aether/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		eventType events.EventType
		want      string
	}{
		{events.RunStarted, "run.lifecycle.started"},
		{events.TraceSpan, "trace.span"},
		{events.ProtocolRPCCancelEscalated, "protocol.rpc.cancel_escalated"},
		{events.ProtocolPython, "event.protocol_python"},
		{"  ", "event.unknown"},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, events.Taxonomy(tt.eventType))
		})
	}
}

func TestBuildCorrelation(t *testing.T) {
	t.Parallel()

	c := events.BuildCorrelation("run_1", "step_1")
	require.NotNil(t, c.StepID)
	require.NotNil(t, c.StepCorrelationID)
	assert.Equal(t, "run:run_1", c.RunCorrelationID)
	assert.Equal(t, "step_1", *c.StepID)
	assert.Equal(t, "run:run_1:step:step_1", *c.StepCorrelationID)

	noStep := events.BuildCorrelation("run_1", "")
	assert.Nil(t, noStep.StepID)
	assert.Nil(t, noStep.StepCorrelationID)
}

func TestSSEName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "done", events.SSEName(events.RunFailed))
	assert.Equal(t, "log", events.SSEName(events.BlenderLog))
	assert.Equal(t, "trace", events.SSEName(events.StepStarted))
	assert.Equal(t, "assistant.message", events.SSEName(events.AssistantMessage))
	assert.Equal(t, "event", events.SSEName(events.VerificationGate))
	assert.True(t, events.IsTerminal(events.RunCompleted))
	assert.False(t, events.IsTerminal(events.StepCompleted))
}
