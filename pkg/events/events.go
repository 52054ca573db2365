// Package events defines run event types, their taxonomy and the envelopes published on the event bus.
package events

import (
	"strings"

	"github.com/dukex/aether/pkg/models"
)

type EventType string

// Topic carries every run event; subscribers filter by the run id metadata key.
const Topic = "aether.run.events"

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
	RunIDMetadataKey     = "run_id"
)

const (
	// Run lifecycle.
	RunStarted   EventType = "run_started"
	RunCompleted EventType = "run_completed"
	RunFailed    EventType = "run_failed"

	// Step progress.
	StepStarted   EventType = "step_started"
	StepCompleted EventType = "step_completed"

	ToolCalled       EventType = "tool_called"
	AssistantMessage EventType = "assistant_message"
	VerificationGate EventType = "verification_gate"
	TraceSpan        EventType = "trace_span"

	// Host validation.
	BlenderStarted             EventType = "blender_started"
	BlenderLog                 EventType = "blender_log"
	BlenderRPCCall             EventType = "blender_rpc_call"
	BlenderRPCResult           EventType = "blender_rpc_result"
	BlenderRPCCancelEscalated  EventType = "blender_rpc_cancel_escalated"
	BlenderProcessCancelSignal EventType = "blender_process_cancel_signal"

	// Protocol execution.
	ProtocolRPCSkipped         EventType = "protocol_rpc_skipped"
	ProtocolRPCResult          EventType = "protocol_rpc_result"
	ProtocolRPCError           EventType = "protocol_rpc_error"
	ProtocolRPCCancelEscalated EventType = "protocol_rpc_cancel_escalated"
	ProtocolRPCCancelError     EventType = "protocol_rpc_cancel_error"
	ProtocolNodeTree           EventType = "protocol_node_tree"
	ProtocolGnOps              EventType = "protocol_gn_ops"
	ProtocolPython             EventType = "protocol_python"
)

var taxonomy = map[EventType]string{
	RunStarted:                 "run.lifecycle.started",
	RunCompleted:               "run.lifecycle.completed",
	RunFailed:                  "run.lifecycle.failed",
	StepStarted:                "run.step.started",
	StepCompleted:              "run.step.completed",
	ToolCalled:                 "tool.invocation",
	BlenderStarted:             "blender.lifecycle.started",
	BlenderLog:                 "blender.log.line",
	BlenderRPCCall:             "blender.rpc.call",
	BlenderRPCResult:           "blender.rpc.result",
	AssistantMessage:           "assistant.message",
	VerificationGate:           "verification.gate",
	ProtocolRPCSkipped:         "protocol.rpc.skipped",
	ProtocolRPCResult:          "protocol.rpc.result",
	ProtocolRPCError:           "protocol.rpc.error",
	ProtocolRPCCancelEscalated: "protocol.rpc.cancel_escalated",
	ProtocolRPCCancelError:     "protocol.rpc.cancel_error",
	TraceSpan:                  "trace.span",
}

// Taxonomy returns the dotted event class for t, "event.<type>" for unmapped types.
func Taxonomy(t EventType) string {
	name := strings.TrimSpace(string(t))
	if name == "" {
		return "event.unknown"
	}

	if class, ok := taxonomy[EventType(name)]; ok {
		return class
	}

	return "event." + name
}

// IsTerminal reports whether t closes a run's event stream.
func IsTerminal(t EventType) bool {
	return t == RunCompleted || t == RunFailed
}

// SSEName maps a run event type to the server-sent event name clients listen for.
func SSEName(t EventType) string {
	switch t {
	case RunStarted:
		return "status"
	case RunCompleted, RunFailed:
		return "done"
	case BlenderLog:
		return "log"
	case StepStarted, StepCompleted, ToolCalled, BlenderRPCCall, BlenderRPCResult, BlenderStarted, TraceSpan:
		return "trace"
	case AssistantMessage:
		return "assistant.message"
	default:
		return "event"
	}
}

// BuildCorrelation returns the correlation ids for a run and an optional step.
func BuildCorrelation(runID, stepID string) models.Correlation {
	runID = strings.TrimSpace(runID)
	stepID = strings.TrimSpace(stepID)

	c := models.Correlation{
		RunID:            runID,
		RunCorrelationID: "run:" + runID,
	}

	if stepID != "" {
		stepCorrelation := "run:" + runID + ":step:" + stepID
		c.StepID = &stepID
		c.StepCorrelationID = &stepCorrelation
	}

	return c
}

// Envelope is what the orchestrator publishes for every appended run event.
type Envelope struct {
	RunID string         `json:"runId"`
	Event models.Event   `json:"event"`
	Run   models.Summary `json:"run"`
}

// Name returns the server-sent event name of the wrapped event.
func (e Envelope) Name() string {
	return SSEName(EventType(e.Event.Type))
}
