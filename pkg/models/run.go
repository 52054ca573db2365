// Package models defines the domain models for prompt-to-edit runs.
package models

import (
	"encoding/json"
	"slices"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus is the status of one Step Progress record.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Phase step ids used by the orchestrator besides protocol step ids.
const (
	StepGeneration = "generation"
	StepValidation = "validation"
)

// StepProgress tracks one logical phase or protocol step of a run.
type StepProgress struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	DurationMs  *int64     `json:"durationMs"`
	Error       *string    `json:"error"`
}

// ArtifactKind classifies a run artifact.
type ArtifactKind string

const (
	ArtifactKindFile      ArtifactKind = "file"
	ArtifactKindDirectory ArtifactKind = "directory"
	ArtifactKindNodeTree  ArtifactKind = "node_tree"
	ArtifactKindGnOps     ArtifactKind = "gn_ops"
	ArtifactKindPython    ArtifactKind = "python"
)

// Artifact is a file or directory produced by a run.
type Artifact struct {
	Kind        ArtifactKind `json:"kind"`
	StepID      string       `json:"stepId,omitempty"`
	Path        string       `json:"path"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// LogLine is one line of host process output mirrored from a blender_log event.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// RunTrace carries the trace id shared by all trace_span events of a run.
type RunTrace struct {
	TraceID string `json:"traceId"`
}

// Run is one prompt-to-completion unit of work.
type Run struct {
	ID                string                   `json:"id"`
	Prompt            string                   `json:"prompt"`
	Model             string                   `json:"model"`
	Status            RunStatus                `json:"status"`
	CreatedAt         time.Time                `json:"createdAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
	StartedAt         *time.Time               `json:"startedAt"`
	CompletedAt       *time.Time               `json:"completedAt"`
	DurationMs        *int64                   `json:"durationMs"`
	CancelRequested   bool                     `json:"cancelRequested"`
	CancelRequestedAt *time.Time               `json:"cancelRequestedAt"`
	Error             *string                  `json:"error"`
	Events            []Event                  `json:"events"`
	LogLines          []LogLine                `json:"logLines"`
	Artifacts         []Artifact               `json:"artifacts"`
	Protocol          *Plan                    `json:"protocol"`
	Steps             map[string]*StepProgress `json:"steps"`
	Trace             RunTrace                 `json:"trace"`
}

// Step returns the progress record for id, creating a pending one if needed.
func (r *Run) Step(id string) *StepProgress {
	if r.Steps == nil {
		r.Steps = make(map[string]*StepProgress)
	}

	step, ok := r.Steps[id]
	if !ok {
		step = &StepProgress{ID: id, Status: StepStatusPending}
		r.Steps[id] = step
	}

	return step
}

// Clone returns a deep copy so readers never observe a record mid-mutation.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}

	out := *r
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.CancelRequestedAt = cloneTime(r.CancelRequestedAt)
	out.DurationMs = cloneInt(r.DurationMs)
	out.Error = cloneString(r.Error)
	out.LogLines = slices.Clone(r.LogLines)
	out.Artifacts = slices.Clone(r.Artifacts)
	out.Protocol = r.Protocol.Clone()

	out.Events = make([]Event, len(r.Events))
	for i, evt := range r.Events {
		out.Events[i] = evt.Clone()
	}

	out.Steps = make(map[string]*StepProgress, len(r.Steps))
	for id, step := range r.Steps {
		s := *step
		s.StartedAt = cloneTime(step.StartedAt)
		s.CompletedAt = cloneTime(step.CompletedAt)
		s.DurationMs = cloneInt(step.DurationMs)
		s.Error = cloneString(step.Error)
		out.Steps[id] = &s
	}

	return &out
}

// Summary is the run snapshot attached to published events; it omits the event history.
type Summary struct {
	ID              string                   `json:"id"`
	Status          RunStatus                `json:"status"`
	Prompt          string                   `json:"prompt"`
	Model           string                   `json:"model"`
	UpdatedAt       time.Time                `json:"updatedAt"`
	StartedAt       *time.Time               `json:"startedAt"`
	CompletedAt     *time.Time               `json:"completedAt"`
	DurationMs      *int64                   `json:"durationMs"`
	CancelRequested bool                     `json:"cancelRequested"`
	Steps           map[string]*StepProgress `json:"steps"`
	Artifacts       []Artifact               `json:"artifacts"`
	Protocol        *Plan                    `json:"protocol"`
	Error           *string                  `json:"error"`
}

// Summarize builds a Summary from a cloned run.
func (r *Run) Summarize() Summary {
	c := r.Clone()

	return Summary{
		ID:              c.ID,
		Status:          c.Status,
		Prompt:          c.Prompt,
		Model:           c.Model,
		UpdatedAt:       c.UpdatedAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
		DurationMs:      c.DurationMs,
		CancelRequested: c.CancelRequested,
		Steps:           c.Steps,
		Artifacts:       c.Artifacts,
		Protocol:        c.Protocol,
		Error:           c.Error,
	}
}

// Event is one append-only entry in a run's history.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	RunID       string          `json:"runId"`
	Timestamp   time.Time       `json:"timestamp"`
	Taxonomy    string          `json:"taxonomy"`
	Correlation Correlation     `json:"correlation"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Correlation links an event to its run and, optionally, its step.
type Correlation struct {
	RunID             string  `json:"runId"`
	StepID            *string `json:"stepId"`
	RunCorrelationID  string  `json:"runCorrelationId"`
	StepCorrelationID *string `json:"stepCorrelationId"`
}

// Clone deep-copies the event.
func (e Event) Clone() Event {
	out := e
	out.Data = slices.Clone(e.Data)
	out.Correlation.StepID = cloneString(e.Correlation.StepID)
	out.Correlation.StepCorrelationID = cloneString(e.Correlation.StepCorrelationID)

	return out
}

// Decode unmarshals the event data into a generic map.
func (e Event) Decode() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Data) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// GateEnvelope is the structured verification gate outcome.
type GateEnvelope struct {
	Success     bool     `json:"success"`
	FailedGates []string `json:"failed_gates"`
	Messages    []string `json:"messages"`
}

// Gate names reported in GateEnvelope.FailedGates.
const (
	GateDoneRequired      = "DONE_REQUIRED"
	GateBlenderValidation = "BLENDER_VALIDATION"
	GateUnknown           = "UNKNOWN"
)

// TraceSpan is an observability span recorded into a run as a trace_span event.
type TraceSpan struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID *string        `json:"parentSpanId"`
	Name         string         `json:"name"`
	Component    string         `json:"component"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      time.Time      `json:"endedAt"`
	DurationMs   int64          `json:"durationMs"`
	StepID       *string        `json:"stepId"`
	Attributes   map[string]any `json:"attributes"`
	Error        *string        `json:"error"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}

	v := *i

	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}

	v := *s

	return &v
}
