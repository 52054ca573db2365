package models

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only plan version accepted.
const ProtocolVersion = "1.0"

// StepType discriminates the payload of a plan step.
type StepType string

const (
	StepTypeNodeTree StepType = "NODE_TREE"
	StepTypeGnOps    StepType = "GN_OPS"
	StepTypePython   StepType = "PYTHON"
)

// StepTypes lists the supported step types in a fixed order.
var StepTypes = []StepType{StepTypeNodeTree, StepTypeGnOps, StepTypePython}

// Python execution modes.
const (
	PythonModeSafe    = "safe"
	PythonModeTrusted = "trusted"
)

// Plan is a validated protocol plan. Once returned by the validator it is never patched in place.
type Plan struct {
	Version      string   `json:"version"`
	Steps        []Step   `json:"steps"`
	Done         bool     `json:"done"`
	FinalMessage string   `json:"final_message"`
	Meta         PlanMeta `json:"meta"`
}

type PlanMeta struct {
	RequiresGateVerification bool `json:"requires_gate_verification"`
}

// RequiresGate reports whether the verification gate applies to the plan.
func (p *Plan) RequiresGate() bool {
	return p != nil && p.Meta.RequiresGateVerification
}

// Clone deep-copies the plan through its JSON form.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Errorf("plan is not serializable: %w", err))
	}

	var out Plan
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Errorf("plan did not round-trip: %w", err))
	}

	return &out
}

// Step is one typed unit of work. Exactly one payload field is set, matching Type.
type Step struct {
	ID          string
	Type        StepType
	Description string
	NodeTree    *NodeTreePayload
	GnOps       *GnOpsPayload
	Python      *PythonPayload
}

type stepJSON struct {
	ID          string          `json:"id"`
	Type        StepType        `json:"type"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
}

// Payload returns the typed payload of the step.
func (s Step) Payload() any {
	switch s.Type {
	case StepTypeNodeTree:
		return s.NodeTree
	case StepTypeGnOps:
		return s.GnOps
	case StepTypePython:
		return s.Python
	default:
		return nil
	}
}

func (s Step) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(s.Payload())
	if err != nil {
		return nil, err
	}

	return json.Marshal(stepJSON{
		ID:          s.ID,
		Type:        s.Type,
		Description: s.Description,
		Payload:     payload,
	})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.ID = raw.ID
	s.Type = raw.Type
	s.Description = raw.Description

	switch raw.Type {
	case StepTypeNodeTree:
		s.NodeTree = &NodeTreePayload{}

		return json.Unmarshal(raw.Payload, s.NodeTree)
	case StepTypeGnOps:
		s.GnOps = &GnOpsPayload{}

		return json.Unmarshal(raw.Payload, s.GnOps)
	case StepTypePython:
		s.Python = &PythonPayload{}

		return json.Unmarshal(raw.Payload, s.Python)
	default:
		return fmt.Errorf("unsupported step type %q", raw.Type)
	}
}

// NodeTreeTarget identifies the node group a NODE_TREE step edits.
type NodeTreeTarget struct {
	ObjectName    string `json:"object_name"`
	ModifierName  string `json:"modifier_name"`
	NodeGroupName string `json:"node_group_name"`
}

type NodeTreePayload struct {
	Target     NodeTreeTarget `json:"target"`
	Operations []NodeTreeOp   `json:"operations"`
}

// Node tree operation names.
const (
	NodeTreeOpCreateNode      = "create_node"
	NodeTreeOpDeleteNode      = "delete_node"
	NodeTreeOpSetInputDefault = "set_input_default"
	NodeTreeOpSetProperty     = "set_property"
	NodeTreeOpLink            = "link"
	NodeTreeOpUnlink          = "unlink"
	NodeTreeOpSetGroupIO      = "set_group_io"
)

// NodeSocketRef addresses a socket on a node in a NODE_TREE step.
type NodeSocketRef struct {
	NodeID string `json:"node_id"`
	Socket string `json:"socket"`
}

// NodeTreeOp is one allow-listed NODE_TREE operation; only the fields of its op are set.
type NodeTreeOp struct {
	Op         string         `json:"op"`
	NodeID     string         `json:"node_id,omitempty"`
	BlIDName   string         `json:"bl_idname,omitempty"`
	Location   []float64      `json:"location,omitempty"`
	Socket     string         `json:"socket,omitempty"`
	Property   string         `json:"property,omitempty"`
	Value      any            `json:"value,omitempty"`
	From       *NodeSocketRef `json:"from,omitempty"`
	To         *NodeSocketRef `json:"to,omitempty"`
	Action     string         `json:"action,omitempty"`
	SocketType string         `json:"socket_type,omitempty"`
}

// GnOpsTarget identifies the geometry nodes modifier a GN_OPS step edits.
type GnOpsTarget struct {
	ObjectName   string `json:"object_name"`
	ModifierName string `json:"modifier_name"`
}

type GnOpsPayload struct {
	V      int         `json:"v"`
	Target GnOpsTarget `json:"target"`
	Ops    []GnOp      `json:"ops"`
}

// GN_OPS operation names.
const (
	GnOpEnsureTarget        = "ensure_target"
	GnOpEnsureSingleGroupIO = "ensure_single_group_io"
	GnOpAddNode             = "add_node"
	GnOpRemoveNode          = "remove_node"
	GnOpLink                = "link"
	GnOpUnlink              = "unlink"
	GnOpSetInput            = "set_input"
	GnOpCleanupUnused       = "cleanup_unused"
)

// GnSocketRef addresses a socket on a node in a GN_OPS step.
type GnSocketRef struct {
	NodeID     string `json:"node_id"`
	SocketName string `json:"socket_name"`
}

// GnOp is one allow-listed GN_OPS operation.
type GnOp struct {
	Op                  string       `json:"op"`
	AllowCreateModifier *bool        `json:"allow_create_modifier,omitempty"`
	ID                  string       `json:"id,omitempty"`
	BlIDName            string       `json:"bl_idname,omitempty"`
	X                   *float64     `json:"x,omitempty"`
	Y                   *float64     `json:"y,omitempty"`
	NodeID              string       `json:"node_id,omitempty"`
	SocketName          string       `json:"socket_name,omitempty"`
	Value               any          `json:"value,omitempty"`
	From                *GnSocketRef `json:"from,omitempty"`
	To                  *GnSocketRef `json:"to,omitempty"`
}

type PythonPayload struct {
	Mode      string `json:"mode"`
	Code      string `json:"code"`
	TimeoutMs *int64 `json:"timeout_ms,omitempty"`
}
