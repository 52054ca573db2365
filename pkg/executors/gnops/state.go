package gnops

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/aether/pkg/models"
)

// State is the snapshot of a geometry nodes modifier after a step's operations were applied.
type State struct {
	Target        models.GnOpsTarget     `json:"target"`
	Targets       map[string]TargetState `json:"targets"`
	Nodes         map[string]*Node       `json:"nodes"`
	Links         []Link                 `json:"links"`
	Inputs        []Input                `json:"inputs"`
	Cleanup       []Cleanup              `json:"cleanup"`
	SingleGroupIO bool                   `json:"single_group_io"`
}

type TargetState struct {
	AllowCreateModifier bool `json:"allow_create_modifier"`
}

type Node struct {
	ID       string         `json:"id"`
	BlIDName string         `json:"bl_idname"`
	Position Position       `json:"position"`
	Inputs   map[string]any `json:"inputs"`
}

type Position struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type Link struct {
	From models.GnSocketRef `json:"from"`
	To   models.GnSocketRef `json:"to"`
}

func (l Link) key() string {
	return l.From.NodeID + "\x00" + l.From.SocketName + "\x00" + l.To.NodeID + "\x00" + l.To.SocketName
}

type Input struct {
	NodeID     string `json:"node_id"`
	SocketName string `json:"socket_name"`
	Value      any    `json:"value"`
}

type Cleanup struct {
	Remaining int `json:"remaining"`
}

func NewState(target models.GnOpsTarget) *State {
	return &State{
		Target: models.GnOpsTarget{
			ObjectName:   strings.TrimSpace(target.ObjectName),
			ModifierName: strings.TrimSpace(target.ModifierName),
		},
		Targets: map[string]TargetState{},
		Nodes:   map[string]*Node{},
		Links:   []Link{},
		Inputs:  []Input{},
		Cleanup: []Cleanup{},
	}
}

// TargetKey is the "object:modifier" key of the step's target.
func (s *State) TargetKey() string {
	return s.Target.ObjectName + ":" + s.Target.ModifierName
}

// Apply replays the operations in order, stopping at the first one that does not apply.
func (s *State) Apply(ops []models.GnOp) error {
	for i, op := range ops {
		if err := s.apply(op); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}

	slices.SortFunc(s.Links, func(a, b Link) int {
		return strings.Compare(a.key(), b.key())
	})

	return nil
}

func (s *State) apply(op models.GnOp) error {
	switch op.Op {
	case models.GnOpEnsureTarget:
		s.Targets[s.TargetKey()] = TargetState{
			AllowCreateModifier: op.AllowCreateModifier != nil && *op.AllowCreateModifier,
		}
	case models.GnOpEnsureSingleGroupIO:
		s.SingleGroupIO = true
	case models.GnOpAddNode:
		id := strings.TrimSpace(op.ID)
		if id == "" {
			return fmt.Errorf("GN_OPS add_node missing id")
		}

		s.Nodes[id] = &Node{
			ID:       id,
			BlIDName: op.BlIDName,
			Position: Position{X: op.X, Y: op.Y},
			Inputs:   map[string]any{},
		}
	case models.GnOpRemoveNode:
		id := strings.TrimSpace(op.ID)
		if _, ok := s.Nodes[id]; !ok {
			return nil
		}

		delete(s.Nodes, id)
		s.Links = slices.DeleteFunc(s.Links, func(l Link) bool {
			return l.From.NodeID == id || l.To.NodeID == id
		})
	case models.GnOpLink:
		link := Link{From: *op.From, To: *op.To}
		if !slices.ContainsFunc(s.Links, func(l Link) bool { return l.key() == link.key() }) {
			s.Links = append(s.Links, link)
		}
	case models.GnOpUnlink:
		target := Link{
			From: models.GnSocketRef{NodeID: strings.TrimSpace(op.From.NodeID), SocketName: op.From.SocketName},
			To:   models.GnSocketRef{NodeID: strings.TrimSpace(op.To.NodeID), SocketName: op.To.SocketName},
		}

		s.Links = slices.DeleteFunc(s.Links, func(l Link) bool { return l.key() == target.key() })
	case models.GnOpSetInput:
		s.Inputs = append(s.Inputs, Input{NodeID: op.NodeID, SocketName: op.SocketName, Value: op.Value})

		if node, ok := s.Nodes[op.NodeID]; ok {
			node.Inputs[op.SocketName] = op.Value
		}
	case models.GnOpCleanupUnused:
		s.Cleanup = append(s.Cleanup, Cleanup{Remaining: len(s.Nodes)})
	default:
		return fmt.Errorf("GN_OPS executor cannot handle op %q", op.Op)
	}

	return nil
}
