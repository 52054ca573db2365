package nodetree

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dukex/aether/pkg/models"
)

// State is the snapshot of a node tree after a step's operations were applied.
type State struct {
	Target  models.NodeTreeTarget `json:"target"`
	Nodes   map[string]*Node      `json:"nodes"`
	Links   []Link                `json:"links"`
	GroupIO []GroupIO             `json:"group_io"`
}

type Node struct {
	ID         string                  `json:"id"`
	BlIDName   string                  `json:"bl_idname"`
	Location   []float64               `json:"location"`
	Properties map[string]any          `json:"properties"`
	Inputs     map[string]InputDefault `json:"inputs"`
}

type InputDefault struct {
	Default any `json:"default"`
}

type Link struct {
	From models.NodeSocketRef `json:"from"`
	To   models.NodeSocketRef `json:"to"`
}

func (l Link) key() string {
	return l.From.NodeID + "\x00" + l.From.Socket + "\x00" + l.To.NodeID + "\x00" + l.To.Socket
}

type GroupIO struct {
	Action     string `json:"action"`
	Socket     string `json:"socket"`
	SocketType string `json:"socket_type,omitempty"`
}

func NewState(target models.NodeTreeTarget) *State {
	return &State{
		Target: models.NodeTreeTarget{
			ObjectName:    strings.TrimSpace(target.ObjectName),
			ModifierName:  strings.TrimSpace(target.ModifierName),
			NodeGroupName: strings.TrimSpace(target.NodeGroupName),
		},
		Nodes:   map[string]*Node{},
		Links:   []Link{},
		GroupIO: []GroupIO{},
	}
}

// Apply replays the operations in order, stopping at the first one that does not apply.
func (s *State) Apply(ops []models.NodeTreeOp) error {
	for i, op := range ops {
		if err := s.apply(op); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}

	s.sortLinks()

	return nil
}

func (s *State) apply(op models.NodeTreeOp) error {
	switch op.Op {
	case models.NodeTreeOpCreateNode:
		id := strings.TrimSpace(op.NodeID)
		if id == "" {
			return fmt.Errorf("NODE_TREE create_node missing node_id")
		}

		if _, exists := s.Nodes[id]; exists {
			return fmt.Errorf("NODE_TREE create_node node %s already exists", id)
		}

		s.Nodes[id] = &Node{
			ID:         id,
			BlIDName:   op.BlIDName,
			Location:   slices.Clone(op.Location),
			Properties: map[string]any{},
			Inputs:     map[string]InputDefault{},
		}
	case models.NodeTreeOpDeleteNode:
		node, err := s.node(op.NodeID, op.Op)
		if err != nil {
			return err
		}

		delete(s.Nodes, node.ID)
		s.Links = slices.DeleteFunc(s.Links, func(l Link) bool {
			return l.From.NodeID == node.ID || l.To.NodeID == node.ID
		})
	case models.NodeTreeOpSetInputDefault:
		node, err := s.node(op.NodeID, op.Op)
		if err != nil {
			return err
		}

		node.Inputs[op.Socket] = InputDefault{Default: op.Value}
	case models.NodeTreeOpSetProperty:
		node, err := s.node(op.NodeID, op.Op)
		if err != nil {
			return err
		}

		node.Properties[op.Property] = op.Value
	case models.NodeTreeOpLink:
		from, err := s.node(op.From.NodeID, op.Op)
		if err != nil {
			return err
		}

		to, err := s.node(op.To.NodeID, op.Op)
		if err != nil {
			return err
		}

		link := Link{
			From: models.NodeSocketRef{NodeID: from.ID, Socket: op.From.Socket},
			To:   models.NodeSocketRef{NodeID: to.ID, Socket: op.To.Socket},
		}

		if !slices.ContainsFunc(s.Links, func(l Link) bool { return l.key() == link.key() }) {
			s.Links = append(s.Links, link)
		}
	case models.NodeTreeOpUnlink:
		target := Link{
			From: models.NodeSocketRef{NodeID: strings.TrimSpace(op.From.NodeID), Socket: op.From.Socket},
			To:   models.NodeSocketRef{NodeID: strings.TrimSpace(op.To.NodeID), Socket: op.To.Socket},
		}

		s.Links = slices.DeleteFunc(s.Links, func(l Link) bool { return l.key() == target.key() })
	case models.NodeTreeOpSetGroupIO:
		s.GroupIO = append(s.GroupIO, GroupIO{Action: op.Action, Socket: op.Socket, SocketType: op.SocketType})
	default:
		return fmt.Errorf("NODE_TREE executor does not know how to handle op %q", op.Op)
	}

	return nil
}

func (s *State) node(id, op string) (*Node, error) {
	id = strings.TrimSpace(id)

	node, ok := s.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("NODE_TREE %s missing node %s", op, id)
	}

	return node, nil
}

func (s *State) sortLinks() {
	slices.SortFunc(s.Links, func(a, b Link) int {
		return strings.Compare(a.key(), b.key())
	})
}

// NodeIDs returns the node ids in sorted order.
func (s *State) NodeIDs() []string {
	return slices.Sorted(maps.Keys(s.Nodes))
}
