package validation

import (
	"fmt"

	"github.com/dukex/aether/pkg/models"
)

var nodeTreeOpFields = map[string][]string{
	models.NodeTreeOpCreateNode:      {"op", "node_id", "bl_idname", "location"},
	models.NodeTreeOpDeleteNode:      {"op", "node_id"},
	models.NodeTreeOpSetInputDefault: {"op", "node_id", "socket", "value"},
	models.NodeTreeOpSetProperty:     {"op", "node_id", "property", "value"},
	models.NodeTreeOpLink:            {"op", "from", "to"},
	models.NodeTreeOpUnlink:          {"op", "from", "to"},
	models.NodeTreeOpSetGroupIO:      {"op", "action", "socket", "socket_type"},
}

func validateNodeTree(payload map[string]any, path string) (*models.NodeTreePayload, error) {
	if key, found := unknownKey(payload, "target", "operations"); found {
		return nil, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	targetPath := path + ".target"

	target, ok := payload["target"].(map[string]any)
	if !ok {
		return nil, fail(CodePayloadInvalid, targetPath, "NODE_TREE target must be an object")
	}

	if key, found := unknownKey(target, "object_name", "modifier_name", "node_group_name"); found {
		return nil, fail(CodeUnknownField, targetPath, "Unknown field %q at %s", key, targetPath)
	}

	out := &models.NodeTreePayload{}

	var err error

	if out.Target.ObjectName, err = requireString(target, "object_name", targetPath); err != nil {
		return nil, err
	}

	if out.Target.ModifierName, err = requireString(target, "modifier_name", targetPath); err != nil {
		return nil, err
	}

	if out.Target.NodeGroupName, err = requireString(target, "node_group_name", targetPath); err != nil {
		return nil, err
	}

	operations, ok := payload["operations"].([]any)
	if !ok {
		return nil, fail(CodePayloadInvalid, path+".operations", "NODE_TREE payload.operations must be an array")
	}

	out.Operations = make([]models.NodeTreeOp, 0, len(operations))

	for j, raw := range operations {
		op, err := validateNodeTreeOp(raw, fmt.Sprintf("%s.operations[%d]", path, j))
		if err != nil {
			return nil, err
		}

		out.Operations = append(out.Operations, op)
	}

	return out, nil
}

func validateNodeTreeOp(raw any, path string) (models.NodeTreeOp, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return models.NodeTreeOp{}, fail(CodePayloadInvalid, path, "Expected object at %s", path)
	}

	name, ok := nonEmptyString(obj["op"])
	if !ok {
		return models.NodeTreeOp{}, fail(CodeNodeTreeOpInvalid, path+".op", "Missing op at %s.op", path)
	}

	allowed, ok := nodeTreeOpFields[name]
	if !ok {
		return models.NodeTreeOp{}, fail(CodeNodeTreeOpInvalid, path+".op", "Unsupported NODE_TREE op %q", name)
	}

	if key, found := unknownKey(obj, allowed...); found {
		return models.NodeTreeOp{}, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	op := models.NodeTreeOp{Op: name}

	var err error

	switch name {
	case models.NodeTreeOpCreateNode:
		if op.NodeID, err = requireString(obj, "node_id", path); err != nil {
			return op, err
		}

		if op.BlIDName, err = requireString(obj, "bl_idname", path); err != nil {
			return op, err
		}

		op.Location, err = location(obj["location"], path+".location")
	case models.NodeTreeOpDeleteNode:
		op.NodeID, err = requireString(obj, "node_id", path)
	case models.NodeTreeOpSetInputDefault:
		if op.NodeID, err = requireString(obj, "node_id", path); err != nil {
			return op, err
		}

		op.Socket, err = requireString(obj, "socket", path)
		op.Value = plainValue(obj["value"])
	case models.NodeTreeOpSetProperty:
		if op.NodeID, err = requireString(obj, "node_id", path); err != nil {
			return op, err
		}

		op.Property, err = requireString(obj, "property", path)
		op.Value = plainValue(obj["value"])
	case models.NodeTreeOpLink, models.NodeTreeOpUnlink:
		if op.From, err = nodeSocket(obj["from"], path+".from"); err != nil {
			return op, err
		}

		op.To, err = nodeSocket(obj["to"], path+".to")
	case models.NodeTreeOpSetGroupIO:
		if op.Action, err = requireString(obj, "action", path); err != nil {
			return op, err
		}

		if op.Socket, err = requireString(obj, "socket", path); err != nil {
			return op, err
		}

		op.SocketType, err = requireString(obj, "socket_type", path)
	}

	return op, err
}

func nodeSocket(raw any, path string) (*models.NodeSocketRef, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fail(CodePayloadInvalid, path, "Expected object at %s", path)
	}

	if key, found := unknownKey(obj, "node_id", "socket"); found {
		return nil, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	nodeID, err := requireString(obj, "node_id", path)
	if err != nil {
		return nil, err
	}

	socket, err := requireString(obj, "socket", path)
	if err != nil {
		return nil, err
	}

	return &models.NodeSocketRef{NodeID: nodeID, Socket: socket}, nil
}

func location(raw any, path string) ([]float64, error) {
	items, ok := raw.([]any)
	if !ok || len(items) != 2 {
		return nil, fail(CodePayloadInvalid, path, "location must be [x, y] numbers at %s", path)
	}

	out := make([]float64, 2)

	for i, item := range items {
		value, ok := number(item)
		if !ok {
			return nil, fail(CodePayloadInvalid, path, "location must be [x, y] numbers at %s", path)
		}

		out[i] = value
	}

	return out, nil
}

// requireString reads a non-empty string field, failing at the field's own path.
func requireString(obj map[string]any, key, path string) (string, error) {
	value, ok := nonEmptyString(obj[key])
	if !ok {
		return "", fail(CodePayloadInvalid, path+"."+key, "Missing or invalid %s at %s.%s", key, path, key)
	}

	return value, nil
}
