package validation

import (
	"fmt"

	"github.com/dukex/aether/pkg/models"
)

var gnOpFields = map[string][]string{
	models.GnOpEnsureTarget:        {"op", "allow_create_modifier"},
	models.GnOpEnsureSingleGroupIO: {"op"},
	models.GnOpCleanupUnused:       {"op"},
	models.GnOpAddNode:             {"op", "id", "bl_idname", "x", "y"},
	models.GnOpRemoveNode:          {"op", "id"},
	models.GnOpSetInput:            {"op", "node_id", "socket_name", "value"},
	models.GnOpLink:                {"op", "from", "to"},
	models.GnOpUnlink:              {"op", "from", "to"},
}

func validateGnOps(payload map[string]any, path string) (*models.GnOpsPayload, error) {
	if key, found := unknownKey(payload, "v", "target", "ops"); found {
		return nil, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	if v, ok := integer(payload["v"]); !ok || v != 1 {
		return nil, fail(CodePayloadInvalid, path+".v", "GN_OPS payload.v must be 1")
	}

	targetPath := path + ".target"

	target, ok := payload["target"].(map[string]any)
	if !ok {
		return nil, fail(CodePayloadInvalid, targetPath, "GN_OPS target must be an object")
	}

	if key, found := unknownKey(target, "object_name", "modifier_name"); found {
		return nil, fail(CodeUnknownField, targetPath, "Unknown field %q at %s", key, targetPath)
	}

	out := &models.GnOpsPayload{V: 1}

	var err error

	if out.Target.ObjectName, err = requireString(target, "object_name", targetPath); err != nil {
		return nil, err
	}

	if out.Target.ModifierName, err = requireString(target, "modifier_name", targetPath); err != nil {
		return nil, err
	}

	ops, ok := payload["ops"].([]any)
	if !ok {
		return nil, fail(CodePayloadInvalid, path+".ops", "GN_OPS payload.ops must be an array")
	}

	out.Ops = make([]models.GnOp, 0, len(ops))

	for j, raw := range ops {
		op, err := validateGnOp(raw, fmt.Sprintf("%s.ops[%d]", path, j))
		if err != nil {
			return nil, err
		}

		out.Ops = append(out.Ops, op)
	}

	return out, nil
}

func validateGnOp(raw any, path string) (models.GnOp, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return models.GnOp{}, fail(CodePayloadInvalid, path, "Expected object at %s", path)
	}

	name, ok := nonEmptyString(obj["op"])
	if !ok {
		return models.GnOp{}, fail(CodeGnOpInvalid, path+".op", "Missing op at %s.op", path)
	}

	allowed, ok := gnOpFields[name]
	if !ok {
		return models.GnOp{}, fail(CodeGnOpInvalid, path+".op", "Unsupported GN_OPS op %q", name)
	}

	if key, found := unknownKey(obj, allowed...); found {
		return models.GnOp{}, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	op := models.GnOp{Op: name}

	var err error

	switch name {
	case models.GnOpEnsureTarget:
		if raw, present := obj["allow_create_modifier"]; present {
			allow, ok := raw.(bool)
			if !ok {
				return op, fail(CodePayloadInvalid, path+".allow_create_modifier", "allow_create_modifier must be boolean at %s.allow_create_modifier", path)
			}

			op.AllowCreateModifier = &allow
		}
	case models.GnOpAddNode:
		if op.ID, err = requireString(obj, "id", path); err != nil {
			return op, err
		}

		if op.BlIDName, err = requireString(obj, "bl_idname", path); err != nil {
			return op, err
		}

		op.X, op.Y, err = coordinates(obj, path)
	case models.GnOpRemoveNode:
		op.ID, err = requireString(obj, "id", path)
	case models.GnOpSetInput:
		if op.NodeID, err = requireString(obj, "node_id", path); err != nil {
			return op, err
		}

		op.SocketName, err = requireString(obj, "socket_name", path)
		op.Value = plainValue(obj["value"])
	case models.GnOpLink, models.GnOpUnlink:
		if op.From, err = gnSocket(obj["from"], path+".from"); err != nil {
			return op, err
		}

		op.To, err = gnSocket(obj["to"], path+".to")
	}

	return op, err
}

func gnSocket(raw any, path string) (*models.GnSocketRef, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fail(CodePayloadInvalid, path, "Expected object at %s", path)
	}

	if key, found := unknownKey(obj, "node_id", "socket_name"); found {
		return nil, fail(CodeUnknownField, path, "Unknown field %q at %s", key, path)
	}

	nodeID, err := requireString(obj, "node_id", path)
	if err != nil {
		return nil, err
	}

	socketName, err := requireString(obj, "socket_name", path)
	if err != nil {
		return nil, err
	}

	return &models.GnSocketRef{NodeID: nodeID, SocketName: socketName}, nil
}

// coordinates reads the required numeric x and y of an add_node op; failures point at the op.
func coordinates(obj map[string]any, path string) (*float64, *float64, error) {
	x, okX := number(obj["x"])
	y, okY := number(obj["y"])

	if !okX || !okY {
		return nil, nil, fail(CodePayloadInvalid, path, "x and y must be numbers at %s", path)
	}

	return &x, &y, nil
}
