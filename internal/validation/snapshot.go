// Package validation checks workflow snapshots before a run is admitted.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hookflow/hookflow/pkg/schema"
)

// snapshotSchemaJSON is the JSON Schema for the graph snapshot shape consumed
// by the engine: nodes with id/type/data, edges with id/source/target and an
// optional sourceHandle. Reserved underscore-prefixed keys ride alongside and
// are left open. Embedded as a constant to avoid filesystem dependencies.
const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hookflow.dev/schemas/snapshot.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "_trigger_context": {},
    "_egress_allowlist": {
      "type": "array",
      "items": { "type": "string" }
    },
    "_start_from_node": { "type": "string" }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["trigger", "condition", "action"] },
        "data": { "type": "object" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": ["string", "null"] }
      }
    }
  }
}`

// SnapshotValidator validates run snapshots against the graph schema.
// Safe for concurrent use after construction.
type SnapshotValidator struct {
	compiled *jsonschema.Schema
}

// NewSnapshotValidator compiles the snapshot schema.
func NewSnapshotValidator() (*SnapshotValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot schema: %w", err)
	}
	if err := c.AddResource("https://hookflow.dev/schemas/snapshot.json", doc); err != nil {
		return nil, fmt.Errorf("add snapshot schema resource: %w", err)
	}
	compiled, err := c.Compile("https://hookflow.dev/schemas/snapshot.json")
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return &SnapshotValidator{compiled: compiled}, nil
}

// ValidateSnapshot checks a snapshot against the schema plus structural rules
// JSON Schema cannot express: duplicate node ids.
func (v *SnapshotValidator) ValidateSnapshot(snapshot map[string]any) error {
	if snapshot == nil {
		return schema.NewError(schema.ErrCodeValidation, "snapshot is nil")
	}

	doc, err := toJSONValue(snapshot)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize snapshot").WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}

	nodes, _ := snapshot["nodes"].([]any)
	seen := make(map[string]struct{}, len(nodes))
	for _, raw := range nodes {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := obj["id"].(string)
		if _, exists := seen[id]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a structured
// error with one message per violated location.
func toValidationError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("snapshot validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
