package validation

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"orchd/internal/domain"
)

// CheckInputSchema verifies that a declared tool schema is itself a
// valid JSON Schema object rooted at type "object".
func CheckInputSchema(schema map[string]any) error {
	const op = "validation.CheckInputSchema"
	if schema == nil {
		return domain.E(domain.CodeInvalidArgument, op, "missing input schema", nil)
	}
	if t, ok := schema["type"].(string); !ok || t != "object" {
		return domain.E(domain.CodeInvalidArgument, op, "input schema root must be an object", nil)
	}
	if _, err := compileSchema(schema); err != nil {
		return domain.E(domain.CodeInvalidArgument, op, "invalid input schema", err)
	}
	return nil
}

// ValidateArgs checks a concrete argument map against a tool schema.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	resolved, err := compileSchema(schema)
	if err != nil {
		return domain.E(domain.CodeInvalidArgument, "validation.ValidateArgs", "invalid input schema", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so nested values are plain JSON types.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	if err := resolved.Validate(decoded); err != nil {
		return domain.E(domain.CodeInvalidArgument, "validation.ValidateArgs", "arguments rejected by schema", err)
	}
	return nil
}

// MockInput builds a representative argument map for the dry-run
// probe from the declared schema: one placeholder per property, typed
// by the property's declared type.
func MockInput(schema map[string]any) map[string]any {
	input := map[string]any{}
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		t, _ := prop["type"].(string)
		switch t {
		case "number", "integer":
			input[name] = 1
		case "boolean":
			input[name] = true
		case "array":
			input[name] = []any{}
		case "object":
			input[name] = map[string]any{}
		default:
			input[name] = "example"
		}
	}
	return input
}

func compileSchema(schema map[string]any) (*jsonschema.Resolved, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}
