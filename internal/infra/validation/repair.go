package validation

import (
	"regexp"
	"sort"
)

var inputFieldPattern = regexp.MustCompile(`\binput\[\s*"([A-Za-z_][A-Za-z0-9_]*)"\s*\]`)

// InferInputFields collects the input keys a script actually reads,
// in sorted order.
func InferInputFields(source string) []string {
	seen := map[string]bool{}
	for _, m := range inputFieldPattern.FindAllStringSubmatch(source, -1) {
		seen[m[1]] = true
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// StaticRepair reconciles a declared schema with the fields the
// script actually reads. A dry run that failed because the probe
// input lacked a key the script expects is fixed here without any
// model round trip. Returns the repaired schema and whether anything
// changed.
func StaticRepair(source string, schema map[string]any) (map[string]any, bool) {
	fields := InferInputFields(source)
	if len(fields) == 0 {
		return schema, false
	}

	out := map[string]any{"type": "object"}
	props := map[string]any{}
	if schema != nil {
		for k, v := range schema {
			out[k] = v
		}
		if existing, ok := schema["properties"].(map[string]any); ok {
			for k, v := range existing {
				props[k] = v
			}
		}
	}

	changed := false
	for _, f := range fields {
		if _, ok := props[f]; !ok {
			props[f] = map[string]any{
				"type":        "string",
				"description": "inferred from script usage",
			}
			changed = true
		}
	}
	if !changed {
		return schema, false
	}
	out["properties"] = props
	return out, true
}
