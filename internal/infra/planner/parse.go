package planner

import (
	"strings"
	"unicode"

	"orchd/internal/domain"
)

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, and trims whitespace.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first := strings.TrimSpace(s[:i])
		if first == "" || isLanguageTag(first) {
			s = s[i+1:]
		}
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// extractOutermostJSON returns the first balanced top-level JSON
// object in the text, tolerating prose around it. Returns "" when no
// object is present.
func extractOutermostJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// normalizePlan cleans up a parsed plan in place: empty steps are
// dropped, indices renumbered, dependencies on dropped steps pruned,
// parameters deduplicated by name, and parameter types coerced to
// the supported set.
func normalizePlan(p *domain.WorkflowPlan) {
	kept := make([]domain.PlanStep, 0, len(p.Steps))
	oldToNew := map[int]int{}
	for _, step := range p.Steps {
		if strings.TrimSpace(step.Tool) == "" {
			continue
		}
		oldToNew[step.Index] = len(kept)
		step.Index = len(kept)
		kept = append(kept, step)
	}
	for i := range kept {
		deps := kept[i].DependsOn[:0]
		for _, d := range kept[i].DependsOn {
			if n, ok := oldToNew[d]; ok && n != kept[i].Index {
				deps = append(deps, n)
			}
		}
		kept[i].DependsOn = deps
	}
	p.Steps = kept

	seen := map[string]bool{}
	params := make([]domain.PlanParam, 0, len(p.InputParams))
	for _, param := range p.InputParams {
		name := strings.TrimSpace(param.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		param.Name = name
		param.Type = sanitizeParamType(param.Type)
		params = append(params, param)
	}
	p.InputParams = params
}

// sanitizeParamType coerces a model-supplied type to one the schema
// layer understands.
func sanitizeParamType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "number", "integer", "int", "float", "double":
		return "number"
	case "boolean", "bool":
		return "boolean"
	case "object", "map", "dict":
		return "object"
	case "array", "list":
		return "array"
	default:
		return "string"
	}
}

const maxNameStem = 48

// deriveWorkflowName turns a suggested name or the task text into a
// registry id: snake_case, capped stem, "_workflow" suffix.
func deriveWorkflowName(suggested, task string) string {
	source := suggested
	if strings.TrimSpace(source) == "" {
		source = task
	}

	var sb strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(source) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			sb.WriteByte('_')
			lastUnderscore = true
		}
	}
	stem := strings.Trim(sb.String(), "_")
	if stem == "" {
		stem = "task"
	}
	if len(stem) > maxNameStem {
		stem = strings.Trim(stem[:maxNameStem], "_")
	}
	if strings.HasSuffix(stem, "_workflow") {
		return stem
	}
	return stem + "_workflow"
}
