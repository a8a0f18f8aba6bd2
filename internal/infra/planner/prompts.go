package planner

import (
	"fmt"
	"strings"

	"orchd/internal/domain"
	"orchd/internal/infra/sandbox"
)

const planSystemPrompt = `You decompose user tasks into workflows over a fixed set of tools.
Respond with a single JSON object and nothing else:
{
  "feasible": bool,
  "needs_orchestration": bool,
  "reason": "why, when not feasible",
  "suggested_name": "short snake_case name",
  "description": "one sentence",
  "steps": [{"index": 0, "tool": "server::method", "description": "...", "depends_on": []}],
  "input_params": [{"name": "...", "type": "string|number|boolean|object|array", "description": "...", "required": true}]
}
Set feasible=false when the available tools cannot accomplish the task.
Set needs_orchestration=false when a single tool call suffices.`

const generateSystemPrompt = `You write Go workflow scripts. Rules:
- Output only Go source, no prose, no markdown fences.
- The file declares: package main
- Exactly one entry point: func Workflow(input map[string]any) (any, error)
- Call upstream tools only through the injected tools package:
  res, err := tools.Call("server", "method", map[string]any{...})
- Allowed imports besides tools: bytes, errors, fmt, math, regexp, sort,
  strconv, strings, time, unicode, encoding/json, encoding/base64.
- Never use os, net, syscall, unsafe, reflect, plugin, or goroutines.
- Read inputs as input["name"]; return a map[string]any result.`

const repairSystemPrompt = `You fix Go workflow scripts that failed a probe run.
Apply the smallest change that resolves the reported error.
Keep: package main, the single Workflow entry point, tools.Call usage.
Output only the corrected Go source, no prose, no markdown fences.`

func buildPlanPrompt(task string, tools []domain.DiscoveredTool) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Ref, t.Description))
	}
	return sb.String()
}

func buildGeneratePrompt(task string, plan *domain.WorkflowPlan) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task)
	sb.WriteString("\n\nPlan:\n")
	for _, step := range plan.Steps {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s", step.Index, step.Tool, step.Description))
		if len(step.DependsOn) > 0 {
			sb.WriteString(fmt.Sprintf(" (after %v)", step.DependsOn))
		}
		sb.WriteByte('\n')
	}
	if len(plan.InputParams) > 0 {
		sb.WriteString("\nInputs:\n")
		for _, p := range plan.InputParams {
			sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", p.Name, p.Type, p.Description))
		}
	}
	sb.WriteString("\nNamed wrappers are also available, e.g. tools.")
	if len(plan.Steps) > 0 {
		if ref, ok := domain.ParseToolRef(plan.Steps[0].Tool); ok {
			sb.WriteString(sandbox.BridgeFuncName(ref.Server, ref.Method))
			sb.WriteString("(args)")
		}
	}
	sb.WriteString("\nWrite the script now.")
	return sb.String()
}

func buildRepairPrompt(task string, script domain.GeneratedScript, failure error) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task)
	sb.WriteString("\n\nFailing script:\n")
	sb.WriteString(script.Source)
	sb.WriteString("\n\nProbe error:\n")
	sb.WriteString(failure.Error())
	return sb.String()
}
