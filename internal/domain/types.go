package domain

import (
	"maps"
	"strings"
	"time"
)

// ToolKind classifies how a registry entry is executed.
type ToolKind string

const (
	// ToolKindBase is a tool exposed by an upstream server and seeded
	// at startup. Base entries never expire and never count against
	// the dynamic capacity ceiling.
	ToolKindBase ToolKind = "base"
	// ToolKindGenerated is a synthesized workflow script run in the
	// sandbox.
	ToolKindGenerated ToolKind = "generated"
	// ToolKindProxy forwards directly to a single upstream method
	// without any script in between.
	ToolKindProxy ToolKind = "proxy"
)

// ToolRef names a method on an upstream server.
type ToolRef struct {
	Server string
	Method string
}

func (r ToolRef) String() string { return r.Server + "::" + r.Method }

// ParseToolRef splits "server::method" into its parts. The second
// return is false when the input has no separator.
func ParseToolRef(s string) (ToolRef, bool) {
	server, method, ok := strings.Cut(s, "::")
	if !ok || server == "" || method == "" {
		return ToolRef{}, false
	}
	return ToolRef{Server: server, Method: method}, true
}

// ToolEntry is a single registry record. InputSchema holds a JSON
// Schema object in decoded form.
type ToolEntry struct {
	ID          string
	Kind        ToolKind
	Description string
	InputSchema map[string]any
	Script      string
	Upstream    ToolRef
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ExecCount   uint64
}

// Expired reports whether the entry's TTL has passed at the given
// instant. Base entries never expire.
func (e *ToolEntry) Expired(now time.Time) bool {
	if e.Kind == ToolKindBase || e.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt)
}

// Clone returns a copy safe to hand outside the registry lock. The
// schema map is copied one level deep; nested values are treated as
// immutable by convention.
func (e *ToolEntry) Clone() *ToolEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.InputSchema != nil {
		cp.InputSchema = maps.Clone(e.InputSchema)
	}
	return &cp
}

// RouteState is the terminal state of a routing attempt.
type RouteState string

const (
	// RouteOrchestrated means a workflow tool (or direct proxy) was
	// registered and is ready to call.
	RouteOrchestrated RouteState = "orchestrated"
	// RouteDelegated means planning was not possible and candidate
	// tools were surfaced for the caller to pick from.
	RouteDelegated RouteState = "delegated"
	// RouteNoResult means nothing relevant was found. This is a valid
	// outcome, not an error.
	RouteNoResult RouteState = "no_result"
)

// RouteRequest is a single task submitted to the router.
type RouteRequest struct {
	Task          string
	CorrelationID string
	Timeout       time.Duration
}

// RouteOutcome reports how a routing attempt concluded.
type RouteOutcome struct {
	State      RouteState
	ToolID     string
	Candidates []Candidate
	Message    string
}

// Candidate is one fallback search hit, ordered best-first.
type Candidate struct {
	Server      string
	Method      string
	Description string
	Score       float64
}

func (c Candidate) Ref() ToolRef { return ToolRef{Server: c.Server, Method: c.Method} }

// PlanStep is one step of a workflow plan. Tool uses the
// "server::method" form. DependsOn holds indices of earlier steps.
type PlanStep struct {
	Index       int      `json:"index"`
	Tool        string   `json:"tool"`
	Description string   `json:"description"`
	DependsOn   []int    `json:"depends_on,omitempty"`
	ArgHints    []string `json:"arg_hints,omitempty"`
}

// PlanParam describes one input parameter the workflow expects.
type PlanParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// WorkflowPlan is the planner's structured answer for a task.
type WorkflowPlan struct {
	Feasible           bool        `json:"feasible"`
	NeedsOrchestration bool        `json:"needs_orchestration"`
	Reason             string      `json:"reason,omitempty"`
	SuggestedName      string      `json:"suggested_name,omitempty"`
	Description        string      `json:"description,omitempty"`
	Steps              []PlanStep  `json:"steps,omitempty"`
	InputParams        []PlanParam `json:"input_params,omitempty"`
}

// DirectProxy reports whether the plan collapses to a single upstream
// call, in which case no script needs to be generated at all.
func (p *WorkflowPlan) DirectProxy() (ToolRef, bool) {
	if !p.Feasible || p.NeedsOrchestration || len(p.Steps) != 1 {
		return ToolRef{}, false
	}
	return ParseToolRef(p.Steps[0].Tool)
}

// GeneratedScript is a synthesized workflow source plus the entry
// point the sandbox invokes.
type GeneratedScript struct {
	Source     string
	EntryPoint string
}

// RunLimits are the ceilings applied to one sandbox run.
type RunLimits struct {
	WallClock   time.Duration
	MemoryBytes uint64
	StackDepth  int
}

// DiscoveredTool is one upstream method found during discovery.
type DiscoveredTool struct {
	Ref         ToolRef
	Description string
	InputSchema map[string]any
}
