package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by the registry when inserting a
	// dynamic entry would exceed the configured ceiling and no expired
	// entry could be evicted to free a slot.
	ErrCapacityExceeded = errors.New("registry capacity exceeded")

	// ErrToolExists is returned on an id collision at upsert time.
	// Collisions are surfaced, never silently overwritten.
	ErrToolExists = errors.New("tool id already registered")

	ErrToolNotFound = errors.New("tool not found")

	// ErrPoolExhausted is returned when no sandbox context became
	// available within the pool-acquire timeout.
	ErrPoolExhausted = errors.New("sandbox pool exhausted")

	// ErrStructural marks a generated script that does not define the
	// required entry point, or does not parse at all.
	ErrStructural = errors.New("script failed structural check")

	// ErrSecurityViolation marks a script that matched the security
	// denylist. This is a hard stop: no repair is ever attempted.
	ErrSecurityViolation = errors.New("script contains denied construct")

	// ErrRepairExhausted marks a script that kept failing the dry run
	// after the maximum number of repair attempts.
	ErrRepairExhausted = errors.New("repair attempts exhausted")

	ErrEmptyTask     = errors.New("task description is empty")
	ErrInvalidScript = errors.New("generated script is empty")

	ErrUpstreamUnavailable = errors.New("upstream tool server unavailable")
)

// ResourceKind identifies which ceiling a sandbox run breached.
type ResourceKind string

const (
	ResourceTime   ResourceKind = "time"
	ResourceMemory ResourceKind = "memory"
	ResourceStack  ResourceKind = "stack"
)

// ResourceExceededError reports a sandbox run aborted for breaching a
// resource ceiling. Breaches abort the run; they are never truncated.
type ResourceExceededError struct {
	Kind ResourceKind
}

func (e *ResourceExceededError) Error() string {
	return fmt.Sprintf("resource ceiling exceeded: %s", e.Kind)
}

// Collaborator identifies an external dependency of the router.
type Collaborator string

const (
	CollaboratorPlanner   Collaborator = "planner"
	CollaboratorGenerator Collaborator = "generator"
	CollaboratorRepair    Collaborator = "repair"
	CollaboratorEmbedder  Collaborator = "embedder"
	CollaboratorUpstream  Collaborator = "upstream"
)

// CollaboratorError wraps a failure or timeout of an external
// collaborator. The router treats these as normal transitions into
// fallback, never as fatal conditions.
type CollaboratorError struct {
	Which   Collaborator
	Timeout bool
	Cause   error
}

func (e *CollaboratorError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("collaborator %s timed out: %v", e.Which, e.Cause)
	}
	return fmt.Sprintf("collaborator %s failed: %v", e.Which, e.Cause)
}

func (e *CollaboratorError) Unwrap() error { return e.Cause }

// ExecutionError reports the runtime failure of an already-accepted
// script or an upstream call made on its behalf. Unlike validation
// failures these surface to the caller, who is already relying on the
// registered tool.
type ExecutionError struct {
	ToolID string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.ToolID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
