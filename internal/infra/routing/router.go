// Package routing drives a task through orchestration: plan, generate,
// validate, register, and fall back to vector search when any stage
// declines. The router always lands in one of three terminal states
// and never surfaces stage failures as routing errors; only resource
// pressure at registration time is passed through.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orchd/internal/domain"
	"orchd/internal/infra/validation"
)

// Planner is the model collaborator slice the router consumes.
type Planner interface {
	Plan(ctx context.Context, task string, tools []domain.DiscoveredTool) (*domain.WorkflowPlan, error)
	GenerateScript(ctx context.Context, task string, plan *domain.WorkflowPlan) (domain.GeneratedScript, error)
	DeriveToolName(plan *domain.WorkflowPlan, task string) string
}

// Validator runs the validation pipeline on a generated script.
type Validator interface {
	Validate(ctx context.Context, task string, script domain.GeneratedScript, schema map[string]any) (*validation.Result, error)
}

// Searcher is the vector fallback.
type Searcher interface {
	Search(ctx context.Context, task string) ([]domain.Candidate, error)
	Probe(ctx context.Context, task string) (domain.Candidate, bool)
}

// Registry is the slice of the tool store the router writes to.
type Registry interface {
	Upsert(entry *domain.ToolEntry) error
}

// Catalog supplies the discovered upstream tool set for planning.
type Catalog interface {
	DiscoveredTools() []domain.DiscoveredTool
}

// Options wires a Router. Planner may be nil; routing then goes
// straight to fallback search.
type Options struct {
	Planner   Planner
	Validator Validator
	Searcher  Searcher
	Registry  Registry
	Catalog   Catalog

	FastPathThreshold float64
	Logger            *zap.Logger
	Metrics           domain.Metrics
}

type Router struct {
	opts Options
}

func New(opts Options) *Router {
	if opts.FastPathThreshold <= 0 {
		opts.FastPathThreshold = domain.DefaultFastPathThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("router")
	if opts.Metrics == nil {
		opts.Metrics = domain.NopMetrics{}
	}
	return &Router{opts: opts}
}

// Route drives one task to a terminal state. The returned error is
// non-nil only for invalid input or registration-time resource
// pressure; every other failure resolves into one of the three
// outcome states.
func (r *Router) Route(ctx context.Context, req domain.RouteRequest) (*domain.RouteOutcome, error) {
	start := time.Now()
	if strings.TrimSpace(req.Task) == "" {
		err := domain.E(domain.CodeInvalidArgument, "routing.Route", "empty task", domain.ErrEmptyTask)
		r.opts.Metrics.ObserveRoute("", time.Since(start), err)
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	logger := r.opts.Logger.With(zap.String("correlation_id", req.CorrelationID))

	outcome, err := r.route(ctx, logger, req)
	state := domain.RouteState("")
	if outcome != nil {
		state = outcome.State
	}
	r.opts.Metrics.ObserveRoute(state, time.Since(start), err)
	return outcome, err
}

func (r *Router) route(ctx context.Context, logger *zap.Logger, req domain.RouteRequest) (*domain.RouteOutcome, error) {
	if r.opts.Planner == nil {
		// Deliberate policy, not an error path: without a model
		// collaborator every task goes straight to fallback.
		return r.fallback(ctx, logger, req)
	}

	// A high-confidence probe hit means existing tools already cover
	// the task. Skip planning and surface the ranked candidate list,
	// alternatives included, instead of picking one winner.
	if hit, ok := r.opts.Searcher.Probe(ctx, req.Task); ok && hit.Score >= r.opts.FastPathThreshold {
		logger.Info("fast path",
			zap.String("server", hit.Server),
			zap.String("method", hit.Method),
			zap.Float64("score", hit.Score))
		return r.fallback(ctx, logger, req)
	}

	plan, err := r.opts.Planner.Plan(ctx, req.Task, r.opts.Catalog.DiscoveredTools())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Info("planner unavailable, falling back", zap.Error(err))
		return r.fallback(ctx, logger, req)
	}
	if !plan.Feasible {
		logger.Info("plan infeasible, falling back", zap.String("reason", plan.Reason))
		return r.fallback(ctx, logger, req)
	}

	// A feasible single-step plan needs no code at all; the step is
	// registered as a direct proxy.
	if ref, ok := plan.DirectProxy(); ok {
		outcome, err := r.registerProxy(logger, domain.Candidate{
			Server:      ref.Server,
			Method:      ref.Method,
			Description: plan.Description,
		})
		if err == nil {
			logger.Info("direct proxy", zap.String("tool", outcome.ToolID))
			return outcome, nil
		}
		if isResourcePressure(err) {
			return nil, err
		}
		logger.Warn("direct proxy registration failed", zap.Error(err))
		return r.fallback(ctx, logger, req)
	}

	script, err := r.opts.Planner.GenerateScript(ctx, req.Task, plan)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Info("generation failed, falling back", zap.Error(err))
		return r.fallback(ctx, logger, req)
	}

	result, err := r.opts.Validator.Validate(ctx, req.Task, script, schemaFromParams(plan.InputParams))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Info("validation rejected script, falling back",
			zap.String("reason", rejectionReason(err)))
		return r.fallback(ctx, logger, req)
	}

	id := r.opts.Planner.DeriveToolName(plan, req.Task)
	entry := &domain.ToolEntry{
		ID:          id,
		Kind:        domain.ToolKindGenerated,
		Description: plan.Description,
		InputSchema: result.InputSchema,
		Script:      result.Script.Source,
	}
	if err := r.opts.Registry.Upsert(entry); err != nil {
		// Ids race across concurrent calls; pressure and collisions
		// both surface rather than silently replacing anything.
		return nil, err
	}

	logger.Info("orchestrated",
		zap.String("tool", id),
		zap.Int("repairs", result.Repairs))
	return &domain.RouteOutcome{
		State:   domain.RouteOrchestrated,
		ToolID:  id,
		Message: fmt.Sprintf("use tool %q", id),
	}, nil
}

// registerProxy upserts one proxy entry for a candidate. Collisions
// are idempotent: the entry already serves the same upstream method.
func (r *Router) registerProxy(logger *zap.Logger, c domain.Candidate) (*domain.RouteOutcome, error) {
	id := proxyID(c.Server, c.Method)
	err := r.opts.Registry.Upsert(&domain.ToolEntry{
		ID:          id,
		Kind:        domain.ToolKindProxy,
		Description: c.Description,
		InputSchema: map[string]any{"type": "object"},
		Upstream:    domain.ToolRef{Server: c.Server, Method: c.Method},
	})
	if err != nil && !errors.Is(err, domain.ErrToolExists) {
		return nil, err
	}
	if errors.Is(err, domain.ErrToolExists) {
		logger.Debug("proxy already registered", zap.String("tool", id))
	}
	return &domain.RouteOutcome{
		State:   domain.RouteOrchestrated,
		ToolID:  id,
		Message: fmt.Sprintf("use tool %q", id),
	}, nil
}

func isResourcePressure(err error) bool {
	return errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrPoolExhausted)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSecurityViolation):
		return "security"
	case errors.Is(err, domain.ErrStructural):
		return "structural"
	case errors.Is(err, domain.ErrRepairExhausted):
		return "repair_exhausted"
	default:
		return "collaborator"
	}
}

// schemaFromParams turns plan parameters into the input schema a
// registered workflow advertises.
func schemaFromParams(params []domain.PlanParam) map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range params {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// proxyID derives the deterministic registry id for a proxied
// upstream method.
func proxyID(server, method string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(server + "_" + method) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String() + "_proxy"
}
