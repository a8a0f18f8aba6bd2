// Package planner is the model collaborator: it turns a task into a
// workflow plan, a plan into a Go script, and a failing script into a
// corrected one. Every call carries its own timeout and any failure
// is reported as a collaborator error, which the router treats as a
// normal transition rather than a fault.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"orchd/internal/domain"
	"orchd/internal/infra/sandbox"
)

// Options configures a Planner. Model may be supplied directly for
// tests; otherwise it is built from the config.
type Options struct {
	Config  domain.PlannerConfig
	Model   chatModel
	Logger  *zap.Logger
	Metrics domain.Metrics
}

type Planner struct {
	config  domain.PlannerConfig
	model   chatModel
	logger  *zap.Logger
	metrics domain.Metrics
}

func New(ctx context.Context, opts Options) (*Planner, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = domain.NopMetrics{}
	}
	if opts.Config.Timeout <= 0 {
		opts.Config.Timeout = domain.DefaultPlannerTimeoutSeconds * time.Second
	}
	model := opts.Model
	if model == nil {
		m, err := initializeModel(ctx, opts.Config)
		if err != nil {
			return nil, fmt.Errorf("initialize model: %w", err)
		}
		model = m
	}
	return &Planner{
		config:  opts.Config,
		model:   model,
		logger:  opts.Logger.Named("planner"),
		metrics: opts.Metrics,
	}, nil
}

// Plan asks the model for a workflow plan over the given tools.
func (p *Planner) Plan(ctx context.Context, task string, tools []domain.DiscoveredTool) (*domain.WorkflowPlan, error) {
	content, err := p.generate(ctx, "plan", domain.CollaboratorPlanner,
		planSystemPrompt, buildPlanPrompt(task, tools))
	if err != nil {
		return nil, err
	}

	raw := extractOutermostJSON(stripCodeFences(content))
	if raw == "" {
		return nil, &domain.CollaboratorError{
			Which: domain.CollaboratorPlanner,
			Cause: fmt.Errorf("no JSON object in response"),
		}
	}
	var plan domain.WorkflowPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &domain.CollaboratorError{
			Which: domain.CollaboratorPlanner,
			Cause: fmt.Errorf("invalid plan JSON: %w", err),
		}
	}
	normalizePlan(&plan)
	if plan.Feasible && len(plan.Steps) == 0 {
		plan.Feasible = false
		plan.Reason = "plan contained no usable steps"
	}
	p.logger.Debug("plan produced",
		zap.Bool("feasible", plan.Feasible),
		zap.Int("steps", len(plan.Steps)))
	return &plan, nil
}

// GenerateScript asks the model to write the workflow script for an
// accepted plan.
func (p *Planner) GenerateScript(ctx context.Context, task string, plan *domain.WorkflowPlan) (domain.GeneratedScript, error) {
	content, err := p.generate(ctx, "generate", domain.CollaboratorGenerator,
		generateSystemPrompt, buildGeneratePrompt(task, plan))
	if err != nil {
		return domain.GeneratedScript{}, err
	}
	source := stripCodeFences(content)
	if source == "" {
		return domain.GeneratedScript{}, &domain.CollaboratorError{
			Which: domain.CollaboratorGenerator,
			Cause: domain.ErrInvalidScript,
		}
	}
	return domain.GeneratedScript{Source: source, EntryPoint: sandbox.EntryPoint}, nil
}

// Repair asks the model for a corrected script given the probe error.
func (p *Planner) Repair(ctx context.Context, script domain.GeneratedScript, failure error, task string) (domain.GeneratedScript, error) {
	content, err := p.generate(ctx, "repair", domain.CollaboratorRepair,
		repairSystemPrompt, buildRepairPrompt(task, script, failure))
	if err != nil {
		return domain.GeneratedScript{}, err
	}
	source := stripCodeFences(content)
	if source == "" {
		return domain.GeneratedScript{}, &domain.CollaboratorError{
			Which: domain.CollaboratorRepair,
			Cause: domain.ErrInvalidScript,
		}
	}
	return domain.GeneratedScript{Source: source, EntryPoint: script.EntryPoint}, nil
}

// DeriveToolName exposes the naming rule so the router registers
// entries under the same id the planner suggested.
func (p *Planner) DeriveToolName(plan *domain.WorkflowPlan, task string) string {
	return deriveWorkflowName(plan.SuggestedName, task)
}

func (p *Planner) generate(ctx context.Context, op string, which domain.Collaborator, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	}

	started := time.Now()
	response, err := p.model.Generate(callCtx, messages)
	p.metrics.ObservePlannerCall(op, time.Since(started), err)
	if err != nil {
		timeout := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		return "", &domain.CollaboratorError{Which: which, Timeout: timeout, Cause: err}
	}
	p.observeTokenUsage(op, response)
	if response == nil {
		return "", &domain.CollaboratorError{Which: which, Cause: fmt.Errorf("empty response")}
	}
	return response.Content, nil
}

func (p *Planner) observeTokenUsage(op string, response *schema.Message) {
	if response == nil || response.ResponseMeta == nil || response.ResponseMeta.Usage == nil {
		return
	}
	tokens := response.ResponseMeta.Usage.TotalTokens
	if tokens <= 0 {
		return
	}
	p.logger.Debug("model call",
		zap.String("op", op),
		zap.String("model", p.config.Model),
		zap.Int("total_tokens", tokens))
}
