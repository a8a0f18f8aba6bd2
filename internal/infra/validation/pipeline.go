// Package validation gates generated scripts before registration:
// structural check, security scan, dry-run probe, and a bounded
// repair loop. Security failures are terminal; dry-run failures are
// repaired first statically, then through the model collaborator.
package validation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orchd/internal/domain"
)

// Sandbox is the slice of the execution engine the pipeline needs.
type Sandbox interface {
	Compile(script domain.GeneratedScript) error
	DryRun(ctx context.Context, script domain.GeneratedScript, input map[string]any, timeout time.Duration) error
}

// Repairer asks the model collaborator for a corrected script.
type Repairer interface {
	Repair(ctx context.Context, script domain.GeneratedScript, failure error, task string) (domain.GeneratedScript, error)
}

// Options configures a Pipeline.
type Options struct {
	Sandbox       Sandbox
	Repairer      Repairer // nil disables model repair
	MaxRepairs    int
	DryRunTimeout time.Duration
	Logger        *zap.Logger
}

// Pipeline is the validation state machine. Terminal outcomes are an
// accepted Result or a rejection error carrying the failing stage's
// sentinel.
type Pipeline struct {
	opts Options
}

// Result is an accepted script plus the schema it was accepted with
// and the number of repair attempts spent.
type Result struct {
	Script      domain.GeneratedScript
	InputSchema map[string]any
	Repairs     int
}

func NewPipeline(opts Options) *Pipeline {
	if opts.MaxRepairs <= 0 {
		opts.MaxRepairs = domain.DefaultMaxRepairAttempts
	}
	if opts.DryRunTimeout <= 0 {
		opts.DryRunTimeout = domain.DefaultDryRunTimeoutSeconds * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("validation")
	return &Pipeline{opts: opts}
}

// Validate drives a script to Accepted or a rejection. The task text
// is forwarded to the repairer for context.
func (p *Pipeline) Validate(ctx context.Context, task string, script domain.GeneratedScript, schema map[string]any) (*Result, error) {
	repairs := 0
	staticTried := false

	for {
		// Structural failures are terminal. A script that cannot even
		// declare its entry point is regenerated, not patched.
		if err := CheckStructure(script); err != nil {
			return nil, err
		}
		// Hard stop. The scan runs before any interpreter sees the
		// source, so a denied script never reaches the engine at all.
		if err := ScanSecurity(script); err != nil {
			return nil, err
		}
		if err := p.opts.Sandbox.Compile(script); err != nil {
			return nil, err
		}

		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		if err := CheckInputSchema(schema); err != nil {
			return nil, err
		}

		probeErr := p.opts.Sandbox.DryRun(ctx, script, MockInput(schema), p.opts.DryRunTimeout)
		if probeErr == nil {
			return &Result{Script: script, InputSchema: schema, Repairs: repairs}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.opts.Logger.Debug("dry run failed",
			zap.Int("repairs", repairs),
			zap.Error(probeErr))

		if repairs >= p.opts.MaxRepairs {
			return nil, domain.E(domain.CodeFailedPrecond, "validation.Validate",
				"dry run still failing after repair bound", domain.ErrRepairExhausted)
		}

		if !staticTried {
			staticTried = true
			if repaired, changed := StaticRepair(script.Source, schema); changed {
				schema = repaired
				repairs++
				continue
			}
		}

		if p.opts.Repairer == nil {
			return nil, domain.E(domain.CodeFailedPrecond, "validation.Validate",
				"no repairer configured", domain.ErrRepairExhausted)
		}
		fixed, err := p.opts.Repairer.Repair(ctx, script, probeErr, task)
		if err != nil {
			return nil, err
		}
		script = fixed
		repairs++
	}
}
