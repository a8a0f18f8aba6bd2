package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"orchd/internal/domain"
	"orchd/internal/infra/sandbox"
	"orchd/internal/infra/validation"
)

// RegistryReader is the slice of the tool store dispatch needs.
type RegistryReader interface {
	Get(id string) (*domain.ToolEntry, bool)
	List() []*domain.ToolEntry
	RecordExecution(id string)
}

// Dispatcher executes a registered tool by id: generated entries run
// in the sandbox pool, base and proxy entries delegate upstream.
type Dispatcher struct {
	registry RegistryReader
	pool     *sandbox.Pool
	invoker  sandbox.Invoker
	limits   domain.RunLimits
	logger   *zap.Logger
}

func NewDispatcher(registry RegistryReader, pool *sandbox.Pool, invoker sandbox.Invoker, limits domain.RunLimits, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		pool:     pool,
		invoker:  invoker,
		limits:   limits,
		logger:   logger.Named("dispatch"),
	}
}

// Dispatch runs one tool call. Execution failures surface to the
// caller; by the time a tool is dispatchable the caller is relying on
// it.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, args map[string]any) (any, error) {
	entry, ok := d.registry.Get(id)
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "gateway.Dispatch",
			fmt.Sprintf("tool %q is not registered", id), domain.ErrToolNotFound)
	}

	switch entry.Kind {
	case domain.ToolKindGenerated:
		return d.runGenerated(ctx, entry, args)
	case domain.ToolKindBase:
		return d.invoker.Invoke(ctx, entry.Upstream.Server, entry.Upstream.Method, args)
	case domain.ToolKindProxy:
		return d.invoker.Invoke(ctx, entry.Upstream.Server, entry.Upstream.Method, args)
	default:
		return nil, domain.E(domain.CodeInternal, "gateway.Dispatch",
			fmt.Sprintf("unknown tool kind %q", entry.Kind), nil)
	}
}

func (d *Dispatcher) runGenerated(ctx context.Context, entry *domain.ToolEntry, args map[string]any) (any, error) {
	// Arguments are checked against the advertised schema before the
	// script sees them; a pool slot is never spent on a bad call.
	if err := validation.ValidateArgs(entry.InputSchema, args); err != nil {
		return nil, err
	}

	lease, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	script := domain.GeneratedScript{Source: entry.Script, EntryPoint: sandbox.EntryPoint}
	out, err := lease.Run(ctx, script, args, d.limits, d.invoker)
	if err != nil {
		return nil, err
	}
	d.registry.RecordExecution(entry.ID)
	return out, nil
}
