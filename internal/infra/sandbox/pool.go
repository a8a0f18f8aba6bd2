package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"orchd/internal/domain"
)

// PoolOptions configures a Pool. Zero values fall back to the domain
// defaults.
type PoolOptions struct {
	Size           int
	Warm           int
	AcquireTimeout time.Duration

	Logger  *zap.Logger
	Metrics domain.Metrics
}

// Pool bounds concurrent sandbox runs and recycles interpreter
// contexts. A context that has run user code is destroyed at release
// time and lazily rebuilt: correctness over reuse.
type Pool struct {
	engine *Engine
	opts   PoolOptions

	sem  *semaphore.Weighted
	idle chan *Context
}

func NewPool(engine *Engine, opts PoolOptions) (*Pool, error) {
	if opts.Size <= 0 {
		opts.Size = domain.DefaultPoolSize
	}
	if opts.Warm < 0 || opts.Warm > opts.Size {
		opts.Warm = domain.DefaultPoolWarm
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = domain.DefaultPoolAcquireTimeoutSeconds * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("pool")
	if opts.Metrics == nil {
		opts.Metrics = domain.NopMetrics{}
	}

	p := &Pool{
		engine: engine,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Size)),
		idle:   make(chan *Context, opts.Size),
	}
	for i := 0; i < opts.Warm; i++ {
		c, err := engine.NewContext()
		if err != nil {
			return nil, err
		}
		p.idle <- c
	}
	return p, nil
}

// CompileCheck type-checks a script in a throwaway context without
// consuming a pool slot.
func (p *Pool) CompileCheck(script domain.GeneratedScript) error {
	return p.engine.Compile(script)
}

// Acquire blocks for a free slot up to the pool-acquire timeout and
// returns a scoped lease. Past the timeout it fails with
// PoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	const op = "sandbox.Acquire"
	start := time.Now()

	acqCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acqCtx, 1); err != nil {
		p.opts.Metrics.ObservePoolAcquire("exhausted", time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.E(domain.CodeResourceExhausted, op,
			"no sandbox context available within acquire timeout", domain.ErrPoolExhausted)
	}

	var c *Context
	select {
	case c = <-p.idle:
	default:
		fresh, err := p.engine.NewContext()
		if err != nil {
			p.sem.Release(1)
			p.opts.Metrics.ObservePoolAcquire("error", time.Since(start))
			return nil, domain.E(domain.CodeInternal, op, "build sandbox context", err)
		}
		c = fresh
	}

	p.opts.Metrics.ObservePoolAcquire("ok", time.Since(start))
	return &Lease{pool: p, ctx: c}, nil
}

// Lease is one acquired pool slot. Release must run on every exit
// path; it is idempotent.
type Lease struct {
	pool  *Pool
	ctx   *Context
	dirty bool
	done  bool
}

// Run executes the script in the leased context. The context is
// considered dirty afterwards and will not be reused.
func (l *Lease) Run(ctx context.Context, script domain.GeneratedScript, input map[string]any, limits domain.RunLimits, invoker Invoker) (any, error) {
	l.dirty = true
	start := time.Now()
	out, err := l.pool.engine.Run(ctx, l.ctx, script, input, limits, invoker)
	status := "ok"
	if err != nil {
		status = "error"
	}
	l.pool.opts.Metrics.ObserveSandboxRun(status, time.Since(start))
	return out, err
}

// Release returns the slot to the pool. Clean contexts go back to the
// idle set; dirty ones are dropped and a replacement is built on the
// next demand.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true

	if !l.dirty && l.ctx != nil {
		select {
		case l.pool.idle <- l.ctx:
		default:
		}
	}
	l.ctx = nil
	l.pool.sem.Release(1)
}
