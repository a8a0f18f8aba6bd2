// Package sandbox runs generated workflow scripts inside an embedded
// Go interpreter. Scripts see a whitelisted slice of the standard
// library plus an injected "tools" package; everything else (files,
// network, processes, dynamic loading) is unreachable at the runtime
// level because the symbols are simply never provided.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

// allowedPackages is the import whitelist for sandboxed scripts.
// Everything here is pure computation; nothing touches the host.
var allowedPackages = map[string]bool{
	"bytes":           true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
	"encoding/json":   true,
	"encoding/base64": true,
	"encoding/hex":    true,
}

// EntryPoint is the function every workflow script must define.
const EntryPoint = "Workflow"

type workflowFunc = func(map[string]any) (any, error)

// Engine builds sandbox contexts. The filtered symbol table is
// computed once and shared by every context.
type Engine struct {
	symbols interp.Exports
	bridges []domain.ToolRef
	logger  *zap.Logger

	nextID atomic.Uint64
}

// EngineOptions configures an Engine. Bridges lists the upstream
// methods that get a named wrapper in the injected tools package.
type EngineOptions struct {
	Bridges []domain.ToolRef
	Logger  *zap.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		symbols: filterStdlib(stdlib.Symbols),
		bridges: opts.Bridges,
		logger:  opts.Logger.Named("sandbox"),
	}
}

// filterStdlib keeps only whitelisted packages from the interpreter's
// standard library table. Symbol keys are "path/name" pairs.
func filterStdlib(all interp.Exports) interp.Exports {
	out := make(interp.Exports, len(allowedPackages))
	for key, symbols := range all {
		path := key
		if i := strings.LastIndex(key, "/"); i >= 0 {
			path = key[:i]
		}
		if allowedPackages[path] {
			out[key] = symbols
		}
	}
	return out
}

// Context is one interpreter instance. A context that has evaluated
// user code cannot be reset and must be discarded after the run.
type Context struct {
	id     uint64
	interp *interp.Interpreter

	// active and run are swapped in for the duration of a run; the
	// exported host packages close over them.
	active atomic.Pointer[bridge]
	run    atomic.Pointer[runState]
}

// runState carries one run's input and captured result across the
// interpreter boundary.
type runState struct {
	input map[string]any
	out   any
	err   error
}

// NewContext builds a fresh interpreter with the filtered stdlib and
// the injected tools package.
func (e *Engine) NewContext() (*Context, error) {
	c := &Context{id: e.nextID.Add(1)}
	// Inert bridge with a zero call budget: tool calls outside a run
	// fail as a budget breach instead of dereferencing nil.
	c.active.Store(newBridge(context.Background(), nil, 0))
	c.run.Store(&runState{})
	i := interp.New(interp.Options{})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(e.toolExports(c)); err != nil {
		return nil, fmt.Errorf("load tool bridge: %w", err)
	}
	if err := i.Use(hostExports(c)); err != nil {
		return nil, fmt.Errorf("load host package: %w", err)
	}
	c.interp = i
	return c, nil
}

// hostExports is the hidden package the run driver uses to pass the
// input in and the entry point's return values out. Both functions
// act on whichever run is currently bound, so a goroutine left over
// from an aborted run writes into a discarded state, never the next
// run's.
func hostExports(c *Context) interp.Exports {
	return interp.Exports{"hostio/hostio": map[string]reflect.Value{
		"Input": reflect.ValueOf(func() map[string]any {
			return c.run.Load().input
		}),
		"Return": reflect.ValueOf(func(out any, err error) {
			st := c.run.Load()
			st.out, st.err = out, err
		}),
	}}
}

// toolExports builds the injected "tools" package: a generic Call
// plus one deterministic named wrapper per known upstream method.
// Every function routes through the context's currently bound bridge.
func (e *Engine) toolExports(c *Context) interp.Exports {
	pkg := map[string]reflect.Value{
		"Call": reflect.ValueOf(func(server, method string, args map[string]any) (map[string]any, error) {
			return c.active.Load().call(server, method, args)
		}),
	}
	for _, ref := range e.bridges {
		server, method := ref.Server, ref.Method
		name := BridgeFuncName(server, method)
		if name == "" || name == "Call" {
			continue
		}
		pkg[name] = reflect.ValueOf(func(args map[string]any) (map[string]any, error) {
			return c.active.Load().call(server, method, args)
		})
	}
	return interp.Exports{"tools/tools": pkg}
}

// Compile type-checks a script in a throwaway context without running
// it and verifies the entry point is present with the right shape.
func (e *Engine) Compile(script domain.GeneratedScript) error {
	c, err := e.NewContext()
	if err != nil {
		return err
	}
	entry := script.EntryPoint
	if entry == "" {
		entry = EntryPoint
	}
	if _, err := c.interp.Eval(script.Source); err != nil {
		return domain.E(domain.CodeFailedPrecond, "sandbox.Compile", err.Error(), domain.ErrStructural)
	}
	v, err := c.interp.Eval("main." + entry)
	if err != nil {
		return domain.E(domain.CodeFailedPrecond, "sandbox.Compile",
			fmt.Sprintf("entry point %s not defined", entry), domain.ErrStructural)
	}
	if _, ok := v.Interface().(workflowFunc); !ok {
		return domain.E(domain.CodeFailedPrecond, "sandbox.Compile",
			fmt.Sprintf("entry point %s has wrong signature", entry), domain.ErrStructural)
	}
	return nil
}

// Run executes a script in the given context under the supplied
// ceilings. Both the top-level source eval and the entry-point call go
// through the interpreter's context-aware eval, so cancelling runCtx
// interrupts the interpreted code itself rather than just the bridge.
// The context is dirty afterwards regardless of outcome.
func (e *Engine) Run(ctx context.Context, c *Context, script domain.GeneratedScript, input map[string]any, limits domain.RunLimits, invoker Invoker) (any, error) {
	limits = normalizeLimits(limits)

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	c.active.Store(newBridge(runCtx, invoker, limits.StackDepth))
	defer c.active.Store(newBridge(context.Background(), nil, 0))

	st := &runState{input: input}
	c.run.Store(st)
	defer c.run.Store(&runState{})

	memExceeded := startMemoryWatchdog(runCtx, cancel, limits.MemoryBytes)
	ceiling := func() error {
		select {
		case <-memExceeded:
			return &domain.ResourceExceededError{Kind: domain.ResourceMemory}
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if runCtx.Err() != nil {
			return &domain.ResourceExceededError{Kind: domain.ResourceTime}
		}
		return nil
	}

	entry := script.EntryPoint
	if entry == "" {
		entry = EntryPoint
	}
	if _, err := c.interp.EvalWithContext(runCtx, script.Source); err != nil {
		if cerr := ceiling(); cerr != nil {
			return nil, cerr
		}
		return nil, domain.E(domain.CodeFailedPrecond, "sandbox.Run", err.Error(), domain.ErrStructural)
	}
	v, err := c.interp.Eval("main." + entry)
	if err != nil {
		return nil, domain.E(domain.CodeFailedPrecond, "sandbox.Run",
			fmt.Sprintf("entry point %s not defined", entry), domain.ErrStructural)
	}
	if _, ok := v.Interface().(workflowFunc); !ok {
		return nil, domain.E(domain.CodeFailedPrecond, "sandbox.Run",
			fmt.Sprintf("entry point %s has wrong signature", entry), domain.ErrStructural)
	}
	if _, err := c.interp.Eval(`import "hostio"`); err != nil {
		return nil, domain.E(domain.CodeInternal, "sandbox.Run", "bind host package", err)
	}

	driver := fmt.Sprintf("__wout, __werr := %s(hostio.Input()); hostio.Return(__wout, __werr)", entry)
	if _, err := c.interp.EvalWithContext(runCtx, driver); err != nil {
		if cerr := ceiling(); cerr != nil {
			return nil, cerr
		}
		var re *domain.ResourceExceededError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, fmt.Errorf("script failed: %w", err)
	}
	if st.err != nil {
		var re *domain.ResourceExceededError
		if errors.As(st.err, &re) {
			return nil, re
		}
		return nil, st.err
	}
	return st.out, nil
}

func normalizeLimits(l domain.RunLimits) domain.RunLimits {
	if l.WallClock <= 0 {
		l.WallClock = domain.DefaultRunTimeoutSeconds * time.Second
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = domain.DefaultMemoryCeilingBytes
	}
	if l.StackDepth <= 0 {
		l.StackDepth = domain.DefaultStackDepthCeiling
	}
	return l
}

// startMemoryWatchdog samples heap growth over the run's lifetime.
// When growth exceeds the ceiling it closes the returned channel and
// cancels the run context, which interrupts the interpreted code.
func startMemoryWatchdog(ctx context.Context, cancel context.CancelFunc, ceiling uint64) <-chan struct{} {
	fired := make(chan struct{})
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var cur runtime.MemStats
				runtime.ReadMemStats(&cur)
				if cur.HeapAlloc > base.HeapAlloc && cur.HeapAlloc-base.HeapAlloc > ceiling {
					close(fired)
					cancel()
					return
				}
			}
		}
	}()
	return fired
}
