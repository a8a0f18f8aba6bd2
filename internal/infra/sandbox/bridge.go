package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"unicode"

	"orchd/internal/domain"
)

// Invoker executes a single upstream tool call on behalf of a
// sandboxed script. It is the only door out of the sandbox.
type Invoker interface {
	Invoke(ctx context.Context, server, method string, args map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, server, method string, args map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, server, method string, args map[string]any) (map[string]any, error) {
	return f(ctx, server, method, args)
}

// bridge is bound to a single run. It carries the run's context, the
// invoker, and the remaining call budget derived from the stack depth
// ceiling.
type bridge struct {
	ctx       context.Context
	invoker   Invoker
	remaining atomic.Int64
}

func newBridge(ctx context.Context, invoker Invoker, budget int) *bridge {
	b := &bridge{ctx: ctx, invoker: invoker}
	b.remaining.Store(int64(budget))
	return b
}

func (b *bridge) call(server, method string, args map[string]any) (map[string]any, error) {
	if b == nil || b.invoker == nil {
		return nil, errors.New("no tool bridge bound")
	}
	if b.remaining.Add(-1) < 0 {
		return nil, &domain.ResourceExceededError{Kind: domain.ResourceStack}
	}
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}
	return b.invoker.Invoke(b.ctx, server, method, args)
}

// BridgeFuncName derives the exported identifier a script uses to
// call a specific upstream method, e.g. ("github", "create_issue")
// becomes "GithubCreateIssue". The mapping is deterministic so the
// code generator and the runtime always agree.
func BridgeFuncName(server, method string) string {
	return exportIdent(server) + exportIdent(method)
}

func exportIdent(s string) string {
	var sb strings.Builder
	upper := true
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			sb.WriteRune(unicode.ToUpper(r))
			upper = false
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
