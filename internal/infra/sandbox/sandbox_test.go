package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orchd/internal/domain"
)

type recordingInvoker struct {
	mu    sync.Mutex
	calls []string
	reply map[string]any
	err   error
}

func (r *recordingInvoker) Invoke(_ context.Context, server, method string, args map[string]any) (map[string]any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, server+"::"+method)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.reply != nil {
		return r.reply, nil
	}
	return map[string]any{"ok": true}, nil
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(EngineOptions{
		Bridges: []domain.ToolRef{
			{Server: "files", Method: "read"},
			{Server: "github", Method: "create_issue"},
		},
	})
}

const echoScript = `package main

func Workflow(input map[string]any) (any, error) {
	return map[string]any{"echo": input["msg"]}, nil
}
`

const bridgeScript = `package main

import "tools"

func Workflow(input map[string]any) (any, error) {
	res, err := tools.Call("files", "read", map[string]any{"path": input["path"]})
	if err != nil {
		return nil, err
	}
	return res, nil
}
`

const namedBridgeScript = `package main

import "tools"

func Workflow(input map[string]any) (any, error) {
	return tools.GithubCreateIssue(map[string]any{"title": input["title"]})
}
`

func TestRunEcho(t *testing.T) {
	e := testEngine(t)
	c, err := e.NewContext()
	require.NoError(t, err)

	out, err := e.Run(context.Background(), c, domain.GeneratedScript{Source: echoScript},
		map[string]any{"msg": "hello"}, domain.RunLimits{}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"echo": "hello"}, out)
}

func TestRunBridgeCall(t *testing.T) {
	e := testEngine(t)
	c, err := e.NewContext()
	require.NoError(t, err)

	inv := &recordingInvoker{reply: map[string]any{"content": "data"}}
	out, err := e.Run(context.Background(), c, domain.GeneratedScript{Source: bridgeScript},
		map[string]any{"path": "/tmp/x"}, domain.RunLimits{}, inv)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"content": "data"}, out)
	require.Equal(t, []string{"files::read"}, inv.calls)
}

func TestRunNamedBridge(t *testing.T) {
	e := testEngine(t)
	c, err := e.NewContext()
	require.NoError(t, err)

	inv := &recordingInvoker{}
	_, err = e.Run(context.Background(), c, domain.GeneratedScript{Source: namedBridgeScript},
		map[string]any{"title": "bug"}, domain.RunLimits{}, inv)
	require.NoError(t, err)
	require.Equal(t, []string{"github::create_issue"}, inv.calls)
}

func TestRunScriptError(t *testing.T) {
	e := testEngine(t)
	c, err := e.NewContext()
	require.NoError(t, err)

	const failing = `package main

import "errors"

func Workflow(input map[string]any) (any, error) {
	return nil, errors.New("step 2 failed")
}
`
	_, err = e.Run(context.Background(), c, domain.GeneratedScript{Source: failing},
		nil, domain.RunLimits{}, nil)
	require.ErrorContains(t, err, "step 2 failed")
}

const spinScript = `package main

func Workflow(input map[string]any) (any, error) {
	n := 0
	for {
		n++
	}
	return n, nil
}
`

func TestRunWallClockCeiling(t *testing.T) {
	e := testEngine(t)
	c, err := e.NewContext()
	require.NoError(t, err)

	_, err = e.Run(context.Background(), c, domain.GeneratedScript{Source: spinScript},
		nil, domain.RunLimits{WallClock: 100 * time.Millisecond}, nil)
	var re *domain.ResourceExceededError
	require.True(t, errors.As(err, &re))
	require.Equal(t, domain.ResourceTime, re.Kind)
}

// Breaching the wall clock must interrupt the interpreted code itself,
// not just report the breach while the script spins on.
func TestRunWallClockCeilingStopsScript(t *testing.T) {
	e := testEngine(t)
	c, err := e.NewContext()
	require.NoError(t, err)

	before := runtime.NumGoroutine()
	_, err = e.Run(context.Background(), c, domain.GeneratedScript{Source: spinScript},
		nil, domain.RunLimits{WallClock: 100 * time.Millisecond}, nil)
	var re *domain.ResourceExceededError
	require.True(t, errors.As(err, &re))
	require.Equal(t, domain.ResourceTime, re.Kind)

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 50*time.Millisecond, "script goroutine survived the ceiling")
}

func TestRunCallBudgetCeiling(t *testing.T) {
	e := testEngine(t)
	c, err := e.NewContext()
	require.NoError(t, err)

	const chatty = `package main

import "tools"

func Workflow(input map[string]any) (any, error) {
	for i := 0; i < 10; i++ {
		if _, err := tools.Call("files", "read", nil); err != nil {
			return nil, err
		}
	}
	return "done", nil
}
`
	_, err = e.Run(context.Background(), c, domain.GeneratedScript{Source: chatty},
		nil, domain.RunLimits{StackDepth: 3}, &recordingInvoker{})
	var re *domain.ResourceExceededError
	require.True(t, errors.As(err, &re))
	require.Equal(t, domain.ResourceStack, re.Kind)
}

func TestDeniedImportFails(t *testing.T) {
	e := testEngine(t)

	const escape = `package main

import "os"

func Workflow(input map[string]any) (any, error) {
	return os.Getwd()
}
`
	err := e.Compile(domain.GeneratedScript{Source: escape})
	require.ErrorIs(t, err, domain.ErrStructural)
}

func TestCompileMissingEntryPoint(t *testing.T) {
	e := testEngine(t)

	const noEntry = `package main

func helper() int { return 1 }
`
	err := e.Compile(domain.GeneratedScript{Source: noEntry})
	require.ErrorIs(t, err, domain.ErrStructural)
}

func TestCompileAcceptsValidScript(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Compile(domain.GeneratedScript{Source: bridgeScript}))
}

func TestIsolationBetweenRuns(t *testing.T) {
	e := testEngine(t)
	pool, err := NewPool(e, PoolOptions{Size: 1, Warm: 1})
	require.NoError(t, err)

	const stateful = `package main

var counter int

func Workflow(input map[string]any) (any, error) {
	counter++
	return counter, nil
}
`
	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		out, err := lease.Run(context.Background(), domain.GeneratedScript{Source: stateful},
			nil, domain.RunLimits{}, nil)
		lease.Release()
		require.NoError(t, err)
		// A fresh context per run means the global never carries over.
		require.Equal(t, 1, out)
	}
}

func TestPoolExhaustion(t *testing.T) {
	e := testEngine(t)
	pool, err := NewPool(e, PoolOptions{Size: 1, AcquireTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestPoolReleaseFreesSlot(t *testing.T) {
	e := testEngine(t)
	pool, err := NewPool(e, PoolOptions{Size: 1, AcquireTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	lease.Release() // idempotent

	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	again.Release()
}

func TestPoolConcurrentRuns(t *testing.T) {
	e := testEngine(t)
	pool, err := NewPool(e, PoolOptions{Size: 4, Warm: 2})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background())
			if err != nil {
				errs <- err
				return
			}
			defer lease.Release()
			out, err := lease.Run(context.Background(), domain.GeneratedScript{Source: echoScript},
				map[string]any{"msg": fmt.Sprintf("m%d", n)}, domain.RunLimits{}, nil)
			if err != nil {
				errs <- err
				return
			}
			if out.(map[string]any)["echo"] != fmt.Sprintf("m%d", n) {
				errs <- fmt.Errorf("cross-talk: got %v", out)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestBridgeFuncName(t *testing.T) {
	cases := map[[2]string]string{
		{"github", "create_issue"}: "GithubCreateIssue",
		{"files", "read"}:          "FilesRead",
		{"my-server", "do.thing"}:  "MyServerDoThing",
	}
	for in, want := range cases {
		require.Equal(t, want, BridgeFuncName(in[0], in[1]))
	}
}
