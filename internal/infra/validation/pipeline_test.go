package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orchd/internal/domain"
)

// fakeSandbox scripts the probe outcomes and counts engine touches.
type fakeSandbox struct {
	compileErr error
	dryRunErrs []error // consumed in order; empty means pass
	compiles   int
	dryRuns    int
	lastInput  map[string]any
}

func (f *fakeSandbox) Compile(domain.GeneratedScript) error {
	f.compiles++
	return f.compileErr
}

func (f *fakeSandbox) DryRun(_ context.Context, _ domain.GeneratedScript, input map[string]any, _ time.Duration) error {
	f.dryRuns++
	f.lastInput = input
	if len(f.dryRunErrs) == 0 {
		return nil
	}
	err := f.dryRunErrs[0]
	f.dryRunErrs = f.dryRunErrs[1:]
	return err
}

type fakeRepairer struct {
	calls   int
	scripts []domain.GeneratedScript
	err     error
}

func (f *fakeRepairer) Repair(_ context.Context, script domain.GeneratedScript, _ error, _ string) (domain.GeneratedScript, error) {
	f.calls++
	if f.err != nil {
		return domain.GeneratedScript{}, f.err
	}
	if len(f.scripts) > 0 {
		next := f.scripts[0]
		f.scripts = f.scripts[1:]
		return next, nil
	}
	return script, nil
}

const validScript = `package main

import "tools"

func Workflow(input map[string]any) (any, error) {
	return tools.Call("files", "read", map[string]any{"path": input["path"]})
}
`

func objectSchema(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

func TestAcceptedFirstTry(t *testing.T) {
	sb := &fakeSandbox{}
	p := NewPipeline(Options{Sandbox: sb})

	res, err := p.Validate(context.Background(), "read a file",
		domain.GeneratedScript{Source: validScript},
		objectSchema(map[string]any{"path": map[string]any{"type": "string"}}))
	require.NoError(t, err)
	require.Equal(t, 0, res.Repairs)
	require.Equal(t, 1, sb.dryRuns)
	require.Equal(t, map[string]any{"path": "example"}, sb.lastInput)
}

func TestStructuralRejection(t *testing.T) {
	sb := &fakeSandbox{}
	p := NewPipeline(Options{Sandbox: sb, Repairer: &fakeRepairer{}})

	_, err := p.Validate(context.Background(), "task",
		domain.GeneratedScript{Source: "package main\n\nfunc helper() {}\n"}, nil)
	require.ErrorIs(t, err, domain.ErrStructural)
	// Structural failures never enter the repair loop or the engine.
	require.Equal(t, 0, sb.compiles)
	require.Equal(t, 0, sb.dryRuns)
}

func TestSecurityHardStop(t *testing.T) {
	sb := &fakeSandbox{}
	rep := &fakeRepairer{}
	p := NewPipeline(Options{Sandbox: sb, Repairer: rep})

	const hostile = `package main

import "os/exec"

func Workflow(input map[string]any) (any, error) {
	out, err := exec.Command("sh", "-c", "id").Output()
	return string(out), err
}
`
	_, err := p.Validate(context.Background(), "task",
		domain.GeneratedScript{Source: hostile}, nil)
	require.ErrorIs(t, err, domain.ErrSecurityViolation)
	require.Equal(t, 0, sb.compiles)
	require.Equal(t, 0, sb.dryRuns)
	require.Equal(t, 0, rep.calls)
}

func TestStaticRepairFixesProbe(t *testing.T) {
	sb := &fakeSandbox{dryRunErrs: []error{errors.New("missing path")}}
	p := NewPipeline(Options{Sandbox: sb})

	// Schema lacks the field the script reads; the first probe fails
	// and the static pass reconciles the schema without a model call.
	res, err := p.Validate(context.Background(), "read a file",
		domain.GeneratedScript{Source: validScript}, objectSchema(map[string]any{}))
	require.NoError(t, err)
	require.Equal(t, 1, res.Repairs)
	require.Equal(t, 2, sb.dryRuns)
	require.Contains(t, res.InputSchema["properties"], "path")
}

func TestModelRepairAfterStatic(t *testing.T) {
	sb := &fakeSandbox{dryRunErrs: []error{errors.New("boom")}}
	rep := &fakeRepairer{}
	p := NewPipeline(Options{Sandbox: sb, Repairer: rep})

	// Schema already matches the script, so the static pass changes
	// nothing and the model repairer runs instead.
	res, err := p.Validate(context.Background(), "task",
		domain.GeneratedScript{Source: validScript},
		objectSchema(map[string]any{"path": map[string]any{"type": "string"}}))
	require.NoError(t, err)
	require.Equal(t, 1, res.Repairs)
	require.Equal(t, 1, rep.calls)
}

func TestRepairBound(t *testing.T) {
	sb := &fakeSandbox{dryRunErrs: []error{
		errors.New("fail 1"), errors.New("fail 2"), errors.New("fail 3"), errors.New("fail 4"), errors.New("fail 5"),
	}}
	rep := &fakeRepairer{}
	p := NewPipeline(Options{Sandbox: sb, Repairer: rep, MaxRepairs: 3})

	_, err := p.Validate(context.Background(), "task",
		domain.GeneratedScript{Source: validScript},
		objectSchema(map[string]any{"path": map[string]any{"type": "string"}}))
	require.ErrorIs(t, err, domain.ErrRepairExhausted)
	// Bound counts every repair attempt, static or model.
	require.LessOrEqual(t, rep.calls, 3)
	require.LessOrEqual(t, sb.dryRuns, 4)
}

func TestPoolExhaustionIsProbeFailure(t *testing.T) {
	exhausted := domain.E(domain.CodeResourceExhausted, "sandbox.Acquire",
		"no sandbox context available within acquire timeout", domain.ErrPoolExhausted)
	sb := &fakeSandbox{dryRunErrs: []error{exhausted}}
	rep := &fakeRepairer{}
	p := NewPipeline(Options{Sandbox: sb, Repairer: rep})

	// Pool pressure during the probe behaves like any probe failure
	// and flows through the repair loop rather than crashing out.
	res, err := p.Validate(context.Background(), "task",
		domain.GeneratedScript{Source: validScript},
		objectSchema(map[string]any{"path": map[string]any{"type": "string"}}))
	require.NoError(t, err)
	require.Equal(t, 1, res.Repairs)
	require.Equal(t, 1, rep.calls)
}

func TestRepairerFailureSurfaces(t *testing.T) {
	sb := &fakeSandbox{dryRunErrs: []error{errors.New("boom")}}
	rep := &fakeRepairer{err: &domain.CollaboratorError{Which: domain.CollaboratorRepair, Timeout: true, Cause: context.DeadlineExceeded}}
	p := NewPipeline(Options{Sandbox: sb, Repairer: rep})

	_, err := p.Validate(context.Background(), "task",
		domain.GeneratedScript{Source: validScript},
		objectSchema(map[string]any{"path": map[string]any{"type": "string"}}))
	var cerr *domain.CollaboratorError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, domain.CollaboratorRepair, cerr.Which)
}

func TestRepairedScriptRescanned(t *testing.T) {
	const hostileFix = `package main

import "syscall"

func Workflow(input map[string]any) (any, error) {
	return syscall.Getpid(), nil
}
`
	sb := &fakeSandbox{dryRunErrs: []error{errors.New("boom")}}
	rep := &fakeRepairer{scripts: []domain.GeneratedScript{{Source: hostileFix}}}
	p := NewPipeline(Options{Sandbox: sb, Repairer: rep})

	// A repaired script re-enters from the top; a hostile "fix" still
	// hits the security wall.
	_, err := p.Validate(context.Background(), "task",
		domain.GeneratedScript{Source: validScript},
		objectSchema(map[string]any{"path": map[string]any{"type": "string"}}))
	require.ErrorIs(t, err, domain.ErrSecurityViolation)
}

func TestInferInputFields(t *testing.T) {
	fields := InferInputFields(`input["b"]; input["a"]; input["a"]; input[ "c" ]`)
	require.Equal(t, []string{"a", "b", "c"}, fields)
}

func TestScanSecurityRules(t *testing.T) {
	denied := []string{
		`import "os"`,
		`import "net/http"`,
		`unsafe.Pointer(nil)`,
		`reflect.ValueOf(x)`,
		`plugin.Open("x.so")`,
		"//go:linkname foo runtime.foo",
	}
	for _, snippet := range denied {
		err := ScanSecurity(domain.GeneratedScript{Source: snippet})
		require.ErrorIs(t, err, domain.ErrSecurityViolation, snippet)
	}
	require.NoError(t, ScanSecurity(domain.GeneratedScript{Source: validScript}))
}
