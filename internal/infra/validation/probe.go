package validation

import (
	"context"
	"time"

	"orchd/internal/domain"
	"orchd/internal/infra/sandbox"
)

// PoolProber runs dry-run probes against the shared sandbox pool.
// Upstream calls made by the probed script are answered with a canned
// reply instead of touching real servers.
type PoolProber struct {
	pool *sandbox.Pool
}

func NewPoolProber(pool *sandbox.Pool) *PoolProber {
	return &PoolProber{pool: pool}
}

func (p *PoolProber) Compile(script domain.GeneratedScript) error {
	return p.pool.CompileCheck(script)
}

// DryRun executes the script once with the probe input under a short
// wall clock. A pool-acquire timeout is reported like any other probe
// failure; the repair loop handles it the same way.
func (p *PoolProber) DryRun(ctx context.Context, script domain.GeneratedScript, input map[string]any, timeout time.Duration) error {
	lease, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Run(ctx, script, input, domain.RunLimits{WallClock: timeout}, mockInvoker{})
	return err
}

// mockInvoker answers every bridge call with a fixed shape so probed
// scripts can complete without reaching real upstreams.
type mockInvoker struct{}

func (mockInvoker) Invoke(_ context.Context, server, method string, _ map[string]any) (map[string]any, error) {
	return map[string]any{
		"ok":     true,
		"server": server,
		"method": method,
		"result": "probe",
	}, nil
}

var _ Sandbox = (*PoolProber)(nil)
