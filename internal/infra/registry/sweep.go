package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper blocks, sweeping expired entries on the configured
// interval until the context is canceled. An immediate sweep runs on
// every tick only; startup state is left to the first tick.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	r.opts.Logger.Info("sweeper started", zap.Duration("interval", r.opts.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			r.opts.Logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}
