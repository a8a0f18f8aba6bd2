package routing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"orchd/internal/domain"
)

// fallback runs vector search and registers one proxy entry per
// candidate. An empty candidate set, including one caused by a search
// or embedding failure, resolves to NoResult; fallback never fails
// the routing call except under registration-time resource pressure.
func (r *Router) fallback(ctx context.Context, logger *zap.Logger, req domain.RouteRequest) (*domain.RouteOutcome, error) {
	candidates, err := r.opts.Searcher.Search(ctx, req.Task)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("fallback search failed", zap.Error(err))
		return noResult(), nil
	}
	if len(candidates) == 0 {
		logger.Info("no candidates found")
		return noResult(), nil
	}

	registered := candidates[:0]
	for _, c := range candidates {
		err := r.opts.Registry.Upsert(&domain.ToolEntry{
			ID:          proxyID(c.Server, c.Method),
			Kind:        domain.ToolKindProxy,
			Description: c.Description,
			InputSchema: map[string]any{"type": "object"},
			Upstream:    c.Ref(),
		})
		switch {
		case err == nil, errors.Is(err, domain.ErrToolExists):
			registered = append(registered, c)
		case errors.Is(err, domain.ErrCapacityExceeded):
			// Pressure is surfaced. Earlier proxies stay registered;
			// they are live usable entries, not partial state.
			return nil, err
		default:
			logger.Warn("candidate registration failed",
				zap.String("server", c.Server),
				zap.String("method", c.Method),
				zap.Error(err))
		}
	}
	if len(registered) == 0 {
		return noResult(), nil
	}

	logger.Info("delegated", zap.Int("candidates", len(registered)))
	return &domain.RouteOutcome{
		State:      domain.RouteDelegated,
		Candidates: registered,
		Message:    "no orchestration available; closest matching tools listed",
	}, nil
}

func noResult() *domain.RouteOutcome {
	return &domain.RouteOutcome{
		State:   domain.RouteNoResult,
		Message: "no applicable tool found",
	}
}
