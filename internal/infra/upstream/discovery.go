package upstream

import (
	"context"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orchd/internal/domain"
)

// Discover fans out tools/list to every configured server and merges
// the results. A server that fails to answer is logged and skipped so
// one dead upstream does not sink startup.
func (m *Manager) Discover(ctx context.Context) ([]domain.DiscoveredTool, error) {
	var (
		mu    sync.Mutex
		tools []domain.DiscoveredTool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range m.Servers() {
		server := name
		g.Go(func() error {
			session, err := m.session(gctx, server)
			if err != nil {
				m.logger.Warn("discovery skipped server", zap.String("server", server), zap.Error(err))
				return nil
			}
			res, err := session.ListTools(gctx, &mcp.ListToolsParams{})
			if err != nil {
				m.drop(server, session)
				m.logger.Warn("discovery list failed", zap.String("server", server), zap.Error(err))
				return nil
			}
			discovered := make([]domain.DiscoveredTool, 0, len(res.Tools))
			for _, t := range res.Tools {
				discovered = append(discovered, domain.DiscoveredTool{
					Ref:         domain.ToolRef{Server: server, Method: t.Name},
					Description: t.Description,
					InputSchema: asObjectSchema(t.InputSchema),
				})
			}
			mu.Lock()
			tools = append(tools, discovered...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Ref.Server != tools[j].Ref.Server {
			return tools[i].Ref.Server < tools[j].Ref.Server
		}
		return tools[i].Ref.Method < tools[j].Ref.Method
	})
	m.logger.Info("discovery complete", zap.Int("tools", len(tools)))
	return tools, nil
}

func asObjectSchema(schema any) map[string]any {
	if obj, ok := schema.(map[string]any); ok {
		return obj
	}
	return map[string]any{"type": "object"}
}
