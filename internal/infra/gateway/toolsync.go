package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

const defaultSyncInterval = time.Second

// toolSync mirrors the registry into the protocol server: every live
// entry becomes an advertised tool, and entries that expired or were
// evicted are withdrawn.
type toolSync struct {
	server  *mcp.Server
	handler func(id string) mcp.ToolHandler
	source  RegistryReader
	logger  *zap.Logger

	mu         sync.Mutex
	registered map[string]struct{}
}

func newToolSync(server *mcp.Server, handler func(id string) mcp.ToolHandler, source RegistryReader, logger *zap.Logger) *toolSync {
	return &toolSync{
		server:     server,
		handler:    handler,
		source:     source,
		logger:     logger.Named("tool_sync"),
		registered: make(map[string]struct{}),
	}
}

// apply diffs the current registry snapshot against what the server
// advertises and applies adds and removals.
func (s *toolSync) apply(entries []*domain.ToolEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		schema := e.InputSchema
		if !isObjectSchema(schema) {
			s.logger.Warn("skip tool with invalid input schema", zap.String("tool", e.ID))
			continue
		}
		tool := &mcp.Tool{
			Name:        e.ID,
			Description: e.Description,
			InputSchema: schema,
		}
		s.server.AddTool(tool, s.handler(e.ID))
		next[e.ID] = struct{}{}
	}

	var remove []string
	for id := range s.registered {
		if _, ok := next[id]; !ok {
			remove = append(remove, id)
		}
	}
	if len(remove) > 0 {
		s.server.RemoveTools(remove...)
		s.logger.Debug("tools withdrawn", zap.Strings("tools", remove))
	}
	s.registered = next
}

// run re-applies the snapshot on an interval until canceled.
func (s *toolSync) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.apply(s.source.List())
		}
	}
}

func isObjectSchema(schema map[string]any) bool {
	if schema == nil {
		return false
	}
	typ, ok := schema["type"].(string)
	return ok && typ == "object"
}
