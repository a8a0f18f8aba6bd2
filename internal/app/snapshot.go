package app

import (
	"sync/atomic"

	"orchd/internal/domain"
)

// toolSnapshot holds the last discovered upstream tool set. The router
// reads it on every planning call; discovery refresh swaps it whole.
type toolSnapshot struct {
	v atomic.Value
}

func (s *toolSnapshot) store(tools []domain.DiscoveredTool) {
	cp := make([]domain.DiscoveredTool, len(tools))
	copy(cp, tools)
	s.v.Store(cp)
}

func (s *toolSnapshot) DiscoveredTools() []domain.DiscoveredTool {
	tools, _ := s.v.Load().([]domain.DiscoveredTool)
	return tools
}
