package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"orchd/internal/domain"
)

// Invoke executes one upstream tool call. A transport failure drops
// the session for redial; a tool-level error is returned as an
// execution error so callers can tell the two apart.
func (m *Manager) Invoke(ctx context.Context, server, method string, args map[string]any) (map[string]any, error) {
	session, err := m.session(ctx, server)
	if err != nil {
		return nil, err
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: method, Arguments: args})
	if err != nil {
		m.drop(server, session)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.ExecutionError{
			ToolID: server + "::" + method,
			Cause:  fmt.Errorf("call failed: %w", err),
		}
	}
	if res.IsError {
		return nil, &domain.ExecutionError{
			ToolID: server + "::" + method,
			Cause:  fmt.Errorf("tool reported error: %s", textContent(res)),
		}
	}
	return decodeResult(res)
}

// decodeResult prefers structured content, falling back to text. Text
// that parses as a JSON object is decoded; anything else is wrapped.
func decodeResult(res *mcp.CallToolResult) (map[string]any, error) {
	if res.StructuredContent != nil {
		if obj, ok := res.StructuredContent.(map[string]any); ok {
			return obj, nil
		}
		return map[string]any{"result": res.StructuredContent}, nil
	}
	text := textContent(res)
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			return obj, nil
		}
	}
	return map[string]any{"text": text}, nil
}

func textContent(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
