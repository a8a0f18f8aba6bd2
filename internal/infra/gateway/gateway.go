// Package gateway is the protocol boundary: it exposes the routing
// entry point and every registered tool over MCP stdio, and mirrors
// registry changes into the advertised tool list.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

// RouteTool is the name of the built-in orchestration entry point.
const RouteTool = "orchestrate"

var routeToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"task": map[string]any{
			"type":        "string",
			"description": "free-text description of what to accomplish",
		},
		"timeout_ms": map[string]any{
			"type":        "number",
			"description": "optional overall timeout override in milliseconds",
		},
	},
	"required": []string{"task"},
}

// Router is the routing entry point the gateway forwards tasks to.
type Router interface {
	Route(ctx context.Context, req domain.RouteRequest) (*domain.RouteOutcome, error)
}

// Options wires a Gateway.
type Options struct {
	Registry     RegistryReader
	Router       Router
	Dispatcher   *Dispatcher
	SyncInterval time.Duration
	Logger       *zap.Logger
}

type Gateway struct {
	opts   Options
	server *mcp.Server
	sync   *toolSync
	logger *zap.Logger
}

func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	g := &Gateway{opts: opts, logger: opts.Logger.Named("gateway")}

	g.server = mcp.NewServer(&mcp.Implementation{
		Name:    "orchd",
		Version: "0.1.0",
	}, &mcp.ServerOptions{
		HasTools: true,
	})
	g.server.AddTool(&mcp.Tool{
		Name:        RouteTool,
		Description: "Route a task: orchestrate a workflow tool or return candidate tools.",
		InputSchema: routeToolSchema,
	}, g.routeHandler)

	g.sync = newToolSync(g.server, g.toolHandler, opts.Registry, g.logger)
	return g
}

// Run serves the stdio transport until the context is canceled. The
// registry mirror runs alongside and stops with it.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.sync.apply(g.opts.Registry.List())
	go g.sync.run(runCtx, g.opts.SyncInterval)

	g.logger.Info("gateway starting (stdio transport)")
	return g.server.Run(runCtx, &mcp.StdioTransport{})
}

func (g *Gateway) routeHandler(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Task      string  `json:"task"`
		TimeoutMS float64 `json:"timeout_ms"`
	}
	if err := decodeArguments(req, &params); err != nil {
		return errorResult("invalid arguments: " + err.Error()), nil
	}

	outcome, err := g.opts.Router.Route(ctx, domain.RouteRequest{
		Task:    params.Task,
		Timeout: time.Duration(params.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return structuredResult(map[string]any{
		"state":      string(outcome.State),
		"tool":       outcome.ToolID,
		"candidates": outcome.Candidates,
		"message":    outcome.Message,
	}), nil
}

// toolHandler dispatches a registered tool by id.
func (g *Gateway) toolHandler(id string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if err := decodeArguments(req, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error()), nil
		}
		out, err := g.opts.Dispatcher.Dispatch(ctx, id, args)
		if err != nil {
			g.logger.Warn("tool call failed", zap.String("tool", id), zap.Error(err))
			return errorResult(err.Error()), nil
		}
		return structuredResult(out), nil
	}
}

func decodeArguments(req *mcp.CallToolRequest, into any) error {
	raw := req.Params.Arguments
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func structuredResult(out any) *mcp.CallToolResult {
	text, err := json.Marshal(out)
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: out,
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
