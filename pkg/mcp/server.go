// Package mcp exposes the flow runtime as MCP tools over stdio, so agents
// can run flows, inspect runs, and drive the command protocol directly.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/floe/internal/engine"
	"github.com/rendis/floe/internal/nodes"
	"github.com/rendis/floe/internal/store"
	"github.com/rendis/floe/pkg/schema"
)

// FloeServerDeps holds the dependencies for creating a FloeServer.
type FloeServerDeps struct {
	Registry *nodes.Registry
	Store    store.RunStore // optional; enables flow.events and durable snapshots
	Flows    map[string]*schema.FlowDefinition
	Logger   *slog.Logger
}

// FloeServer wraps an MCP server with flow tool handlers. Live runtimes are
// kept in memory so paused runs can be resumed through flow.dispatch.
type FloeServer struct {
	registry  *nodes.Registry
	store     store.RunStore
	logger    *slog.Logger
	mcpServer *server.MCPServer

	mu    sync.Mutex
	flows map[string]*schema.FlowDefinition
	runs  map[string]*engine.Runtime
}

// NewFloeServer creates a FloeServer with all 4 tools registered.
func NewFloeServer(deps FloeServerDeps) *FloeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	flows := make(map[string]*schema.FlowDefinition, len(deps.Flows))
	for name, def := range deps.Flows {
		flows[name] = def
	}

	s := &FloeServer{
		registry: deps.Registry,
		store:    deps.Store,
		logger:   logger,
		flows:    flows,
		runs:     make(map[string]*engine.Runtime),
	}

	mcpSrv := server.NewMCPServer(
		"floe",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Floe executes flows of agent steps. Use flow.run to start a flow, flow.status to inspect a run, flow.dispatch to send messages or pause/resume/abort, and flow.events to read the run's event log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *FloeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FloeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FloeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: dispatchTool(), Handler: s.handleDispatch},
		{Tool: eventsTool(), Handler: s.handleEvents},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Execute a flow to completion, pause, or failure. Returns the final run snapshot"),
		mcp.WithString("flow_name", mcp.Description("Name of a registered flow")),
		mcp.WithObject("definition", mcp.Description("Inline flow definition (alternative to flow_name)")),
		mcp.WithObject("input", mcp.Description("Flow input exposed to bindings as 'input'")),
		mcp.WithString("run_id", mcp.Description("Run ID to assign (default: generated)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get the current snapshot of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func dispatchTool() mcp.Tool {
	return mcp.NewTool("flow.dispatch",
		mcp.WithDescription("Send a command to a run: deliver a message, pause, abort, or resume"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("command", mcp.Required(),
			mcp.Enum("send", "reply", "abort", "resume"),
			mcp.Description("Command type"),
		),
		mcp.WithObject("message", mcp.Description("Message payload for send/reply/resume")),
		mcp.WithBoolean("resumable", mcp.Description("For abort: true pauses the run instead of aborting it")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("flow.events",
		mcp.WithDescription("Read a run's persisted event log, ordered by sequence"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Return only events with sequence greater than this (default: 0)")),
	)
}
