package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/scriptd/internal/actions"
	"github.com/rendis/scriptd/internal/engine"
	"github.com/rendis/scriptd/internal/store"
	"github.com/rendis/scriptd/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server. Store, Events,
// Registry and Hub are optional; the tools needing them report an error
// when they are missing.
type ServerDeps struct {
	Engine   *engine.Engine
	Store    store.Store
	Events   *store.EventLog
	Registry actions.ActionRegistry
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Server wraps an MCP server with the script host tool handlers.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	events    *store.EventLog
	registry  actions.ActionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		engine:   deps.Engine,
		store:    deps.Store,
		events:   deps.Events,
		registry: deps.Registry,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"scriptd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("scriptd runs declarative automation scripts. Use scriptd.list to see loaded scripts, scriptd.run to start one, scriptd.trace to inspect a run and scriptd.breakpoint with scriptd.debug to step through it."),
	)
	mcpSrv.AddTools(s.tools()...)

	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions)
	return s
}

// Serve relays breakpoint hits to watching sessions and runs the stdio
// transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		stop, err := s.relayBreakpoints(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: breakpointTool(), Handler: s.handleBreakpoint},
		{Tool: debugTool(), Handler: s.handleDebug},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: loadTool(), Handler: s.handleLoad},
		{Tool: unloadTool(), Handler: s.handleUnload},
		{Tool: actionsTool(), Handler: s.handleActions},
	}
}

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("scriptd.list",
		mcp.WithDescription("List loaded scripts with their mode and active runs"),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("scriptd.run",
		mcp.WithDescription("Run a loaded script"),
		mcp.WithString("script_id", mcp.Required(), mcp.Description("ID of the script to run")),
		mcp.WithObject("variables", mcp.Description("Run variables, overriding script-level defaults")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the run to end (default: true)")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("scriptd.stop",
		mcp.WithDescription("Stop one run of a script, or all of its runs"),
		mcp.WithString("script_id", mcp.Required(), mcp.Description("ID of the script")),
		mcp.WithString("run_id", mcp.Description("Run to stop (default: all runs)")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("scriptd.trace",
		mcp.WithDescription("Get the trace of a run: per node results, errors and variables"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func breakpointTool() mcp.Tool {
	return mcp.NewTool("scriptd.breakpoint",
		mcp.WithDescription("Set, clear or list breakpoints. Setting one subscribes this session to its hits"),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("set", "clear", "list"),
			mcp.Description("Operation"),
		),
		mcp.WithString("script_id", mcp.Description("Script the breakpoint belongs to (required for set and clear)")),
		mcp.WithString("run_id", mcp.Description("Restrict to one run (default: any run)")),
		mcp.WithString("node", mcp.Description("Node path such as 1/repeat/sequence/0 (default: any node)")),
	)
}

func debugTool() mcp.Tool {
	return mcp.NewTool("scriptd.debug",
		mcp.WithDescription("Release a run halted at a breakpoint"),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("step", "continue", "stop"),
			mcp.Description("step halts at the next node, continue runs to the next breakpoint, stop cancels the run"),
		),
		mcp.WithString("script_id", mcp.Required(), mcp.Description("ID of the script")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the halted run")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("scriptd.history",
		mcp.WithDescription("Query stored runs, or the event log and status history of one run"),
		mcp.WithString("run_id", mcp.Description("Return the stored run with its events")),
		mcp.WithObject("filter", mcp.Description("Run filter (script_id, execution, since, limit, offset)")),
	)
}

func loadTool() mcp.Tool {
	return mcp.NewTool("scriptd.load",
		mcp.WithDescription("Load or reload a script definition. Runs of a replaced definition finish under the old one"),
		mcp.WithObject("definition", mcp.Description("Definition object")),
		mcp.WithString("source", mcp.Description("Definition as YAML or JSON text")),
		mcp.WithBoolean("persist", mcp.Description("Store the definition so it is loaded on restart (default: true)")),
	)
}

func unloadTool() mcp.Tool {
	return mcp.NewTool("scriptd.unload",
		mcp.WithDescription("Stop every run of a script and remove it"),
		mcp.WithString("script_id", mcp.Required(), mcp.Description("ID of the script")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("scriptd.actions",
		mcp.WithDescription("List the actions call_action nodes can invoke"),
	)
}
