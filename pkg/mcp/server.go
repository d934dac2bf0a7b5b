package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/deriva/internal/expressions"
	"github.com/rendis/deriva/internal/items"
	"github.com/rendis/deriva/internal/preview"
	"github.com/rendis/deriva/internal/scheduler"
	"github.com/rendis/deriva/internal/store"
	"github.com/rendis/deriva/pkg/schema"
)

// Scheduler is the read side of the tick scheduler the tools report on.
type Scheduler interface {
	State() scheduler.State
	LastRun() schema.RunDiagnostics
	ItemDiagnostics() []schema.ItemDiagnostics
	Items() *items.Cache
}

// DerivaServerDeps holds the dependencies for creating a DerivaServer.
type DerivaServerDeps struct {
	Preview   *preview.Service
	Scheduler Scheduler
	Runs      store.RunRecorder
	Sessions  *SessionRegistry
	Version   string
	Logger    *slog.Logger
}

// DerivaServer wraps an MCP server with the deriva control tools.
type DerivaServer struct {
	preview   *preview.Service
	scheduler Scheduler
	runs      store.RunRecorder
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewDerivaServer creates a DerivaServer with all tools registered.
func NewDerivaServer(deps DerivaServerDeps) *DerivaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &DerivaServer{
		preview:   deps.Preview,
		scheduler: deps.Scheduler,
		runs:      deps.Runs,
		sessions:  sessions,
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"deriva",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("deriva derives item values from source states on a fixed tick. Use deriva.preview to test a formula, deriva.status for run and per-item diagnostics, deriva.items to list compiled items, deriva.runs for recent tick history and deriva.watch to receive a notification after every tick."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *DerivaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport.
func (s *DerivaServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DerivaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the watch session registry.
func (s *DerivaServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *DerivaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: previewTool(), Handler: s.handlePreview},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: itemsTool(), Handler: s.handleItems},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func previewTool() mcp.Tool {
	return mcp.NewTool("deriva.preview",
		mcp.WithDescription("Evaluate a formula against the given bindings. Functions: "+strings.Join(expressions.Functions(), ", ")),
		mcp.WithString("expr", mcp.Required(), mcp.Description("Formula to evaluate")),
		mcp.WithObject("vars", mcp.Description("Variable bindings: primitives, or objects/arrays up to 5000 bytes of JSON readable through s/v/jp by binding name")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("deriva.status",
		mcp.WithDescription("Get scheduler state, last run and per-item diagnostics"),
		mcp.WithString("output_id", mcp.Description("Only report diagnostics for this output id")),
	)
}

func itemsTool() mcp.Tool {
	return mcp.NewTool("deriva.items",
		mcp.WithDescription("List compiled items"),
		mcp.WithBoolean("enabled_only", mcp.Description("Only list enabled items (default: false)")),
		mcp.WithBoolean("errors_only", mcp.Description("Only list items that failed to compile (default: false)")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("deriva.runs",
		mcp.WithDescription("Query recent tick runs"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit)")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("deriva.watch",
		mcp.WithDescription("Subscribe this session to a notification after every tick"),
		mcp.WithString("client_id", mcp.Required(), mcp.Description("ID of the subscribing client")),
		mcp.WithBoolean("stop", mcp.Description("Unsubscribe instead (default: false)")),
	)
}
