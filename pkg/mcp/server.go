package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/nodes"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/internal/streaming"
)

// CarepathServerDeps holds the dependencies for creating a CarepathServer.
type CarepathServerDeps struct {
	Store    store.Store
	Flow     *flow.Flow
	Executor *flow.Executor
	Triage   *nodes.TriageNode
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// CarepathServer wraps an MCP server with chat pipeline tool handlers, so
// agent clients can drive conversations over stdio.
type CarepathServer struct {
	store     store.Store
	flow      *flow.Flow
	executor  *flow.Executor
	triage    *nodes.TriageNode
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewCarepathServer creates a new CarepathServer with all tools registered.
func NewCarepathServer(deps CarepathServerDeps) *CarepathServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CarepathServer{
		store:    deps.Store,
		flow:     deps.Flow,
		executor: deps.Executor,
		triage:   deps.Triage,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"carepath",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Carepath runs clinical chat turns through a safety pipeline. Use carepath.chat to submit a message and get the triaged reply, carepath.history to read a conversation transcript, carepath.triage to screen a message without running the full pipeline, and carepath.audit to inspect the audit trail."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CarepathServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions)
		go notifier.Forward(ctx, s.hub)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CarepathServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *CarepathServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: chatTool(), Handler: s.handleChat},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: triageTool(), Handler: s.handleTriage},
		{Tool: auditTool(), Handler: s.handleAudit},
	}
}

// --- Tool definitions ---

func chatTool() mcp.Tool {
	return mcp.NewTool("carepath.chat",
		mcp.WithDescription("Submit one chat message and run it through the safety pipeline"),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to append to; created on first contact")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The user's message")),
		mcp.WithString("sender_id", mcp.Description("Stable identifier of the person sending the message")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("carepath.history",
		mcp.WithDescription("Read a conversation transcript"),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to read")),
		mcp.WithNumber("last_n", mcp.Description("Only the most recent N turns (default: all)")),
	)
}

func triageTool() mcp.Tool {
	return mcp.NewTool("carepath.triage",
		mcp.WithDescription("Screen a message for red flags without running the full pipeline or persisting anything"),
		mcp.WithString("text", mcp.Required(), mcp.Description("The message to screen")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("carepath.audit",
		mcp.WithDescription("Inspect the audit trail"),
		mcp.WithString("conversation_id", mcp.Description("Restrict to one conversation")),
		mcp.WithString("action", mcp.Description("Restrict to one action, e.g. chat.append")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return")),
	)
}
