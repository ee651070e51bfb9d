package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentchain/internal/engine"
	"github.com/rendis/agentchain/internal/expressions"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/internal/streaming"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// WorkflowStarter starts pipeline runs. *engine.Orchestrator satisfies it.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, req engine.StartRequest) (string, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Orchestrator WorkflowStarter
	Store        store.Store
	// Hub, when set, receives a listener that pushes workflow updates to
	// the session that started each workflow.
	Hub    streaming.Hub
	Logger *slog.Logger
}

// Server wraps an MCP server with agentchain tool handlers.
type Server struct {
	orch      WorkflowStarter
	store     store.Store
	hub       streaming.Hub
	logger    *slog.Logger
	jq        *expressions.GoJQEngine
	sessions  *SessionRegistry
	sub       streaming.Subscription
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		orch:     deps.Orchestrator,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		jq:       expressions.NewGoJQEngine(),
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"agentchain",
		Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Agentchain runs an architect, implement, reviewer and tester pipeline of LLM agents over a set of requirements. Use agentchain.start to launch a workflow, agentchain.status to follow it, agentchain.results to fetch the documents once it completes, agentchain.list to browse workflows, agentchain.history to read the conversation log and agentchain.diagram to draw the pipeline with its progress."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if s.hub != nil {
		s.sub = s.hub.Register(NewSessionNotifier(mcpSrv, s.sessions, logger))
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for mounting under a router.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Close detaches the session notifier from the hub.
func (s *Server) Close() {
	if s.hub != nil {
		s.hub.Unregister(s.sub)
	}
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resultsTool(), Handler: s.handleResults},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("agentchain.start",
		mcp.WithDescription("Start a workflow that runs the four-agent pipeline over the given requirements"),
		mcp.WithString("requirements", mcp.Required(), mcp.Description("What the software should do")),
		mcp.WithString("context", mcp.Description("Additional background for the agents")),
		mcp.WithString("provider", mcp.Description("LLM provider name (default: configured default provider)")),
		mcp.WithNumber("temperature", mcp.Description("Sampling temperature between 0 and 2")),
		mcp.WithNumber("max_tokens", mcp.Description("Maximum tokens per completion")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("agentchain.status",
		mcp.WithDescription("Get workflow status and per-step progress"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func resultsTool() mcp.Tool {
	return mcp.NewTool("agentchain.results",
		mcp.WithDescription("Get the stage documents of a completed workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of a completed workflow")),
		mcp.WithString("query", mcp.Description("Optional jq expression applied to the results document")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("agentchain.list",
		mcp.WithDescription("List workflows, newest first"),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "completed", "failed"),
			mcp.Description("Only return workflows in this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Page size, 1 to 100 (default: 50)")),
		mcp.WithNumber("offset", mcp.Description("Number of workflows to skip")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("agentchain.history",
		mcp.WithDescription("Get the conversation log of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("agentchain.diagram",
		mcp.WithDescription("Draw the pipeline. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to overlay step statuses from (default: bare pipeline)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
