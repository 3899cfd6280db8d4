package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/ziadkadry99/clarify/internal/session"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Server wraps an MCP server that exposes the clarification workflow as
// tools, so an agent can open sessions and answer questions over stdio.
type Server struct {
	engine *session.Engine
	mcp    *server.MCPServer
}

// NewServer creates a new MCP server with the given dependencies.
func NewServer(engine *session.Engine) *Server {
	s := &Server{engine: engine}

	s.mcp = server.NewMCPServer(
		"clarify",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

// registerTools adds all tool definitions and their handlers to the MCP server.
func (s *Server) registerTools() {
	s.mcp.AddTool(startClarificationTool, s.handleStartClarification)
	s.mcp.AddTool(submitAnswersTool, s.handleSubmitAnswers)
	s.mcp.AddTool(getSessionTool, s.handleGetSession)
	s.mcp.AddTool(getResolvedContextTool, s.handleGetResolvedContext)
	s.mcp.AddTool(reportOutcomeTool, s.handleReportOutcome)
}

// Serve starts the MCP server on stdio. Stdout is used for MCP protocol
// messages; all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
