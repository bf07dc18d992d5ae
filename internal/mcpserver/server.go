package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all trustgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("trustgate", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAccountHealth, h.HandleAccountHealth)
	s.AddTool(ToolEvaluateGuard, h.HandleEvaluateGuard)
	s.AddTool(ToolCheckRateLimit, h.HandleCheckRateLimit)
	s.AddTool(ToolCanScheduleSequence, h.HandleCanScheduleSequence)
	s.AddTool(ToolReportEvent, h.HandleReportEvent)

	return s
}
