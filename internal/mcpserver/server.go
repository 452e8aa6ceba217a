// Package mcpserver exposes read-only Amana ops inspection tools over
// the Model Context Protocol. It talks to a running Amana deployment
// through the public HTTP client; nothing here touches storage
// directly.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/amana/pkg/amanaclient"
)

// NewMCPServer creates a configured MCP server with all Amana ops tools
// registered. The API key behind cfg must carry the admin role for the
// marketplace-wide tools.
func NewMCPServer(cfg amanaclient.Config) *server.MCPServer {
	s := server.NewMCPServer("amana", "1.0.0")
	client := amanaclient.New(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolGetTimeline, h.HandleGetTimeline)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolListPayouts, h.HandleListPayouts)
	s.AddTool(ToolListFlags, h.HandleListFlags)
	s.AddTool(ToolEscrowReport, h.HandleEscrowReport)
	s.AddTool(ToolPlatformHealth, h.HandlePlatformHealth)

	return s
}
