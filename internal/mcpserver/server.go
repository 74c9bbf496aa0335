package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all flotilla tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("flotilla", "1.0.0")
	client := NewFleetClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolIssueTicket, h.HandleIssueTicket)
	s.AddTool(ToolGetTicket, h.HandleGetTicket)
	s.AddTool(ToolPresentTicket, h.HandlePresentTicket)
	s.AddTool(ToolReclaimTicket, h.HandleReclaimTicket)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolListObligations, h.HandleListObligations)
	s.AddTool(ToolProposeNetting, h.HandleProposeNetting)
	s.AddTool(ToolAckNetting, h.HandleAckNetting)
	s.AddTool(ToolGetBond, h.HandleGetBond)
	s.AddTool(ToolFileDispute, h.HandleFileDispute)

	return s
}
