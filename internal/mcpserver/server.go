package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all read-only tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("tradevault", "1.0.0")
	h := NewHandlers(NewClient(cfg), cfg.DefaultAddress)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolPreviewPayment, h.HandlePreviewPayment)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolListArbitrators, h.HandleListArbitrators)
	s.AddTool(ToolGetProposal, h.HandleGetProposal)
	s.AddTool(ToolGetRelayNonce, h.HandleGetRelayNonce)
	s.AddTool(ToolGetFees, h.HandleGetFees)

	return s
}
