package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all receipt tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("receiptescrow", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListNetworkAccounts, h.HandleListNetworkAccounts)
	s.AddTool(ToolListSellers, h.HandleListSellers)
	s.AddTool(ToolRegisterSeller, h.HandleRegisterSeller)
	s.AddTool(ToolIssueReceipt, h.HandleIssueReceipt)
	s.AddTool(ToolGetReceipt, h.HandleGetReceipt)
	s.AddTool(ToolRequestReturn, h.HandleRequestReturn)
	s.AddTool(ToolReleaseFunds, h.HandleReleaseFunds)
	s.AddTool(ToolListReceipts, h.HandleListReceipts)
	s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)

	return s
}
