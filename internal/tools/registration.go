// Package tools holds the plumbing shared by MCP tool handlers: registration,
// result formatting, argument parsing, auditing and confirmation prompts.
package tools

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Registration pairs an MCP tool definition with its handler.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// RegisterAll adds every registration to s.
func RegisterAll(s *server.MCPServer, registrations []Registration) {
	for _, r := range registrations {
		s.AddTool(r.Tool, r.Handler)
	}
}

// Names lists the tool names of registrations in order.
func Names(registrations []Registration) []string {
	names := make([]string, len(registrations))
	for i, r := range registrations {
		names[i] = r.Tool.Name
	}
	return names
}
