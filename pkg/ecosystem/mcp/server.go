// Package mcp exposes scanbook to AI agents over the Model Context Protocol.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with scanbook tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"scanbook",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("scanbook/validate",
			mcp.WithDescription("Validate a playbook/v0 document"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the playbook YAML file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("scanbook/run",
			mcp.WithDescription("Run playbooks of a document (defaults to the mock transport, which sends nothing)"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the playbook YAML file")),
			mcp.WithArray("playbooks", mcp.Description("Playbook names to run; all when omitted"), mcp.WithStringItems()),
			mcp.WithString("transport", mcp.Description("Transport: mock or http")),
			mcp.WithObject("vars", mcp.Description("Input variables")),
		),
		HandleRun,
	)

	s.AddTool(
		mcp.NewTool("scanbook/test",
			mcp.WithDescription("Run scenario replay tests for a playbook document"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the playbook YAML file")),
			mcp.WithString("scenario", mcp.Description("Run only the named scenario (optional)")),
		),
		HandleTest,
	)

	s.AddTool(
		mcp.NewTool("scanbook/schema",
			mcp.WithDescription("Export the playbook/v0 JSON Schema"),
		),
		HandleSchema,
	)

	return s
}
