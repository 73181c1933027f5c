package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/scanbook/pkg/kernel/engine"
	kschema "github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	ktesting "github.com/ormasoftchile/scanbook/pkg/kernel/testing"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
	kvalidate "github.com/ormasoftchile/scanbook/pkg/kernel/validate"
)

// RunTimeout bounds a scanbook/run call.
const RunTimeout = 2 * time.Minute

// HandleValidate implements the scanbook/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := stringArg(req, "path")
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	doc, errs := kvalidate.ValidateFile(path)
	if kvalidate.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	return textResult(fmt.Sprintf("✓ %s is valid (%d playbooks, %d warnings)", doc.Meta.Name, len(doc.Playbooks), len(errs))), nil
}

// HandleSchema implements the scanbook/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := kschema.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleRun implements the scanbook/run MCP tool.
func HandleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := stringArg(req, "path")
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	var tr transport.Transport
	mode := stringArg(req, "transport")
	if mode == "" {
		mode = "mock"
	}
	switch mode {
	case "mock":
		tr = &transport.Mock{} // safe default for AI agents
	case "http":
		tr = transport.NewHTTP(transport.HTTPConfig{Timeout: 30 * time.Second})
	default:
		return errorResult(fmt.Sprintf("unknown transport %q: use 'mock' or 'http'", mode)), nil
	}

	doc, errs := kvalidate.ValidateFile(path)
	if kvalidate.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}

	vars := map[string]any{}
	if raw, ok := req.GetArguments()["vars"].(map[string]any); ok {
		vars = raw
	}

	ctx, cancel := context.WithTimeout(ctx, RunTimeout)
	defer cancel()
	eng := engine.New(doc, engine.RunConfig{Vars: vars, Transport: tr})
	result := eng.Run(ctx, stringsArg(req, "playbooks")...)
	if result.Error != nil {
		return errorResult(result.Error.Error()), nil
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: result.Status == engine.StatusFailure,
	}, nil
}

// HandleTest implements the scanbook/test MCP tool.
func HandleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := stringArg(req, "path")
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	runner := &ktesting.Runner{Timeout: 30 * time.Second}

	var output *ktesting.TestOutput
	if name := stringArg(req, "scenario"); name != "" {
		result, err := runner.RunScenario(ctx, path, name)
		if err != nil {
			return errorResult(fmt.Sprintf("run scenario: %s", err)), nil
		}
		output = &ktesting.TestOutput{
			Document:  result.Document,
			Scenarios: []ktesting.TestResult{*result},
			Summary:   ktesting.TestSummary{Total: 1},
		}
		switch result.Status {
		case "passed":
			output.Summary.Passed = 1
		case "failed":
			output.Summary.Failed = 1
		case "skipped":
			output.Summary.Skipped = 1
		default:
			output.Summary.Errors = 1
		}
	} else {
		var err error
		output, err = runner.RunAll(ctx, path)
		if err != nil {
			return errorResult(fmt.Sprintf("run tests: %s", err)), nil
		}
	}

	data, _ := json.MarshalIndent(output, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: output.Summary.Failed > 0 || output.Summary.Errors > 0,
	}, nil
}

func stringArg(req mcp.CallToolRequest, name string) string {
	s, _ := req.GetArguments()[name].(string)
	return s
}

func stringsArg(req mcp.CallToolRequest, name string) []string {
	raw, _ := req.GetArguments()[name].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func formatErrors(errs []*kvalidate.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, e.Error())
		}
	}
	return strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}
