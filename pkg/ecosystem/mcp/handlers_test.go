package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

const doc = `
apiVersion: playbook/v0
meta:
  name: pets
  server: https://pets.test
requests:
  list:
    url: /pets
playbooks:
  browse:
    stages:
      - request: list
`

func writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pets.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	text, _ := result.Content[0].(mcp.TextContent)
	return result, text.Text
}

func TestHandleValidate_MissingPath(t *testing.T) {
	result, _ := call(t, HandleValidate, map[string]any{})
	if !result.IsError {
		t.Error("expected error for missing path")
	}
}

func TestHandleValidate_Valid(t *testing.T) {
	result, text := call(t, HandleValidate, map[string]any{"path": writeDoc(t)})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "pets is valid") {
		t.Errorf("text = %q", text)
	}
}

func TestHandleSchema(t *testing.T) {
	result, text := call(t, HandleSchema, map[string]any{})
	if result.IsError {
		t.Fatal(text)
	}
	if !strings.Contains(text, "playbook/v0") {
		t.Error("schema should mention playbook/v0")
	}
}

func TestHandleRun_MockByDefault(t *testing.T) {
	result, text := call(t, HandleRun, map[string]any{"path": writeDoc(t), "playbooks": []any{"browse"}})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	var out struct {
		Status    string `json:"status"`
		Execution []struct {
			Playbook string `json:"playbook"`
		} `json:"execution"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Status != "success" {
		t.Errorf("status = %q", out.Status)
	}
	if len(out.Execution) != 1 || out.Execution[0].Playbook != "browse" {
		t.Errorf("execution = %+v", out.Execution)
	}
}

func TestHandleRun_UnknownTransport(t *testing.T) {
	result, _ := call(t, HandleRun, map[string]any{"path": writeDoc(t), "transport": "carrier-pigeon"})
	if !result.IsError {
		t.Error("expected error for unknown transport")
	}
}

func TestHandleTest_NoScenarios(t *testing.T) {
	result, text := call(t, HandleTest, map[string]any{"path": writeDoc(t)})
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, `"total": 0`) {
		t.Errorf("text = %s", text)
	}
}
