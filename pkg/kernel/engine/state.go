package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RunsDir is the default directory results are saved under.
const RunsDir = "runs"

// SaveResult persists a run result as <dir>/<run-id>/result.json so it can
// be reported on later without re-running. Returns the file path.
func SaveResult(dir string, res *RunResult) (string, error) {
	if res.RunID == "" {
		return "", fmt.Errorf("save result: run id is empty")
	}
	runDir := filepath.Join(dir, res.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	path := filepath.Join(runDir, "result.json")
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return path, nil
}

// LoadResult reads a persisted run result.
func LoadResult(dir, runID string) (*RunResult, error) {
	path := filepath.Join(dir, runID, "result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}

	var res RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}
