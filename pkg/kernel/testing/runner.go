package testing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ormasoftchile/scanbook/pkg/kernel/engine"
	"github.com/ormasoftchile/scanbook/pkg/kernel/fake"
	"github.com/ormasoftchile/scanbook/pkg/kernel/replay"
	kschema "github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	"github.com/ormasoftchile/scanbook/pkg/kernel/validate"
)

// TestResult is the result of running one scenario.
type TestResult struct {
	Document     string            `json:"document"`
	ScenarioName string            `json:"scenario_name"`
	Status       string            `json:"status"` // passed, failed, skipped, error
	DurationMs   int64             `json:"duration_ms"`
	Assertions   []AssertionResult `json:"assertions,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// TestSummary aggregates counts across scenarios.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// TestOutput is the top-level output of a test run.
type TestOutput struct {
	Document  string       `json:"document"`
	Scenarios []TestResult `json:"scenarios"`
	Summary   TestSummary  `json:"summary"`
}

// Runner executes scenario-based tests against a playbook document.
type Runner struct {
	Timeout  time.Duration
	FailFast bool
	// ScenariosDir overrides the default sibling scenarios/ directory.
	ScenariosDir string
}

// ScenarioInfo describes a discovered scenario directory.
type ScenarioInfo struct {
	Name string
	Dir  string
}

// scenarioRoot returns the directory holding a document's scenarios:
// <root>/<document-base>/, where root defaults to a sibling scenarios/.
func (r *Runner) scenarioRoot(docPath string) string {
	root := r.ScenariosDir
	if root == "" {
		root = filepath.Join(filepath.Dir(docPath), "scenarios")
	}
	base := strings.TrimSuffix(filepath.Base(docPath), filepath.Ext(docPath))
	return filepath.Join(root, base)
}

// DiscoverScenarios finds scenario directories for a document.
// Convention: scenarios are in `scenarios/<document-name>/`, each
// subdirectory containing a `scenario.yaml`.
func (r *Runner) DiscoverScenarios(docPath string) ([]ScenarioInfo, error) {
	scenariosDir := r.scenarioRoot(docPath)
	entries, err := os.ReadDir(scenariosDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}

	var scenarios []ScenarioInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		scenarioFile := filepath.Join(scenariosDir, entry.Name(), "scenario.yaml")
		if _, err := os.Stat(scenarioFile); err == nil {
			scenarios = append(scenarios, ScenarioInfo{
				Name: entry.Name(),
				Dir:  filepath.Join(scenariosDir, entry.Name()),
			})
		}
	}
	return scenarios, nil
}

// RunAll discovers and runs all scenarios for a document.
func (r *Runner) RunAll(ctx context.Context, docPath string) (*TestOutput, error) {
	scenarios, err := r.DiscoverScenarios(docPath)
	if err != nil {
		return nil, err
	}

	doc, valErrs := validate.ValidateFile(docPath)
	if validate.HasErrors(valErrs) {
		return nil, fmt.Errorf("document validation failed")
	}

	output := &TestOutput{
		Document: doc.Meta.Name,
	}

	for _, si := range scenarios {
		result := r.runScenario(ctx, doc, si)
		output.Scenarios = append(output.Scenarios, result)

		switch result.Status {
		case "passed":
			output.Summary.Passed++
		case "failed":
			output.Summary.Failed++
		case "skipped":
			output.Summary.Skipped++
		case "error":
			output.Summary.Errors++
		}
		output.Summary.Total++

		if r.FailFast && (result.Status == "failed" || result.Status == "error") {
			break
		}
	}

	return output, nil
}

// RunScenario runs a single named scenario.
func (r *Runner) RunScenario(ctx context.Context, docPath, scenarioName string) (*TestResult, error) {
	doc, valErrs := validate.ValidateFile(docPath)
	if validate.HasErrors(valErrs) {
		return nil, fmt.Errorf("document validation failed")
	}

	si := ScenarioInfo{Name: scenarioName, Dir: filepath.Join(r.scenarioRoot(docPath), scenarioName)}
	result := r.runScenario(ctx, doc, si)
	return &result, nil
}

// runScenario executes a single scenario and evaluates its test spec.
func (r *Runner) runScenario(ctx context.Context, doc *kschema.Document, si ScenarioInfo) TestResult {
	start := time.Now()
	fail := func(format string, args ...any) TestResult {
		return TestResult{
			Document:     doc.Meta.Name,
			ScenarioName: si.Name,
			Status:       "error",
			DurationMs:   time.Since(start).Milliseconds(),
			Error:        fmt.Sprintf(format, args...),
		}
	}

	// Load scenario
	scenario, err := replay.LoadScenarioDir(si.Dir)
	if err != nil {
		return fail("load scenario: %s", err)
	}

	// Without a test spec the scenario is skipped
	testSpecPath := filepath.Join(si.Dir, "test.yaml")
	if _, err := os.Stat(testSpecPath); err != nil {
		return TestResult{
			Document:     doc.Meta.Name,
			ScenarioName: si.Name,
			Status:       "skipped",
			DurationMs:   time.Since(start).Milliseconds(),
		}
	}
	spec, err := LoadTestSpec(testSpecPath)
	if err != nil {
		return fail("load test spec: %s", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	tr := replay.NewTransport(scenario)
	eng := engine.New(doc, engine.RunConfig{
		RunID:         "test-" + si.Name,
		Vars:          scenario.Inputs,
		Transport:     tr,
		StopOnFailure: spec.StopOnFailure,
		Fake:          fake.New(rand.NewPCG(spec.Seed, spec.Seed)),
	})
	res := eng.Run(ctx, spec.Playbooks...)
	if res.Error != nil && ctx.Err() == nil {
		return fail("%s", res.Error)
	}
	if err := ctx.Err(); err != nil {
		return fail("timeout: %s", err)
	}

	// Evaluate assertions
	assertions := Evaluate(spec, collect(res, tr))
	status := "passed"
	if HasFailures(assertions) {
		status = "failed"
	}

	return TestResult{
		Document:     doc.Meta.Name,
		ScenarioName: si.Name,
		Status:       status,
		DurationMs:   time.Since(start).Milliseconds(),
		Assertions:   assertions,
	}
}

// collect flattens an engine result into the assertion input. Only
// top-level playbooks contribute stages and variables.
func collect(res *engine.RunResult, tr *replay.Transport) *RunResult {
	run := &RunResult{
		Status:    string(res.Status),
		Stages:    map[string]string{},
		Variables: map[string]any{},
		Error:     res.Error,
	}
	for _, pb := range res.Execution.TopLevel() {
		for _, op := range pb.Results {
			run.Stages[pb.Playbook+"."+op.Stage] = string(op.Status)
			for _, a := range op.VariablesAssigned {
				if a.Ok() {
					run.Variables[a.Name] = a.Value
				}
			}
		}
	}
	for _, req := range tr.Requests() {
		path := req.URL
		if u, err := url.Parse(req.URL); err == nil {
			path = u.Path
		}
		run.Sent = append(run.Sent, req.Method+" "+path)
	}
	return run
}
