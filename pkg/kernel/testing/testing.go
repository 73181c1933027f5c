// Package testing implements the playbook/v0 scenario-based test harness.
// It replays documents against canned HTTP responses and evaluates
// assertions on run status, stage outcomes, sent requests and assigned
// variables.
package testing

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/scanbook/pkg/kernel/eval"
)

// TestSpec declares what to assert about a scenario replay result.
// All fields are optional; omitted fields produce no assertions.
type TestSpec struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Playbooks to run; all of them when empty.
	Playbooks      []string `yaml:"playbooks,omitempty" json:"playbooks,omitempty"`
	ExpectedStatus string   `yaml:"expected_status,omitempty" json:"expected_status,omitempty"` // success, failure, pending
	// ExpectedStages maps "playbook.stage" to a stage status.
	ExpectedStages    map[string]string `yaml:"expected_stages,omitempty" json:"expected_stages,omitempty"`
	MustSend          []string          `yaml:"must_send,omitempty" json:"must_send,omitempty"`         // "METHOD /path"
	MustNotSend       []string          `yaml:"must_not_send,omitempty" json:"must_not_send,omitempty"` // "METHOD /path"
	ExpectedVariables map[string]string `yaml:"expected_variables,omitempty" json:"expected_variables,omitempty"`
	StopOnFailure     bool              `yaml:"stop_on_failure,omitempty" json:"stop_on_failure,omitempty"`
	// Seed makes $randomFromSchema payloads reproducible.
	Seed uint64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// LoadTestSpec loads a test spec from a YAML file.
func LoadTestSpec(path string) (*TestSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test spec: %w", err)
	}
	return ParseTestSpec(data)
}

// ParseTestSpec parses test spec YAML.
func ParseTestSpec(data []byte) (*TestSpec, error) {
	var s TestSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse test spec: %w", err)
	}
	return &s, nil
}

// ---------------------------------------------------------------------------
// Run Result (input to assertion evaluator)
// ---------------------------------------------------------------------------

// RunResult captures execution data for assertion evaluation.
type RunResult struct {
	Status string            // success, failure, pending
	Stages map[string]string // "playbook.stage" → status
	Sent   []string          // "METHOD /path", in send order
	// Variables holds every successful assignment; later stages win.
	Variables map[string]any
	Error     error
}

// ---------------------------------------------------------------------------
// Assertion Evaluation
// ---------------------------------------------------------------------------

// AssertionResult is the result of a single assertion.
type AssertionResult struct {
	Type     string `json:"type"` // expected_status, expected_stage, must_send, etc.
	Key      string `json:"key,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// Evaluate runs all assertions from a TestSpec against a RunResult.
// Map-keyed assertions are reported in key order.
func Evaluate(spec *TestSpec, run *RunResult) []AssertionResult {
	var results []AssertionResult

	if spec.ExpectedStatus != "" {
		results = append(results, AssertionResult{
			Type:     "expected_status",
			Expected: spec.ExpectedStatus,
			Actual:   run.Status,
			Passed:   run.Status == spec.ExpectedStatus,
			Message:  fmt.Sprintf("status: expected %q, got %q", spec.ExpectedStatus, run.Status),
		})
	}

	for _, key := range slices.Sorted(maps.Keys(spec.ExpectedStages)) {
		expected := spec.ExpectedStages[key]
		actual, ok := run.Stages[key]
		if !ok {
			actual = "not run"
		}
		results = append(results, AssertionResult{
			Type:     "expected_stage",
			Key:      key,
			Expected: expected,
			Actual:   actual,
			Passed:   actual == expected,
			Message:  fmt.Sprintf("stage %q: expected %q, got %q", key, expected, actual),
		})
	}

	sent := make(map[string]bool, len(run.Sent))
	for _, s := range run.Sent {
		sent[s] = true
	}

	for _, req := range spec.MustSend {
		key := normalizeRequest(req)
		passed := sent[key]
		results = append(results, AssertionResult{
			Type:     "must_send",
			Key:      key,
			Expected: "sent",
			Actual:   boolToSent(passed),
			Passed:   passed,
			Message:  fmt.Sprintf("must_send %q: %s", key, boolToSent(passed)),
		})
	}

	for _, req := range spec.MustNotSend {
		key := normalizeRequest(req)
		was := sent[key]
		results = append(results, AssertionResult{
			Type:     "must_not_send",
			Key:      key,
			Expected: "not sent",
			Actual:   boolToSent(was),
			Passed:   !was,
			Message:  fmt.Sprintf("must_not_send %q: %s", key, boolToSent(was)),
		})
	}

	for _, key := range slices.Sorted(maps.Keys(spec.ExpectedVariables)) {
		expected := spec.ExpectedVariables[key]
		actual := ""
		if v, ok := run.Variables[key]; ok {
			actual = eval.Stringify(v)
		}
		passed := compareValue(expected, actual)
		results = append(results, AssertionResult{
			Type:     "expected_variable",
			Key:      key,
			Expected: expected,
			Actual:   actual,
			Passed:   passed,
			Message:  fmt.Sprintf("variable %q: expected %q, got %q", key, expected, actual),
		})
	}

	return results
}

// HasFailures returns true if any assertion failed.
func HasFailures(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// normalizeRequest upper-cases the method of "METHOD /path".
func normalizeRequest(s string) string {
	method, path, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return s
	}
	return strings.ToUpper(method) + " " + strings.TrimSpace(path)
}

// compareValue supports two match modes:
//   - /pattern/ → regex match
//   - exact string equality (default)
func compareValue(expected, actual string) bool {
	// Regex mode
	if strings.HasPrefix(expected, "/") && strings.HasSuffix(expected, "/") && len(expected) > 2 {
		pattern := expected[1 : len(expected)-1]
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	}
	// Exact match
	return expected == actual
}

func boolToSent(b bool) string {
	if b {
		return "sent"
	}
	return "not sent"
}
