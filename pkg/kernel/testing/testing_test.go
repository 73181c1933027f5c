package testing

import (
	"testing"
)

func TestParseTestSpec(t *testing.T) {
	yaml := `
description: "token refresh succeeds"
playbooks: [browse]
expected_status: success
expected_stages:
  browse.list: success
must_send:
  - get /pets
must_not_send:
  - DELETE /pets/1
expected_variables:
  petId: "7"
seed: 42
`
	spec, err := ParseTestSpec([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if spec.ExpectedStatus != "success" {
		t.Errorf("status = %q", spec.ExpectedStatus)
	}
	if len(spec.Playbooks) != 1 || spec.Playbooks[0] != "browse" {
		t.Errorf("playbooks = %v", spec.Playbooks)
	}
	if spec.ExpectedStages["browse.list"] != "success" {
		t.Errorf("stages = %v", spec.ExpectedStages)
	}
	if len(spec.MustSend) != 1 || len(spec.MustNotSend) != 1 {
		t.Errorf("must_send = %v, must_not_send = %v", spec.MustSend, spec.MustNotSend)
	}
	if spec.Seed != 42 {
		t.Errorf("seed = %d", spec.Seed)
	}
}

func TestEvaluate_AllPass(t *testing.T) {
	spec := &TestSpec{
		ExpectedStatus:    "success",
		ExpectedStages:    map[string]string{"browse.list": "success"},
		MustSend:          []string{"get /pets"},
		MustNotSend:       []string{"DELETE /pets/1"},
		ExpectedVariables: map[string]string{"petId": "7"},
	}

	run := &RunResult{
		Status:    "success",
		Stages:    map[string]string{"browse.list": "success"},
		Sent:      []string{"GET /pets"},
		Variables: map[string]any{"petId": 7},
	}

	results := Evaluate(spec, run)
	if HasFailures(results) {
		for _, r := range results {
			if !r.Passed {
				t.Errorf("failed: %s", r.Message)
			}
		}
	}
	if len(results) != 5 {
		t.Errorf("results = %d, want 5", len(results))
	}
}

func TestEvaluate_Failures(t *testing.T) {
	spec := &TestSpec{
		ExpectedStatus:    "success",
		ExpectedStages:    map[string]string{"browse.fetch": "success"},
		MustSend:          []string{"POST /login"},
		MustNotSend:       []string{"GET /pets"},
		ExpectedVariables: map[string]string{"token": "abc"},
	}
	run := &RunResult{
		Status:    "failure",
		Stages:    map[string]string{},
		Sent:      []string{"GET /pets"},
		Variables: map[string]any{},
	}

	results := Evaluate(spec, run)
	for _, r := range results {
		if r.Passed {
			t.Errorf("%s should fail: %s", r.Type, r.Message)
		}
	}
	if results[1].Actual != "not run" {
		t.Errorf("missing stage actual = %q", results[1].Actual)
	}
}

func TestEvaluate_RegexMatch(t *testing.T) {
	spec := &TestSpec{
		ExpectedVariables: map[string]string{"token": "/^[a-f0-9]{8}$/"},
	}
	run := &RunResult{Variables: map[string]any{"token": "deadbeef"}}
	if HasFailures(Evaluate(spec, run)) {
		t.Error("regex should match")
	}
	run.Variables["token"] = "nope"
	if !HasFailures(Evaluate(spec, run)) {
		t.Error("regex should not match")
	}
}

func TestEvaluate_EmptySpec(t *testing.T) {
	results := Evaluate(&TestSpec{}, &RunResult{Status: "failure"})
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}
