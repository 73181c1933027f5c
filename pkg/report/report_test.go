package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/scanbook/pkg/kernel/engine"
	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

func sampleResult() *engine.RunResult {
	return &engine.RunResult{
		RunID:    "r1",
		Document: "petstore",
		Status:   engine.StatusFailure,
		Duration: 1500 * time.Millisecond,
		Execution: engine.ExecutionResult{
			{
				Playbook: "flow",
				Status:   engine.StatusFailure,
				Results: []*engine.OperationResult{
					{
						Playbook: "flow", Index: 0, Stage: "login", Status: engine.StatusSuccess,
						Request:           &transport.Request{Method: "POST", URL: "https://api.test/login"},
						Response:          &transport.Response{StatusCode: 200},
						VariablesAssigned: []env.VariableAssignment{{Name: "token", Value: "abc"}},
						Auth:              map[string]*engine.AuthenticationResult{"bearer": {Scheme: "bearer", Credential: "token", Method: "login"}},
					},
					{
						Playbook: "flow", Index: 1, Stage: "submit", Status: engine.StatusFailure,
						HTTPError: "connection refused",
					},
					{Playbook: "flow", Index: 2, Stage: "cleanup", Status: engine.StatusPending},
				},
			},
			{
				Playbook: "token/login",
				Depth:    1,
				Status:   engine.StatusSuccess,
				Results:  []*engine.OperationResult{{Playbook: "token/login", Stage: "fetch", Status: engine.StatusSuccess}},
			},
		},
	}
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	if err := Text(&buf, sampleResult(), Options{}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"run r1",
		"petstore",
		"FAILURE",
		"POST https://api.test/login",
		"→ 200",
		"httpError: connection refused",
		GlyphNested + " auth token/login",
		"1 succeeded, 1 failed, 1 pending",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "token =") {
		t.Error("assignments should only appear in verbose output")
	}
}

func TestText_Verbose(t *testing.T) {
	var buf bytes.Buffer
	if err := Text(&buf, sampleResult(), Options{Verbose: true}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "token = abc") {
		t.Errorf("missing assignment:\n%s", out)
	}
	if !strings.Contains(out, "auth bearer: token/login") {
		t.Errorf("missing auth line:\n%s", out)
	}
}

func TestText_Truncates(t *testing.T) {
	res := sampleResult()
	res.Execution[0].Results[1].HTTPError = strings.Repeat("x", 500)
	var buf bytes.Buffer
	if err := Text(&buf, res, Options{}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), strings.Repeat("x", MaxMessageWidth+1)) {
		t.Error("failure message was not truncated")
	}
}

func TestJSON(t *testing.T) {
	res := sampleResult()
	res.Error = errors.New("context canceled")
	var buf bytes.Buffer
	if err := JSON(&buf, res); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out["runId"] != "r1" || out["status"] != "failure" {
		t.Errorf("out = %v", out)
	}
	if out["error"] != "context canceled" {
		t.Errorf("error = %v", out["error"])
	}
}

func TestCount(t *testing.T) {
	s, f, p := Count(sampleResult())
	if s != 1 || f != 1 || p != 1 {
		t.Errorf("count = %d/%d/%d, nested runs must not be counted", s, f, p)
	}
}
