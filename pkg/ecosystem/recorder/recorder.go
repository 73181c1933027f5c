// Package recorder captures live HTTP exchanges into a replay scenario so a
// run against a real API can be replayed offline later.
package recorder

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/scanbook/pkg/kernel/eval"
	"github.com/ormasoftchile/scanbook/pkg/kernel/extract"
	"github.com/ormasoftchile/scanbook/pkg/kernel/replay"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

// Recorder wraps a Transport and captures every response it returns.
type Recorder struct {
	inner   transport.Transport
	mu      sync.Mutex
	scen    replay.Scenario
	secrets []string // literal values to redact
}

// New creates a recording wrapper around an existing transport.
func New(inner transport.Transport) *Recorder {
	return &Recorder{inner: inner, scen: replay.Scenario{Responses: map[string][]replay.Response{}}}
}

// SetSecrets configures secret env var names whose values are redacted in
// captured headers and bodies.
func (r *Recorder) SetSecrets(envVars []string) {
	for _, name := range envVars {
		r.AddSecret(os.Getenv(name))
	}
}

// AddSecret adds one literal value to redact.
func (r *Recorder) AddSecret(v string) {
	if v == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, v)
}

// SetInputs records the try-inputs the run was started with.
func (r *Recorder) SetInputs(inputs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scen.Inputs = inputs
}

// Send delegates to the inner transport and records the outcome under
// "METHOD /path". Transport errors are recorded too, so a replay fails the
// same way.
func (r *Recorder) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := r.inner.Send(ctx, req)

	captured := replay.Response{}
	if err != nil {
		captured.Error = err.Error()
	} else {
		captured.Status = resp.StatusCode
		if len(resp.Headers) > 0 {
			captured.Headers = make(map[string]string, len(resp.Headers))
			for k := range resp.Headers {
				captured.Headers[k] = resp.Headers.Get(k)
			}
		}
		captured.Body = resp.Body
	}

	r.mu.Lock()
	captured.Error = r.redact(captured.Error)
	captured.Body = r.redactBody(captured.Body)
	for k, v := range captured.Headers {
		captured.Headers[k] = r.redact(v)
	}
	key := requestKey(req)
	r.scen.Responses[key] = append(r.scen.Responses[key], captured)
	r.mu.Unlock()
	return resp, err
}

// Scenario returns a copy of what has been captured so far.
func (r *Recorder) Scenario() *replay.Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := replay.Scenario{Inputs: r.scen.Inputs, Responses: make(map[string][]replay.Response, len(r.scen.Responses))}
	for k, v := range r.scen.Responses {
		out.Responses[k] = append([]replay.Response(nil), v...)
	}
	return &out
}

// Save writes the captured scenario to <dir>/scenario.yaml.
func (r *Recorder) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scenario dir: %w", err)
	}
	data, err := yaml.Marshal(r.Scenario())
	if err != nil {
		return "", fmt.Errorf("marshal scenario: %w", err)
	}
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write scenario: %w", err)
	}
	return path, nil
}

// redactBody keeps JSON bodies structured so the scenario stays readable.
func (r *Recorder) redactBody(b any) any {
	s, _ := b.(string)
	s = r.redact(s)
	if s == "" {
		return nil
	}
	if v, err := extract.DecodeJSON(s); err == nil {
		return eval.PlainNumbers(v)
	}
	return s
}

// redact replaces secret values with <REDACTED>. Callers hold r.mu.
func (r *Recorder) redact(s string) string {
	for _, val := range r.secrets {
		s = strings.ReplaceAll(s, val, "<REDACTED>")
	}
	return s
}

func requestKey(req *transport.Request) string {
	path := req.URL
	if u, err := url.Parse(req.URL); err == nil {
		path = u.Path
	}
	return req.Method + " " + path
}
