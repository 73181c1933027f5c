// Package replay provides scenario-based replay of HTTP exchanges.
// A scenario contains canned responses, enabling deterministic execution of
// playbooks without a live API.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

// Scenario is the top-level replay scenario document.
type Scenario struct {
	// Inputs are try-input values to seed the run with.
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Responses maps "METHOD /path" (or "/path", or "*") to canned
	// responses, consumed in order.
	Responses map[string][]Response `yaml:"responses,omitempty" json:"responses,omitempty"`
}

// Response is a single canned response. When Error is set the exchange
// fails as a transport error instead.
type Response struct {
	Status  int               `yaml:"status,omitempty" json:"status,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Body is sent verbatim when it is a string, otherwise encoded as JSON.
	Body  any    `yaml:"body,omitempty" json:"body,omitempty"`
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// LoadScenario loads a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	return &s, nil
}

// LoadScenarioDir loads a scenario from a directory containing scenario.yaml.
func LoadScenarioDir(dir string) (*Scenario, error) {
	return LoadScenario(filepath.Join(dir, "scenario.yaml"))
}

// ErrExhausted is returned when a key has no canned responses left.
var ErrExhausted = errors.New("replay: exhausted canned responses")

// Transport implements transport.Transport from canned scenario responses.
// It consumes responses in order (first-match, first-consumed).
type Transport struct {
	mu       sync.Mutex
	scenario *Scenario
	consumed map[string]int // next response index per key
	requests []*transport.Request
}

// NewTransport creates a replay transport from a scenario.
func NewTransport(s *Scenario) *Transport {
	return &Transport{scenario: s, consumed: make(map[string]int)}
}

// Send returns the next canned response matching the request.
func (t *Transport) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)

	path := req.URL
	if u, err := url.Parse(req.URL); err == nil {
		path = u.Path
	}
	var key string
	var responses []Response
	for _, k := range []string{req.Method + " " + path, path, "*"} {
		if rs, ok := t.scenario.Responses[k]; ok {
			key, responses = k, rs
			break
		}
	}
	if key == "" {
		return nil, fmt.Errorf("replay: no canned response for %s %s", req.Method, path)
	}

	idx := t.consumed[key]
	if idx >= len(responses) {
		return nil, fmt.Errorf("%w for %q (used %d)", ErrExhausted, key, len(responses))
	}
	t.consumed[key] = idx + 1
	return responses[idx].toTransport()
}

// Requests returns the requests seen so far.
func (t *Transport) Requests() []*transport.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*transport.Request(nil), t.requests...)
}

func (r Response) toTransport() (*transport.Response, error) {
	if r.Error != "" {
		return nil, errors.New(r.Error)
	}
	out := &transport.Response{StatusCode: r.Status, Headers: http.Header{}}
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	for k, v := range r.Headers {
		out.Headers.Set(k, v)
	}
	switch b := r.Body.(type) {
	case nil:
	case string:
		out.Body = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("replay: encode body: %w", err)
		}
		out.Body = string(data)
		if out.Headers.Get("Content-Type") == "" {
			out.Headers.Set("Content-Type", "application/json")
		}
	}
	return out, nil
}
