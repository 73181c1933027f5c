// Package extract pulls values out of an HTTP exchange into variables.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
	"github.com/ormasoftchile/scanbook/pkg/kernel/jsonptr"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

// Rule locates one value in a request or response.
type Rule struct {
	From        string `yaml:"from,omitempty" json:"from,omitempty"` // request | response (default)
	In          string `yaml:"in" json:"in"`                         // body | header | cookie | query | path | status
	Path        *Path  `yaml:"path,omitempty" json:"path,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	ContentType string `yaml:"contentType,omitempty" json:"contentType,omitempty"` // json (default) | text
}

// Path addresses a value inside a body.
type Path struct {
	Type  string `yaml:"type" json:"type"` // jsonPointer | jsonPath
	Value string `yaml:"value" json:"value"`
}

// Exchange is what rules run against.
type Exchange struct {
	Request    *transport.Request
	PathParams map[string]string
	Response   *transport.Response
}

// String describes the rule, e.g. "response.header.X-Token".
func (r Rule) String() string {
	from := r.From
	if from == "" {
		from = "response"
	}
	switch {
	case r.In == "body" && r.Path != nil:
		return fmt.Sprintf("%s.body(%s %s)", from, r.Path.Type, r.Path.Value)
	case r.Name != "":
		return fmt.Sprintf("%s.%s.%s", from, r.In, r.Name)
	default:
		return from + "." + r.In
	}
}

// Validate checks a rule without running it.
func (r Rule) Validate() error {
	switch r.From {
	case "", "response", "request":
	default:
		return fmt.Errorf("unknown from %q, expected request or response", r.From)
	}
	switch r.In {
	case "body":
		if r.Path != nil {
			switch r.Path.Type {
			case "jsonPointer":
				if _, err := jsonptr.Parse(r.Path.Value); err != nil {
					return err
				}
			case "jsonPath":
				if !strings.HasPrefix(r.Path.Value, "$") {
					return fmt.Errorf("jsonPath %q must start with $", r.Path.Value)
				}
			default:
				return fmt.Errorf("unknown path type %q, expected jsonPointer or jsonPath", r.Path.Type)
			}
			if r.ContentType == "text" {
				return fmt.Errorf("path is not allowed on a text body")
			}
		}
	case "header", "cookie", "query", "path":
		if r.Name == "" {
			return fmt.Errorf("%s rule requires a name", r.In)
		}
		if r.From != "request" && (r.In == "query" || r.In == "path") {
			return fmt.Errorf("%s is only available from the request", r.In)
		}
	case "status":
		if r.From == "request" {
			return fmt.Errorf("status is only available from the response")
		}
	default:
		return fmt.Errorf("unknown location %q", r.In)
	}
	return nil
}

// Extract runs a rule.
func Extract(r Rule, x Exchange) (any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.From == "request" {
		if x.Request == nil {
			return nil, fmt.Errorf("no request")
		}
		switch r.In {
		case "body":
			return fromBody(r, x.Request.Body)
		case "header":
			return header(x.Request.Headers, r.Name)
		case "cookie":
			return requestCookie(x.Request.Headers, r.Name)
		case "query":
			return query(x.Request.URL, r.Name)
		case "path":
			v, ok := x.PathParams[r.Name]
			if !ok {
				return nil, fmt.Errorf("path parameter %q not found", r.Name)
			}
			return v, nil
		}
	}
	if x.Response == nil {
		return nil, fmt.Errorf("no response")
	}
	switch r.In {
	case "body":
		return fromBody(r, x.Response.Body)
	case "header":
		return header(x.Response.Headers, r.Name)
	case "cookie":
		return responseCookie(x.Response.Headers, r.Name)
	case "status":
		return x.Response.StatusCode, nil
	}
	return nil, fmt.Errorf("unsupported rule %s", r)
}

// Assign runs every rule independently. A failing rule yields a failed
// assignment and never stops its siblings. Results are ordered by name.
func Assign(rules map[string]Rule, x Exchange) []env.VariableAssignment {
	out := make([]env.VariableAssignment, 0, len(rules))
	for _, name := range slices.Sorted(maps.Keys(rules)) {
		rule := rules[name]
		a := env.VariableAssignment{Name: name, Source: rule.String()}
		if v, err := Extract(rule, x); err != nil {
			a.Error = err.Error()
		} else {
			a.Value = v
		}
		out = append(out, a)
	}
	return out
}

func fromBody(r Rule, body string) (any, error) {
	if r.ContentType == "text" {
		return body, nil
	}
	doc, err := DecodeJSON(body)
	if err != nil {
		if r.Path == nil {
			return body, nil
		}
		return nil, fmt.Errorf("parse body as JSON: %w", err)
	}
	if r.Path == nil {
		return doc, nil
	}
	switch r.Path.Type {
	case "jsonPath":
		if strings.Contains(r.Path.Value, "?(") {
			// filter comparisons only understand float64 operands
			doc = floatNumbers(doc)
		}
		v, err := jsonpath.Get(r.Path.Value, doc)
		if err != nil {
			return nil, fmt.Errorf("jsonPath %s: %w", r.Path.Value, err)
		}
		return v, nil
	default:
		return jsonptr.Get(doc, r.Path.Value)
	}
}

// DecodeJSON parses a body into generic JSON values. Numbers stay
// json.Number so integers beyond 2^53 keep every digit.
func DecodeJSON(body string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid character after top-level value")
	}
	return doc, nil
}

func floatNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = floatNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = floatNumbers(item)
		}
		return out
	default:
		return v
	}
}

func header(h http.Header, name string) (any, error) {
	values := h.Values(name)
	if len(values) == 0 {
		return nil, fmt.Errorf("header %q not found", name)
	}
	return values[0], nil
}

func requestCookie(h http.Header, name string) (any, error) {
	for _, line := range h.Values("Cookie") {
		cookies, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, c := range cookies {
			if c.Name == name {
				return c.Value, nil
			}
		}
	}
	return nil, fmt.Errorf("cookie %q not found", name)
}

func responseCookie(h http.Header, name string) (any, error) {
	for _, line := range h.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		if c.Name == name {
			return c.Value, nil
		}
	}
	return nil, fmt.Errorf("cookie %q not found", name)
}

func query(rawURL, name string) (any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if !q.Has(name) {
		return nil, fmt.Errorf("query parameter %q not found", name)
	}
	return q.Get(name), nil
}
