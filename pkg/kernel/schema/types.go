// Package schema defines the playbook/v0 document types.
package schema

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ormasoftchile/scanbook/pkg/kernel/extract"
	"github.com/ormasoftchile/scanbook/pkg/kernel/security"
)

// APIVersion is the only supported document version.
const APIVersion = "playbook/v0"

// ---------------------------------------------------------------------------
// Document
// ---------------------------------------------------------------------------

// Document is the top-level playbook/v0 document.
type Document struct {
	APIVersion      string                     `yaml:"apiVersion" json:"apiVersion"`
	Meta            Meta                       `yaml:"meta"       json:"meta"`
	Constants       map[string]any             `yaml:"constants,omitempty"       json:"constants,omitempty"`
	Environment     map[string]any             `yaml:"environment,omitempty"     json:"environment,omitempty"`
	SecuritySchemes map[string]SecurityScheme  `yaml:"securitySchemes,omitempty" json:"securitySchemes,omitempty"`
	Credentials     map[string]Credential      `yaml:"credentials,omitempty"     json:"credentials,omitempty"`
	Operations      map[string]Operation       `yaml:"operations,omitempty"      json:"operations,omitempty"`
	Requests        map[string]RequestTemplate `yaml:"requests,omitempty"        json:"requests,omitempty"`
	Before          []Stage                    `yaml:"before,omitempty"          json:"before,omitempty"`
	Playbooks       map[string]Playbook        `yaml:"playbooks,omitempty"       json:"playbooks,omitempty"`
	After           []Stage                    `yaml:"after,omitempty"           json:"after,omitempty"`
}

// Meta contains document metadata.
type Meta struct {
	Name        string `yaml:"name"                  json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Server is prefixed to relative request URLs.
	Server string `yaml:"server,omitempty" json:"server,omitempty"`
}

// PlaybookNames returns the names of the declared playbooks, sorted.
func (d *Document) PlaybookNames() []string {
	return slices.Sorted(maps.Keys(d.Playbooks))
}

// ---------------------------------------------------------------------------
// Security
// ---------------------------------------------------------------------------

// SecurityScheme mirrors an OpenAPI security scheme.
type SecurityScheme struct {
	Type   string `yaml:"type"             json:"type"`
	Scheme string `yaml:"scheme,omitempty" json:"scheme,omitempty"` // http only: basic, bearer
	In     string `yaml:"in,omitempty"     json:"in,omitempty"`     // apiKey only: header, query, cookie
	Name   string `yaml:"name,omitempty"   json:"name,omitempty"`   // apiKey parameter name
}

// Descriptor returns the matching shape of the scheme.
func (s SecurityScheme) Descriptor() (security.Descriptor, error) {
	k, err := security.Normalize(s.Type, s.Scheme)
	if err != nil {
		return security.Descriptor{}, err
	}
	return security.Descriptor{Kind: k, In: s.In}, nil
}

// Credential is a configured means of satisfying security schemes.
type Credential struct {
	Type    string                      `yaml:"type"              json:"type"`
	Scheme  string                      `yaml:"scheme,omitempty"  json:"scheme,omitempty"`
	In      string                      `yaml:"in,omitempty"      json:"in,omitempty"`
	Default string                      `yaml:"default,omitempty" json:"default,omitempty"`
	Alias   string                      `yaml:"alias,omitempty"   json:"alias,omitempty"`
	Methods map[string]CredentialMethod `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// CredentialMethod produces a credential value: Value is a template,
// resolved after Requests (if any) have run.
type CredentialMethod struct {
	Value    string  `yaml:"value,omitempty"    json:"value,omitempty"`
	Requests []Stage `yaml:"requests,omitempty" json:"requests,omitempty"`
}

// Descriptor returns the matching shape of the credential.
func (c Credential) Descriptor() (security.Descriptor, error) {
	k, err := security.Normalize(c.Type, c.Scheme)
	if err != nil {
		return security.Descriptor{}, err
	}
	return security.Descriptor{Kind: k, In: c.In, Target: c.Alias}, nil
}

// Method picks the method to use: the explicit one, else the default, else
// the only one, else the first by name.
func (c Credential) Method(name string) (string, CredentialMethod, error) {
	if name == "" {
		name = c.Default
	}
	if name == "" {
		names := slices.Sorted(maps.Keys(c.Methods))
		if len(names) == 0 {
			return "", CredentialMethod{}, fmt.Errorf("credential has no methods")
		}
		name = names[0]
	}
	m, ok := c.Methods[name]
	if !ok {
		return "", CredentialMethod{}, fmt.Errorf("method %q not found", name)
	}
	return name, m, nil
}

// SchemeDescriptors describes every security scheme.
func (d *Document) SchemeDescriptors() (map[string]security.Descriptor, error) {
	out := make(map[string]security.Descriptor, len(d.SecuritySchemes))
	for name, s := range d.SecuritySchemes {
		desc, err := s.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("securitySchemes.%s: %w", name, err)
		}
		out[name] = desc
	}
	return out, nil
}

// CredentialDescriptors describes every credential.
func (d *Document) CredentialDescriptors() (map[string]security.Descriptor, error) {
	out := make(map[string]security.Descriptor, len(d.Credentials))
	for name, c := range d.Credentials {
		desc, err := c.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("credentials.%s: %w", name, err)
		}
		out[name] = desc
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Operations and requests
// ---------------------------------------------------------------------------

// Operation is one API operation of the described service.
type Operation struct {
	Security []security.Requirement `yaml:"security,omitempty" json:"security,omitempty"`
	Request  RequestTemplate        `yaml:"request"            json:"request"`
	Schemas  *OperationSchemas      `yaml:"schemas,omitempty"  json:"schemas,omitempty"`
}

// OperationSchemas are the dereferenced JSON Schemas of an operation,
// used to fabricate $randomFromSchema values.
type OperationSchemas struct {
	Body       map[string]any                       `yaml:"body,omitempty"       json:"body,omitempty"`
	Parameters map[string]map[string]map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"` // location → name → schema
}

// RequestTemplate is an HTTP request whose string leaves may hold
// {{name}} tokens.
type RequestTemplate struct {
	Method     string     `yaml:"method,omitempty"     json:"method,omitempty"`
	URL        string     `yaml:"url,omitempty"        json:"url,omitempty"`
	Parameters Parameters `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Body       *Body      `yaml:"body,omitempty"       json:"body,omitempty"`
}

// Parameters are grouped by location.
type Parameters struct {
	Header map[string]any `yaml:"header,omitempty" json:"header,omitempty"`
	Query  map[string]any `yaml:"query,omitempty"  json:"query,omitempty"`
	Path   map[string]any `yaml:"path,omitempty"   json:"path,omitempty"`
	Cookie map[string]any `yaml:"cookie,omitempty" json:"cookie,omitempty"`
}

// Body is a request payload. Value is encoded according to ContentType.
type Body struct {
	ContentType string `yaml:"contentType,omitempty" json:"contentType,omitempty"`
	Value       any    `yaml:"value"                 json:"value"`
}

// Merge overlays o on t: scalars replace, parameter maps merge key-wise and
// a body replaces the whole body.
func (t RequestTemplate) Merge(o *RequestTemplate) RequestTemplate {
	if o == nil {
		return t
	}
	out := t
	if o.Method != "" {
		out.Method = o.Method
	}
	if o.URL != "" {
		out.URL = o.URL
	}
	out.Parameters = Parameters{
		Header: mergeMap(t.Parameters.Header, o.Parameters.Header),
		Query:  mergeMap(t.Parameters.Query, o.Parameters.Query),
		Path:   mergeMap(t.Parameters.Path, o.Parameters.Path),
		Cookie: mergeMap(t.Parameters.Cookie, o.Parameters.Cookie),
	}
	if o.Body != nil {
		out.Body = o.Body
	}
	return out
}

func mergeMap(base, overlay map[string]any) map[string]any {
	if base == nil && overlay == nil {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, overlay)
	return out
}

// ---------------------------------------------------------------------------
// Playbooks and stages
// ---------------------------------------------------------------------------

// Playbook is a named, ordered stage sequence.
type Playbook struct {
	Stages []Stage `yaml:"stages" json:"stages"`
}

// Stage is one HTTP exchange within a playbook.
type Stage struct {
	ID          string         `yaml:"id,omitempty"          json:"id,omitempty"`
	Operation   string         `yaml:"operation,omitempty"   json:"operation,omitempty"`
	Request     string         `yaml:"request,omitempty"     json:"request,omitempty"`
	Environment map[string]any `yaml:"environment,omitempty" json:"environment,omitempty"`
	// Auth lists credentials bound to the stage, "name" or "name/method".
	Auth []string `yaml:"auth,omitempty" json:"auth,omitempty"`
	// Alternative selects one of the target's security requirements by
	// index. Unset, the best-scoring requirement is used.
	Alternative *int             `yaml:"alternative,omitempty" json:"alternative,omitempty"`
	Override    *RequestTemplate `yaml:"override,omitempty"    json:"override,omitempty"`
	// ExpectedResponse is a status code or "default".
	ExpectedResponse string              `yaml:"expectedResponse,omitempty" json:"expectedResponse,omitempty"`
	Expect           string              `yaml:"expect,omitempty"           json:"expect,omitempty"`
	Responses        map[string]Response `yaml:"responses,omitempty"        json:"responses,omitempty"`
}

// Response holds the extraction rules run when a response matches.
type Response struct {
	VariableAssignments map[string]extract.Rule `yaml:"variableAssignments,omitempty" json:"variableAssignments,omitempty"`
}

// Name is how the stage is displayed.
func (s Stage) Name() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Operation != "":
		return s.Operation
	default:
		return s.Request
	}
}

// Target is what a stage resolves to in the document.
type Target struct {
	Template RequestTemplate
	Security []security.Requirement
	Schemas  *OperationSchemas
}

// Resolve finds the request a stage refers to and applies its override.
func (d *Document) Resolve(s Stage) (*Target, error) {
	switch {
	case s.Operation != "" && s.Request != "":
		return nil, fmt.Errorf("stage %q sets both operation and request", s.Name())
	case s.Operation != "":
		op, ok := d.Operations[s.Operation]
		if !ok {
			return nil, fmt.Errorf("operation %q not found", s.Operation)
		}
		return &Target{Template: op.Request.Merge(s.Override), Security: op.Security, Schemas: op.Schemas}, nil
	case s.Request != "":
		req, ok := d.Requests[s.Request]
		if !ok {
			return nil, fmt.Errorf("request %q not found", s.Request)
		}
		return &Target{Template: req.Merge(s.Override)}, nil
	}
	return nil, fmt.Errorf("stage %q has neither operation nor request", s.Name())
}

// Handler picks the response handler for a status code: exact code first,
// then "default".
func (s Stage) Handler(status int) (string, *Response) {
	code := fmt.Sprint(status)
	if r, ok := s.Responses[code]; ok {
		return code, &r
	}
	if r, ok := s.Responses["default"]; ok {
		return "default", &r
	}
	return "", nil
}
