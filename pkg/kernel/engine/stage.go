package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
	"github.com/ormasoftchile/scanbook/pkg/kernel/eval"
	"github.com/ormasoftchile/scanbook/pkg/kernel/extract"
	"github.com/ormasoftchile/scanbook/pkg/kernel/governance"
	"github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	"github.com/ormasoftchile/scanbook/pkg/kernel/trace"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

// runStage executes one stage: resolve auth, build the request, send it,
// process the response. It always returns a result and the stack for the
// next stage, which carries this stage's assignment scope (empty when the
// stage failed).
func (e *Engine) runStage(ctx context.Context, playbook string, i int, st schema.Stage, stack env.Stack, depth int, chain []string) (*OperationResult, ExecutionResult, env.Stack) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "scanbook.stage", oteltrace.WithAttributes(
		attribute.String("playbook", playbook),
		attribute.Int("stage.index", i),
		attribute.String("stage.name", st.Name()),
	))
	defer span.End()

	r := &OperationResult{
		Playbook:  playbook,
		Index:     i,
		Stage:     st.Name(),
		Operation: st.Operation,
		Status:    StatusPending,
	}
	if e.cfg.Trace != nil {
		e.cfg.Trace.EmitStageStart(playbook, i, r.Stage)
	}

	var nested ExecutionResult
	responseID := env.ScopeLocation{Kind: env.ScopeResponse, Playbook: playbook, Step: i}
	finish := func() (*OperationResult, ExecutionResult, env.Stack) {
		if r.Status == StatusPending {
			r.Status = StatusSuccess
			if r.Failure() != nil {
				r.Status = StatusFailure
			}
		}
		r.Duration = time.Since(start)
		status := 0
		if r.Response != nil {
			status = r.Response.StatusCode
			span.SetAttributes(attribute.Int("http.status_code", status))
		}
		if f := r.Failure(); f != nil {
			span.SetStatus(codes.Error, f.Message)
		}
		if e.cfg.Trace != nil {
			e.cfg.Trace.EmitStageComplete(playbook, i, string(r.Status), status, r.Duration, r.Failure())
		}
		responseID.Response = r.ResponseCode
		return r, nested, stack.Push(env.NewAssignmentScope(responseID, r.VariablesAssigned))
	}

	target, err := e.doc.Resolve(st)
	if err != nil {
		r.HTTPRequestPrepareError = err.Error()
		return finish()
	}
	local := stack.Push(env.NewScope(env.ScopeLocation{Kind: env.ScopeStage, Playbook: playbook, Step: i}, st.Environment))

	// ResolvingAuth
	if len(target.Security) > 0 {
		r.Security, r.Auth, nested, err = e.resolveAuth(ctx, target, st.Auth, st.Alternative, stack, depth, chain)
		if err != nil {
			r.HTTPRequestPrepareError = err.Error()
			return finish()
		}
		if e.cfg.Trace != nil {
			for _, scheme := range slices.Sorted(maps.Keys(r.Auth)) {
				a := r.Auth[scheme]
				e.cfg.Trace.EmitAuthResolved(playbook, i, scheme, a.Credential, a.Error)
			}
		}
	}

	// BuildingRequest
	resolver := e.resolver(target.Schemas)
	req, pathParams, rep, err := e.buildRequest(target.Template, resolver, local)
	r.VariablesReplaced = rep
	if len(rep.Missing) > 0 {
		e.logger.Debug("unresolved variables", "playbook", playbook, "stage", r.Stage, "missing", rep.MissingNames())
		if e.cfg.Trace != nil {
			e.cfg.Trace.EmitVariablesMissing(playbook, i, rep.MissingNames())
		}
	}
	if err != nil {
		r.HTTPRequestPrepareError = err.Error()
		return finish()
	}
	if err := e.applyAuth(req, r.Auth); err != nil {
		r.HTTPRequestPrepareError = err.Error()
		return finish()
	}
	r.Request = req
	if d := governance.Evaluate(e.cfg.Policy, req.Method, req.URL); !d.Allowed() {
		r.HTTPRequestPrepareError = fmt.Sprintf("denied by policy (%s)", d.MatchedRule)
		if d.Reason != "" {
			r.HTTPRequestPrepareError += ": " + d.Reason
		}
		return finish()
	}

	// Sending
	if err := ctx.Err(); err != nil {
		r.HTTPError = fmt.Sprintf("canceled before send: %v", err)
		return finish()
	}
	resp, err := e.transport.Send(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		r.HTTPError = err.Error()
		return finish()
	}
	r.Response = resp
	if err := ctx.Err(); err != nil {
		r.HTTPError = fmt.Sprintf("canceled after send: %v", err)
		return finish()
	}

	// ProcessingResponse
	code, handler := st.Handler(resp.StatusCode)
	r.ResponseCode = code
	if err := checkResponse(st, code, resp, local); err != nil {
		r.ResponseProcessingError = err.Error()
		return finish()
	}
	if handler != nil && len(handler.VariableAssignments) > 0 {
		r.VariablesAssigned = extract.Assign(handler.VariableAssignments, extract.Exchange{
			Request:    req,
			PathParams: pathParams,
			Response:   resp,
		})
		if e.cfg.Trace != nil {
			assigned := make(map[string]any, len(r.VariablesAssigned))
			for _, a := range r.VariablesAssigned {
				switch {
				case a.Ok() && depth > 0:
					// credential material
					assigned[a.Name] = trace.Redacted
				case a.Ok():
					assigned[a.Name] = a.Value
				default:
					assigned[a.Name] = map[string]any{"error": a.Error}
				}
			}
			loc := responseID
			loc.Response = code
			e.cfg.Trace.EmitVariablesAssigned(playbook, i, loc.String(), assigned)
		}
	}
	return finish()
}

// resolver returns a template resolver for one stage. $randomFromSchema
// values of the stage are all sliced from one fabricated payload.
func (e *Engine) resolver(schemas *schema.OperationSchemas) *eval.Resolver {
	r := &eval.Resolver{Dynamic: e.dynamic, KeepMissing: e.cfg.KeepMissing}
	if schemas != nil {
		r.Payload = sync.OnceValues(func() (any, error) {
			return e.fake.Payload(schemas.Body, schemas.Parameters)
		})
	}
	return r
}

// checkResponse applies expectedResponse and expect.
func checkResponse(st schema.Stage, code string, resp *transport.Response, local env.Stack) error {
	if want := st.ExpectedResponse; want != "" {
		got := fmt.Sprint(resp.StatusCode)
		if want == "default" {
			if code != "default" {
				return fmt.Errorf("expected a response handled by default, got %s", got)
			}
		} else if want != got {
			return fmt.Errorf("expected response %s, got %s", want, got)
		}
	}
	if st.Expect == "" {
		return nil
	}
	headers := make(map[string]any, len(resp.Headers))
	for k := range resp.Headers {
		headers[k] = resp.Headers.Get(k)
	}
	var body any = resp.Body
	if parsed, err := extract.DecodeJSON(resp.Body); err == nil {
		body = parsed
	}
	ok, err := eval.EvalExpect(st.Expect, map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    body,
		"vars":    map[string]any(local.Flatten()),
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("expect %q is false", st.Expect)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

// buildRequest resolves the template as one tree, so $randomFromSchema
// locations read /body/... and /parameters/<in>/<name>.
func (e *Engine) buildRequest(tmpl schema.RequestTemplate, resolver *eval.Resolver, stack env.Stack) (*transport.Request, map[string]string, eval.Replacements, error) {
	tree := map[string]any{
		"method": tmpl.Method,
		"url":    tmpl.URL,
		"parameters": map[string]any{
			"header": anyMap(tmpl.Parameters.Header),
			"query":  anyMap(tmpl.Parameters.Query),
			"path":   anyMap(tmpl.Parameters.Path),
			"cookie": anyMap(tmpl.Parameters.Cookie),
		},
	}
	if tmpl.Body != nil {
		tree["body"] = tmpl.Body.Value
	}
	resolved, rep := resolver.Resolve(tree, stack)
	out := resolved.(map[string]any)
	params := out["parameters"].(map[string]any)

	method := strings.ToUpper(eval.Stringify(out["method"]))
	if method == "" {
		method = http.MethodGet
	}

	pathParams := stringMap(params["path"])
	rawURL := eval.Stringify(out["url"])
	for name, v := range pathParams {
		rawURL = strings.ReplaceAll(rawURL, "{"+name+"}", url.PathEscape(v))
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = strings.TrimSuffix(e.doc.Meta.Server, "/") + "/" + strings.TrimPrefix(rawURL, "/")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, rep, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, nil, rep, fmt.Errorf("url %q is not absolute; set meta.server or use a full url", rawURL)
	}
	if q := stringMap(params["query"]); len(q) > 0 {
		values := u.Query()
		for _, k := range slices.Sorted(maps.Keys(q)) {
			values.Set(k, q[k])
		}
		u.RawQuery = values.Encode()
	}

	req := &transport.Request{Method: method, URL: u.String(), Headers: http.Header{}}
	for k, v := range stringMap(params["header"]) {
		req.Headers.Set(k, v)
	}
	if c := stringMap(params["cookie"]); len(c) > 0 {
		parts := make([]string, 0, len(c))
		for _, k := range slices.Sorted(maps.Keys(c)) {
			parts = append(parts, (&http.Cookie{Name: k, Value: c[k]}).String())
		}
		req.Headers.Add("Cookie", strings.Join(parts, "; "))
	}

	if tmpl.Body != nil {
		ct := tmpl.Body.ContentType
		if ct == "" {
			ct = "application/json"
		}
		body, err := encodeBody(ct, out["body"])
		if err != nil {
			return nil, nil, rep, err
		}
		req.Body = body
		if req.Headers.Get("Content-Type") == "" {
			req.Headers.Set("Content-Type", ct)
		}
	}
	return req, pathParams, rep, nil
}

// encodeBody serializes a resolved body. Strings are sent verbatim.
func encodeBody(contentType string, v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	switch {
	case strings.Contains(contentType, "json"):
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode body: %w", err)
		}
		return string(data), nil
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		m, ok := v.(map[string]any)
		if !ok {
			return "", fmt.Errorf("form body must be an object, got %T", v)
		}
		values := url.Values{}
		for k, item := range m {
			values.Set(k, eval.Stringify(item))
		}
		return values.Encode(), nil
	default:
		return eval.Stringify(v), nil
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stringMap(v any) map[string]string {
	m, _ := v.(map[string]any)
	out := make(map[string]string, len(m))
	for k, item := range m {
		out[k] = eval.Stringify(item)
	}
	return out
}

func containsToken(s string) bool {
	return len(eval.Names(s)) > 0
}
