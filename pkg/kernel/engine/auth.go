package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
	"github.com/ormasoftchile/scanbook/pkg/kernel/eval"
	"github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	"github.com/ormasoftchile/scanbook/pkg/kernel/security"
	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

// maxParallelAuth bounds concurrent credential resolution within a stage.
const maxParallelAuth = 4

// resolveAuth matches credentials for the target and resolves every scheme
// of the selected alternative concurrently. A non-nil alternative overrides
// the best-scoring selection. All resolutions finish before it returns.
// Nested runs are returned in scheme name order.
func (e *Engine) resolveAuth(ctx context.Context, target *schema.Target, pool []string, alternative *int, stack env.Stack, depth int, chain []string) (*security.Result, map[string]*AuthenticationResult, ExecutionResult, error) {
	match := security.Match(target.Security, e.schemes, e.creds, pool)
	if alternative != nil {
		if _, err := match.Select(*alternative); err != nil {
			return match, nil, nil, fmt.Errorf("security: %w", err)
		}
	}
	alt := match.Active()
	if alt == nil {
		return match, nil, nil, nil
	}

	seed := stack.Filter(env.ScopeBuiltin, env.ScopeGlobal)
	results := make([]*AuthenticationResult, len(alt.Schemes))
	var g errgroup.Group
	g.SetLimit(maxParallelAuth)
	for i, scheme := range alt.Schemes {
		ref, ok := alt.Binding[scheme]
		if !ok {
			results[i] = &AuthenticationResult{Scheme: scheme, Error: "no credential satisfies this scheme"}
			continue
		}
		g.Go(func() error {
			results[i] = e.authenticate(ctx, scheme, ref, seed, depth, chain)
			return nil
		})
	}
	_ = g.Wait()

	byScheme := make(map[string]*AuthenticationResult, len(results))
	var nested ExecutionResult
	for _, a := range results {
		byScheme[a.Scheme] = a
		nested = append(nested, a.Execution...)
	}
	return match, byScheme, nested, nil
}

// authenticate resolves one credential reference ("name" or "name/method").
// A literal value is resolved against seed; a value with requests first
// runs those stages as a nested playbook seeded from the same scopes, then
// resolves the value against the nested run's final stack. Errors are
// recorded on the result, never returned.
func (e *Engine) authenticate(ctx context.Context, scheme, ref string, seed env.Stack, depth int, chain []string) *AuthenticationResult {
	ctx, span := e.tracer.Start(ctx, "scanbook.auth", oteltrace.WithAttributes(
		attribute.String("scheme", scheme),
		attribute.String("credential", ref),
		attribute.Int("depth", depth),
	))
	defer span.End()

	a := &AuthenticationResult{Scheme: scheme, Credential: security.BaseName(ref)}
	fail := func(format string, args ...any) *AuthenticationResult {
		a.Error = fmt.Sprintf(format, args...)
		span.SetStatus(codes.Error, a.Error)
		e.logger.Warn("authentication failed", "scheme", scheme, "credential", ref, "error", a.Error)
		return a
	}

	name, _, err := security.ResolveAlias(a.Credential, e.creds)
	if err != nil {
		return fail("%v", err)
	}
	if slices.Contains(chain, name) {
		return fail("credential cycle: %s -> %s", strings.Join(chain, " -> "), name)
	}
	cred := e.doc.Credentials[name]
	method, m, err := cred.Method(security.Method(ref))
	if err != nil {
		return fail("credential %q: %v", name, err)
	}
	a.Credential, a.Method = name, method

	final := seed
	if len(m.Requests) > 0 {
		if depth >= e.cfg.MaxAuthDepth {
			return fail("authentication nesting exceeds %d levels", e.cfg.MaxAuthDepth)
		}
		sub := append(slices.Clone(chain), name)
		exec, next := e.runPlaybook(ctx, name+"/"+method, m.Requests, seed, depth+1, sub)
		a.Execution = exec
		final = next
		if exec[0].Status != StatusSuccess {
			return fail("credential %q: authentication playbook %s", name, exec[0].Status)
		}
	}

	resolver := &eval.Resolver{Dynamic: e.dynamic}
	value, rep := resolver.ResolveString(m.Value, final)
	a.Variables = &AuthVariables{Stack: final, Found: rep.Found, Missing: rep.Missing}
	if len(rep.Missing) > 0 {
		return fail("credential %q: unresolved variables: %s", name, strings.Join(rep.MissingNames(), ", "))
	}
	a.Result = value
	if e.cfg.Trace != nil {
		e.cfg.Trace.AddSecret(value)
	}
	return a
}

// applyAuth attaches resolved credentials to the request. Failed
// resolutions are skipped; the request goes out without them.
func (e *Engine) applyAuth(req *transport.Request, auth map[string]*AuthenticationResult) error {
	for _, scheme := range slices.Sorted(maps.Keys(auth)) {
		a := auth[scheme]
		if a.Error != "" {
			continue
		}
		desc := e.schemes[scheme]
		switch desc.Kind {
		case security.Basic:
			v := a.Result
			if !strings.HasPrefix(v, "Basic ") {
				v = "Basic " + base64.StdEncoding.EncodeToString([]byte(v))
			}
			req.Headers.Set("Authorization", v)
		case security.Bearer, security.OAuth2, security.OpenIDConnect:
			v := a.Result
			if !strings.HasPrefix(v, "Bearer ") {
				v = "Bearer " + v
			}
			req.Headers.Set("Authorization", v)
		case security.APIKey:
			paramName := e.doc.SecuritySchemes[scheme].Name
			if paramName == "" {
				return fmt.Errorf("security scheme %q: apiKey requires a name", scheme)
			}
			switch strings.ToLower(desc.In) {
			case "header":
				req.Headers.Set(paramName, a.Result)
			case "query":
				u, err := url.Parse(req.URL)
				if err != nil {
					return fmt.Errorf("apply %s: %w", scheme, err)
				}
				q := u.Query()
				q.Set(paramName, a.Result)
				u.RawQuery = q.Encode()
				req.URL = u.String()
			case "cookie":
				c := (&http.Cookie{Name: paramName, Value: a.Result}).String()
				if existing := req.Headers.Get("Cookie"); existing != "" {
					c = existing + "; " + c
				}
				req.Headers.Set("Cookie", c)
			default:
				return fmt.Errorf("security scheme %q: unsupported apiKey location %q", scheme, desc.In)
			}
		case security.MutualTLS:
			// The value holds both PEM blocks; the key pair loader picks
			// the certificate and key out of each.
			req.ClientCertificate = &transport.ClientCertificate{Cert: a.Result, Key: a.Result}
		}
	}
	return nil
}
