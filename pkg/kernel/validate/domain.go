package validate

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/ormasoftchile/scanbook/pkg/kernel/dynamic"
	"github.com/ormasoftchile/scanbook/pkg/kernel/eval"
	"github.com/ormasoftchile/scanbook/pkg/kernel/schema"
	"github.com/ormasoftchile/scanbook/pkg/kernel/security"
)

// stageRef is one stage of the document with its display path.
type stageRef struct {
	path  string
	stage schema.Stage
}

// validateDomain runs playbook/v0 domain-level validation rules.
func validateDomain(doc *schema.Document) []*ValidationError {
	var errs []*ValidationError

	// D1: apiVersion must be playbook/v0
	if doc.APIVersion != schema.APIVersion {
		errs = append(errs, errorf("domain", "apiVersion", "expected %q, got %q", schema.APIVersion, doc.APIVersion))
	}
	if doc.Meta.Name == "" {
		errs = append(errs, errorf("domain", "meta.name", "meta.name is required"))
	}

	// D2: meta.server must be an absolute URL
	if doc.Meta.Server != "" {
		if u, err := url.Parse(doc.Meta.Server); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errorf("domain", "meta.server", "server %q is not an absolute URL", doc.Meta.Server))
		}
	}

	// D3: security schemes
	for _, name := range slices.Sorted(maps.Keys(doc.SecuritySchemes)) {
		errs = append(errs, validateScheme(name, doc.SecuritySchemes[name])...)
	}

	// D4: credentials, aliases and methods
	creds := credentialDescriptors(doc)
	for _, name := range slices.Sorted(maps.Keys(doc.Credentials)) {
		errs = append(errs, validateCredential(name, doc.Credentials[name], creds)...)
	}

	// D5: operation security requirements reference declared schemes
	for _, name := range slices.Sorted(maps.Keys(doc.Operations)) {
		op := doc.Operations[name]
		path := "operations." + name
		for i, req := range op.Security {
			for _, scheme := range slices.Sorted(maps.Keys(req)) {
				if _, ok := doc.SecuritySchemes[scheme]; !ok {
					errs = append(errs, errorf("domain", fmt.Sprintf("%s.security[%d]", path, i), "security scheme %q is not declared", scheme))
				}
			}
		}
		errs = append(errs, validateTemplate(path+".request", op.Request)...)
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Requests)) {
		errs = append(errs, validateTemplate("requests."+name, doc.Requests[name])...)
	}

	// D6: playbook names must not collide with the implicit sequences
	for _, name := range []string{"before", "after"} {
		if _, ok := doc.Playbooks[name]; ok {
			errs = append(errs, errorf("domain", "playbooks."+name, "playbook name %q is reserved", name))
		}
	}

	// D7: every stage resolves and its handlers are well-formed
	stages := allStages(doc)
	for _, ref := range stages {
		errs = append(errs, validateStage(doc, ref)...)
	}
	errs = append(errs, validateStageIDs(doc)...)

	// D8: credentials whose token requests need themselves
	errs = append(errs, validateCredentialCycles(doc)...)

	// D9: variables referenced but never defined
	errs = append(errs, validateVariables(doc, stages)...)

	return errs
}

func validateScheme(name string, s schema.SecurityScheme) []*ValidationError {
	path := "securitySchemes." + name
	d, err := s.Descriptor()
	if err != nil {
		return []*ValidationError{errorf("domain", path, "%v", err)}
	}
	var errs []*ValidationError
	switch d.Kind {
	case security.Alias:
		errs = append(errs, errorf("domain", path+".type", "alias is a credential type, not a scheme type"))
	case security.APIKey:
		if !validAPIKeyLocation(s.In) {
			errs = append(errs, errorf("domain", path+".in", "apiKey location must be header, query or cookie, got %q", s.In))
		}
		if s.Name == "" {
			errs = append(errs, errorf("domain", path+".name", "apiKey scheme requires a parameter name"))
		}
	}
	return errs
}

// credentialDescriptors describes every well-formed credential; malformed
// ones are reported by validateCredential.
func credentialDescriptors(doc *schema.Document) map[string]security.Descriptor {
	out := make(map[string]security.Descriptor, len(doc.Credentials))
	for name, c := range doc.Credentials {
		if d, err := c.Descriptor(); err == nil {
			out[name] = d
		}
	}
	return out
}

func validateCredential(name string, c schema.Credential, creds map[string]security.Descriptor) []*ValidationError {
	path := "credentials." + name
	d, err := c.Descriptor()
	if err != nil {
		return []*ValidationError{errorf("domain", path, "%v", err)}
	}
	var errs []*ValidationError
	if d.Kind == security.Alias {
		if c.Alias == "" {
			return []*ValidationError{errorf("domain", path+".alias", "alias credential requires a target")}
		}
		if _, _, err := security.ResolveAlias(name, creds); err != nil {
			errs = append(errs, errorf("domain", path+".alias", "%v", err))
		}
		if len(c.Methods) > 0 {
			errs = append(errs, warningf("domain", path+".methods", "methods of an alias credential are ignored"))
		}
		return errs
	}

	if d.Kind == security.APIKey && !validAPIKeyLocation(c.In) {
		errs = append(errs, errorf("domain", path+".in", "apiKey location must be header, query or cookie, got %q", c.In))
	}
	if len(c.Methods) == 0 {
		errs = append(errs, errorf("domain", path+".methods", "credential has no methods"))
	}
	if c.Default != "" {
		if _, ok := c.Methods[c.Default]; !ok {
			errs = append(errs, errorf("domain", path+".default", "default method %q is not declared", c.Default))
		}
	}
	for _, m := range slices.Sorted(maps.Keys(c.Methods)) {
		if c.Methods[m].Value == "" {
			errs = append(errs, errorf("domain", path+".methods."+m+".value", "method value is required"))
		}
	}
	return errs
}

func validAPIKeyLocation(in string) bool {
	switch strings.ToLower(in) {
	case "header", "query", "cookie":
		return true
	}
	return false
}

func validateTemplate(path string, t schema.RequestTemplate) []*ValidationError {
	var errs []*ValidationError
	if t.URL == "" {
		errs = append(errs, errorf("domain", path+".url", "url is required"))
	}
	if t.Method != "" && !validMethod(t.Method) {
		errs = append(errs, errorf("domain", path+".method", "unknown HTTP method %q", t.Method))
	}
	for name := range t.Parameters.Path {
		if !strings.Contains(t.URL, "{"+name+"}") {
			errs = append(errs, warningf("domain", path+".parameters.path."+name, "url has no {%s} placeholder", name))
		}
	}
	return errs
}

func validMethod(m string) bool {
	if len(eval.Names(m)) > 0 {
		return true
	}
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// allStages lists every stage in document order: before, playbooks by
// name, after, then credential token requests.
func allStages(doc *schema.Document) []stageRef {
	var out []stageRef
	add := func(prefix string, stages []schema.Stage) {
		for i, st := range stages {
			out = append(out, stageRef{path: fmt.Sprintf("%s[%d]", prefix, i), stage: st})
		}
	}
	add("before", doc.Before)
	for _, name := range doc.PlaybookNames() {
		add("playbooks."+name+".stages", doc.Playbooks[name].Stages)
	}
	add("after", doc.After)
	for _, name := range slices.Sorted(maps.Keys(doc.Credentials)) {
		c := doc.Credentials[name]
		for _, m := range slices.Sorted(maps.Keys(c.Methods)) {
			add("credentials."+name+".methods."+m+".requests", c.Methods[m].Requests)
		}
	}
	return out
}

func validateStage(doc *schema.Document, ref stageRef) []*ValidationError {
	var errs []*ValidationError
	st, path := ref.stage, ref.path

	target, err := doc.Resolve(st)
	if err != nil {
		errs = append(errs, errorf("domain", path, "%v", err))
	} else if st.Alternative != nil {
		if n := len(target.Security); *st.Alternative < 0 || *st.Alternative >= n {
			errs = append(errs, errorf("domain", path+".alternative", "alternative %d out of range: the target declares %d security requirements", *st.Alternative, n))
		}
	}
	if st.Override != nil && st.Override.Method != "" && !validMethod(st.Override.Method) {
		errs = append(errs, errorf("domain", path+".override.method", "unknown HTTP method %q", st.Override.Method))
	}

	for i, a := range st.Auth {
		name := security.BaseName(a)
		c, ok := doc.Credentials[name]
		if !ok {
			errs = append(errs, errorf("domain", fmt.Sprintf("%s.auth[%d]", path, i), "credential %q is not declared", name))
			continue
		}
		if m := security.Method(a); m != "" {
			if _, ok := c.Methods[m]; !ok {
				errs = append(errs, errorf("domain", fmt.Sprintf("%s.auth[%d]", path, i), "credential %q has no method %q", name, m))
			}
		}
	}

	if st.ExpectedResponse != "" && !validResponseCode(st.ExpectedResponse) {
		errs = append(errs, errorf("domain", path+".expectedResponse", "expected response must be a status code or \"default\", got %q", st.ExpectedResponse))
	}
	if st.Expect != "" {
		if err := eval.CompileExpect(st.Expect); err != nil {
			errs = append(errs, errorf("domain", path+".expect", "invalid expression: %v", err))
		}
	}

	for _, code := range slices.Sorted(maps.Keys(st.Responses)) {
		rpath := path + ".responses." + code
		if !validResponseCode(code) {
			errs = append(errs, errorf("domain", rpath, "response key must be a status code or \"default\", got %q", code))
		}
		rules := st.Responses[code].VariableAssignments
		for _, name := range slices.Sorted(maps.Keys(rules)) {
			if dynamic.IsDynamic(name) {
				errs = append(errs, errorf("domain", rpath+".variableAssignments."+name, "variable names starting with $ are reserved"))
			}
			if err := rules[name].Validate(); err != nil {
				errs = append(errs, errorf("domain", rpath+".variableAssignments."+name, "%v", err))
			}
		}
	}
	return errs
}

func validResponseCode(code string) bool {
	if code == "default" {
		return true
	}
	n, err := strconv.Atoi(code)
	return err == nil && n >= 100 && n <= 599
}

// validateStageIDs rejects duplicate stage IDs within one sequence.
func validateStageIDs(doc *schema.Document) []*ValidationError {
	var errs []*ValidationError
	check := func(prefix string, stages []schema.Stage) {
		ids := map[string]int{}
		for i, st := range stages {
			if st.ID == "" {
				continue
			}
			if prev, ok := ids[st.ID]; ok {
				errs = append(errs, errorf("domain", fmt.Sprintf("%s[%d].id", prefix, i), "duplicate stage ID %q (first at %s[%d])", st.ID, prefix, prev))
				continue
			}
			ids[st.ID] = i
		}
	}
	check("before", doc.Before)
	for _, name := range doc.PlaybookNames() {
		check("playbooks."+name+".stages", doc.Playbooks[name].Stages)
	}
	check("after", doc.After)
	return errs
}

// validateCredentialCycles warns about credentials whose token requests
// explicitly bind the same credential again. The engine breaks such cycles
// at run time and records the failure.
func validateCredentialCycles(doc *schema.Document) []*ValidationError {
	edges := map[string][]string{}
	for name, c := range doc.Credentials {
		for _, m := range c.Methods {
			for _, st := range m.Requests {
				for _, a := range st.Auth {
					edges[name] = append(edges[name], security.BaseName(a))
				}
			}
		}
	}

	var errs []*ValidationError
	for _, start := range slices.Sorted(maps.Keys(edges)) {
		seen := map[string]bool{}
		stack := []string{start}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, next := range edges[n] {
				if next == start {
					errs = append(errs, warningf("domain", "credentials."+start, "credential %q depends on itself through its token requests", start))
					stack = nil
					break
				}
				if !seen[next] {
					seen[next] = true
					stack = append(stack, next)
				}
			}
		}
	}
	return errs
}

// validateVariables warns about template variables no scope of the document
// defines. They may still be supplied as try-inputs at run time.
func validateVariables(doc *schema.Document, stages []stageRef) []*ValidationError {
	defined := map[string]bool{}
	for k := range doc.Constants {
		defined[k] = true
	}
	for k := range doc.Environment {
		defined[k] = true
	}
	for _, ref := range stages {
		for k := range ref.stage.Environment {
			defined[k] = true
		}
		for _, r := range ref.stage.Responses {
			for k := range r.VariableAssignments {
				defined[k] = true
			}
		}
	}

	registry := dynamic.New()
	var errs []*ValidationError
	report := func(path string, value any) {
		for _, name := range eval.Names(value) {
			switch {
			case dynamic.IsDynamic(name) && !registry.Has(name):
				errs = append(errs, errorf("domain", path, "unknown dynamic variable %q", name))
			case !dynamic.IsDynamic(name) && !defined[name]:
				errs = append(errs, warningf("domain", path, "variable %q is not defined in the document; supply it at run time", name))
			}
		}
	}

	for _, name := range slices.Sorted(maps.Keys(doc.Operations)) {
		report("operations."+name+".request", templateValue(doc.Operations[name].Request))
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Requests)) {
		report("requests."+name, templateValue(doc.Requests[name]))
	}
	for _, ref := range stages {
		if ref.stage.Override != nil {
			report(ref.path+".override", templateValue(*ref.stage.Override))
		}
		report(ref.path+".environment", ref.stage.Environment)
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Credentials)) {
		c := doc.Credentials[name]
		for _, m := range slices.Sorted(maps.Keys(c.Methods)) {
			report("credentials."+name+".methods."+m+".value", c.Methods[m].Value)
		}
	}
	return errs
}

func templateValue(t schema.RequestTemplate) any {
	v := map[string]any{
		"method": t.Method,
		"url":    t.URL,
		"header": t.Parameters.Header,
		"query":  t.Parameters.Query,
		"path":   t.Parameters.Path,
		"cookie": t.Parameters.Cookie,
	}
	if t.Body != nil {
		v["body"] = t.Body.Value
	}
	return v
}
