// Package eval resolves {{name}} placeholders in request templates against an
// environment stack, and evaluates stage expect expressions.
package eval

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/scanbook/pkg/kernel/dynamic"
	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
	"github.com/ormasoftchile/scanbook/pkg/kernel/jsonptr"
)

var (
	tokenRe = regexp.MustCompile(`\{\{(\$?[A-Za-z0-9_.\-]+)\}\}`)
	wholeRe = regexp.MustCompile(`^\{\{(\$?[A-Za-z0-9_.\-]+)\}\}$`)
)

// Found records a name that was replaced.
type Found struct {
	Name     string            `json:"name"`
	Scope    env.ScopeLocation `json:"scope,omitzero"`
	Dynamic  bool              `json:"dynamic,omitempty"`
	Location string            `json:"location"`
}

// Missing records a name that could not be replaced.
type Missing struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Reason   string `json:"reason,omitempty"`
}

// Replacements is the report of one resolution.
type Replacements struct {
	Found   []Found   `json:"found"`
	Missing []Missing `json:"missing"`
}

// FoundNames returns the distinct replaced names in first-seen order.
func (r Replacements) FoundNames() []string {
	var out []string
	for _, f := range r.Found {
		if !slices.Contains(out, f.Name) {
			out = append(out, f.Name)
		}
	}
	return out
}

// MissingNames returns the distinct missing names in first-seen order.
func (r Replacements) MissingNames() []string {
	var out []string
	for _, m := range r.Missing {
		if !slices.Contains(out, m.Name) {
			out = append(out, m.Name)
		}
	}
	return out
}

// Merge appends o to r.
func (r *Replacements) Merge(o Replacements) {
	r.Found = append(r.Found, o.Found...)
	r.Missing = append(r.Missing, o.Missing...)
}

// Resolver replaces tokens in value trees. A zero Resolver resolves static
// names only; dynamic names are reported missing.
type Resolver struct {
	Dynamic *dynamic.Registry
	// Payload fabricates the schema-conformant payload for $randomFromSchema.
	Payload func() (any, error)
	// KeepMissing leaves unresolved tokens in place instead of blanking them.
	KeepMissing bool
}

// Resolve returns a resolved copy of value. The input is never modified.
// Resolution never stops at a missing name: every leaf is visited so all
// missing names are reported together.
func (r *Resolver) Resolve(value any, stack env.Stack) (any, Replacements) {
	var rep Replacements
	out := r.walk(value, "", stack, &rep)
	return out, rep
}

// ResolveString resolves a single string, always producing a string.
func (r *Resolver) ResolveString(s string, stack env.Stack) (string, Replacements) {
	var rep Replacements
	return r.interpolate(s, "", stack, &rep), rep
}

func (r *Resolver) walk(v any, loc string, stack env.Stack, rep *Replacements) any {
	switch t := v.(type) {
	case string:
		if m := wholeRe.FindStringSubmatch(t); m != nil {
			val, ok := r.lookup(m[1], loc, stack, rep)
			if !ok {
				return r.blank(t)
			}
			return val
		}
		return r.interpolate(t, loc, stack, rep)
	case map[string]any:
		out := make(map[string]any, len(t))
		for _, k := range slices.Sorted(maps.Keys(t)) {
			out[k] = r.walk(t[k], jsonptr.Append(loc, k), stack, rep)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.walk(item, jsonptr.Append(loc, fmt.Sprint(i)), stack, rep)
		}
		return out
	default:
		return v
	}
}

func (r *Resolver) interpolate(s, loc string, stack env.Stack, rep *Replacements) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		name := tok[2 : len(tok)-2]
		val, ok := r.lookup(name, loc, stack, rep)
		if !ok {
			return r.blank(tok)
		}
		return Stringify(val)
	})
}

func (r *Resolver) blank(tok string) string {
	if r.KeepMissing {
		return tok
	}
	return ""
}

func (r *Resolver) lookup(name, loc string, stack env.Stack, rep *Replacements) (any, bool) {
	if dynamic.IsDynamic(name) {
		if r.Dynamic == nil || !r.Dynamic.Has(name) {
			rep.Missing = append(rep.Missing, Missing{Name: name, Location: loc, Reason: "unknown dynamic variable"})
			return nil, false
		}
		val, err := r.Dynamic.Generate(name, dynamic.Context{Location: loc, Payload: r.Payload})
		if err != nil {
			rep.Missing = append(rep.Missing, Missing{Name: name, Location: loc, Reason: err.Error()})
			return nil, false
		}
		rep.Found = append(rep.Found, Found{Name: name, Dynamic: true, Location: loc})
		return val, true
	}
	val, scope, ok := stack.Lookup(name)
	if !ok {
		rep.Missing = append(rep.Missing, Missing{Name: name, Location: loc})
		return nil, false
	}
	rep.Found = append(rep.Found, Found{Name: name, Scope: scope, Location: loc})
	return val, true
}

// Stringify renders a JSON value for embedding in text. Objects and arrays
// are rendered as compact JSON; null becomes the empty string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// Names lists the distinct token names referenced anywhere in value, sorted.
func Names(value any) []string {
	seen := map[string]bool{}
	var visit func(any)
	visit = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range tokenRe.FindAllStringSubmatch(t, -1) {
				seen[m[1]] = true
			}
		case map[string]any:
			for _, item := range t {
				visit(item)
			}
		case []any:
			for _, item := range t {
				visit(item)
			}
		}
	}
	visit(value)
	return slices.Sorted(maps.Keys(seen))
}

// ----------------------------------------------------------------------------
// Expect expressions
// ----------------------------------------------------------------------------

// CompileExpect checks that an expect expression parses and yields a bool.
func CompileExpect(expression string) error {
	_, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return fmt.Errorf("compile expect %q: %w", expression, err)
	}
	return nil
}

// EvalExpect evaluates an expect expression against env, typically
// {status, headers, body, vars}. An empty expression is true.
func EvalExpect(expression string, env map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	env = PlainNumbers(env).(map[string]any)
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile expect %q: %w", expression, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval expect %q: %w", expression, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expect %q did not return bool (got %T: %v)", expression, output, output)
	}
	return result, nil
}

// PlainNumbers copies v with every json.Number replaced by an int64, or a
// float64 when it has a fraction or overflows.
func PlainNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = PlainNumbers(item)
		}
		return out
	case env.Environment:
		return PlainNumbers(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = PlainNumbers(item)
		}
		return out
	default:
		return v
	}
}
