package eval

import (
	"encoding/json"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ormasoftchile/scanbook/pkg/kernel/dynamic"
	"github.com/ormasoftchile/scanbook/pkg/kernel/env"
)

func stackOf(e env.Environment) env.Stack {
	return env.NewStack(env.NewScope(env.ScopeLocation{Kind: env.ScopeGlobal}, e))
}

func TestResolve_NoTokensIsIdentity(t *testing.T) {
	tmpl := map[string]any{
		"url":  "https://api.example.com/users",
		"body": map[string]any{"n": 1.5, "ok": true, "tags": []any{"a", nil}},
	}
	var r Resolver
	got, rep := r.Resolve(tmpl, env.Stack{})
	if !reflect.DeepEqual(got, tmpl) {
		t.Errorf("got %v, want %v", got, tmpl)
	}
	if len(rep.Found) != 0 || len(rep.Missing) != 0 {
		t.Errorf("replacements = %+v, want none", rep)
	}
}

func TestResolve_WholeTokenKeepsType(t *testing.T) {
	var r Resolver
	got, rep := r.Resolve("{{a}}", stackOf(env.Environment{"a": 42.0}))
	if got != 42.0 {
		t.Errorf("got %#v, want number 42", got)
	}
	if names := rep.FoundNames(); !slices.Equal(names, []string{"a"}) {
		t.Errorf("found = %v", names)
	}
	if rep.Found[0].Scope.Kind != env.ScopeGlobal {
		t.Errorf("scope = %v, want global", rep.Found[0].Scope)
	}
}

func TestResolve_EmbeddedTokenIsString(t *testing.T) {
	var r Resolver
	got, _ := r.Resolve("id-{{a}}", stackOf(env.Environment{"a": 42.0}))
	if got != "id-42" {
		t.Errorf("got %#v, want %q", got, "id-42")
	}
}

func TestResolve_EmbeddedObjectIsJSON(t *testing.T) {
	var r Resolver
	got, _ := r.ResolveString("x={{o}}", stackOf(env.Environment{"o": map[string]any{"k": "v"}}))
	if got != `x={"k":"v"}` {
		t.Errorf("got %q", got)
	}
}

func TestResolve_MissingCollectedAndBlanked(t *testing.T) {
	var r Resolver
	tmpl := map[string]any{
		"a": "{{unset_var}}",
		"b": "pre-{{other}}-post",
		"c": "{{known}}",
	}
	got, rep := r.Resolve(tmpl, stackOf(env.Environment{"known": "k"}))
	want := map[string]any{"a": "", "b": "pre--post", "c": "k"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if names := rep.MissingNames(); !slices.Equal(names, []string{"unset_var", "other"}) {
		t.Errorf("missing = %v", names)
	}
	if rep.Missing[0].Location != "/a" {
		t.Errorf("location = %q, want /a", rep.Missing[0].Location)
	}
}

func TestResolve_KeepMissing(t *testing.T) {
	r := Resolver{KeepMissing: true}
	got, rep := r.Resolve("Bearer {{token}}", env.Stack{})
	if got != "Bearer {{token}}" {
		t.Errorf("got %q", got)
	}
	if len(rep.Missing) != 1 {
		t.Errorf("missing = %v", rep.Missing)
	}
}

func TestResolve_ShadowingUsesMostRecentScope(t *testing.T) {
	stack := env.NewStack(
		env.NewScope(env.ScopeLocation{Kind: env.ScopeGlobal}, env.Environment{"x": "global"}),
		env.NewScope(env.ScopeLocation{Kind: env.ScopeStage, Playbook: "p", Step: 0}, env.Environment{"x": "stage"}),
	)
	var r Resolver
	got, rep := r.Resolve("{{x}}", stack)
	if got != "stage" {
		t.Errorf("got %v", got)
	}
	if rep.Found[0].Scope.String() != "p[0].environment" {
		t.Errorf("scope = %s", rep.Found[0].Scope)
	}
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	tmpl := map[string]any{"k": []any{"{{a}}"}}
	var r Resolver
	r.Resolve(tmpl, stackOf(env.Environment{"a": "v"}))
	if tmpl["k"].([]any)[0] != "{{a}}" {
		t.Errorf("input mutated: %v", tmpl)
	}
}

func TestResolve_DynamicUUIDDiffersPerToken(t *testing.T) {
	r := Resolver{Dynamic: dynamic.New(dynamic.WithRand(rand.NewChaCha8([32]byte{7})))}
	got, rep := r.Resolve([]any{"{{$uuid}}", "{{$uuid}}"}, env.Stack{})
	ids := got.([]any)
	for _, id := range ids {
		u, err := uuid.Parse(id.(string))
		if err != nil || u.Version() != 4 {
			t.Errorf("%v is not a v4 uuid (%v)", id, err)
		}
	}
	if ids[0] == ids[1] {
		t.Error("two $uuid tokens produced the same value")
	}
	if !rep.Found[0].Dynamic {
		t.Error("expected dynamic found entry")
	}
}

func TestResolve_DynamicTimestampTyped(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	r := Resolver{Dynamic: dynamic.New(dynamic.WithClock(clock))}
	got, _ := r.Resolve("{{$timestamp}}", env.Stack{})
	if got != int64(1700000000) {
		t.Errorf("got %#v", got)
	}
}

func TestResolve_RandomFromSchemaUsesLocation(t *testing.T) {
	r := Resolver{
		Dynamic: dynamic.New(),
		Payload: func() (any, error) {
			return map[string]any{"body": map[string]any{"user": map[string]any{"email": "a@example.com"}}}, nil
		},
	}
	tmpl := map[string]any{"body": map[string]any{"user": map[string]any{"email": "{{$randomFromSchema}}"}}}
	got, rep := r.Resolve(tmpl, env.Stack{})
	email := got.(map[string]any)["body"].(map[string]any)["user"].(map[string]any)["email"]
	if email != "a@example.com" {
		t.Errorf("email = %v", email)
	}
	if rep.Found[0].Location != "/body/user/email" {
		t.Errorf("location = %q", rep.Found[0].Location)
	}
}

func TestResolve_UnknownDynamicIsMissing(t *testing.T) {
	r := Resolver{Dynamic: dynamic.New()}
	_, rep := r.Resolve("{{$nope}}", env.Stack{})
	if len(rep.Missing) != 1 || !strings.Contains(rep.Missing[0].Reason, "unknown") {
		t.Errorf("missing = %+v", rep.Missing)
	}
}

func TestNames(t *testing.T) {
	got := Names(map[string]any{"a": "{{x}}-{{y}}", "b": []any{"{{x}}", "{{$uuid}}"}, "c": 3})
	want := []string{"$uuid", "x", "y"}
	if !slices.Equal(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}

func TestEvalExpect(t *testing.T) {
	vars := map[string]any{
		"status":  201,
		"headers": map[string]any{"Content-Type": "application/json"},
		"body":    map[string]any{"id": "abc"},
	}
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"status == 201", true},
		{"status < 300 && body.id == 'abc'", true},
		{"headers['Content-Type'] contains 'xml'", false},
	}
	for _, tt := range tests {
		got, err := EvalExpect(tt.expr, vars)
		if err != nil {
			t.Errorf("EvalExpect(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvalExpect(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
	if _, err := EvalExpect("status +", vars); err == nil {
		t.Error("expected compile error")
	}
}

func TestEvalExpect_DecodedNumbers(t *testing.T) {
	vars := map[string]any{
		"body": map[string]any{"count": json.Number("3"), "ratio": json.Number("0.5"), "items": []any{json.Number("1")}},
		"vars": env.Environment{"id": json.Number("12345678")},
	}
	for _, e := range []string{"body.count == 3", "body.count + 1 > 3", "body.ratio < 1", "body.items[0] == 1", "vars.id == 12345678"} {
		got, err := EvalExpect(e, vars)
		if err != nil || !got {
			t.Errorf("EvalExpect(%q) = %v, %v", e, got, err)
		}
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"a", "a"},
		{json.Number("9007199254740993"), "9007199254740993"},
		{12345678.0, "12345678"},
		{1e21, "1000000000000000000000"},
		{0.25, "0.25"},
		{7, "7"},
		{true, "true"},
		{map[string]any{"a": json.Number("1")}, `{"a":1}`},
		{[]any{"x", 2.0}, `["x",2]`},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Errorf("Stringify(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolve_EmbeddedNumberHasNoExponent(t *testing.T) {
	r := &Resolver{}
	got, _ := r.ResolveString("id-{{a}}", stackOf(env.Environment{"a": 12345678.0}))
	if got != "id-12345678" {
		t.Errorf("got %q", got)
	}
}

func TestCompileExpect(t *testing.T) {
	if err := CompileExpect("status == 200 && body.ok"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CompileExpect("status =="); err == nil {
		t.Error("expected error")
	}
}
