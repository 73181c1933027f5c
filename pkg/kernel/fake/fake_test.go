package fake

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

func seeded() *Generator {
	return New(rand.NewPCG(1, 2))
}

// conforms round-trips v through JSON and validates it against schema.
func conforms(t *testing.T, schema map[string]any, v any) {
	t.Helper()
	raw, err := json.Marshal(schema)
	if err != nil {
		t.Fatal(err)
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		t.Fatal(err)
	}
	c := sjsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		t.Fatal(err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if err := sch.Validate(doc); err != nil {
		t.Errorf("value %s does not conform: %v", data, err)
	}
}

func TestGenerate_Conforms(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]any
	}{
		{"string", map[string]any{"type": "string", "minLength": 3, "maxLength": 5}},
		{"email", map[string]any{"type": "string", "format": "email"}},
		{"uuid", map[string]any{"type": "string", "format": "uuid"}},
		{"date-time", map[string]any{"type": "string", "format": "date-time"}},
		{"date", map[string]any{"type": "string", "format": "date"}},
		{"ipv4", map[string]any{"type": "string", "format": "ipv4"}},
		{"uri", map[string]any{"type": "string", "format": "uri"}},
		{"integer", map[string]any{"type": "integer", "minimum": 10, "maximum": 12}},
		{"exclusive", map[string]any{"type": "integer", "exclusiveMinimum": 0, "exclusiveMaximum": 3}},
		{"number", map[string]any{"type": "number", "minimum": -1.5, "maximum": 1.5}},
		{"boolean", map[string]any{"type": "boolean"}},
		{"nullable", map[string]any{"type": []any{"null", "integer"}}},
		{"enum", map[string]any{"enum": []any{"red", "green", "blue"}}},
		{"const", map[string]any{"const": "fixed"}},
		{"array", map[string]any{"type": "array", "minItems": 2, "maxItems": 4, "items": map[string]any{"type": "integer"}}},
		{"object", map[string]any{
			"type":     "object",
			"required": []any{"id", "tags"},
			"properties": map[string]any{
				"id":   map[string]any{"type": "string", "format": "uuid"},
				"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"meta": map[string]any{"properties": map[string]any{"n": map[string]any{"type": "integer"}}},
			},
		}},
		{"allOf", map[string]any{"allOf": []any{
			map[string]any{"type": "object", "required": []any{"a"}, "properties": map[string]any{"a": map[string]any{"type": "string"}}},
			map[string]any{"required": []any{"b"}, "properties": map[string]any{"b": map[string]any{"type": "boolean"}}},
		}}},
		{"oneOf", map[string]any{"oneOf": []any{
			map[string]any{"type": "string", "maxLength": 2},
			map[string]any{"type": "integer", "minimum": 100},
		}}},
	}
	g := seeded()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 20 {
				v, err := g.Generate(tt.schema)
				if err != nil {
					t.Fatalf("Generate: %v", err)
				}
				conforms(t, tt.schema, v)
			}
		})
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	s := map[string]any{"type": "object", "properties": map[string]any{
		"name": map[string]any{"type": "string"},
		"n":    map[string]any{"type": "integer"},
	}}
	a, _ := seeded().Generate(s)
	b, _ := seeded().Generate(s)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Errorf("same seed produced %s and %s", ja, jb)
	}
}

func TestGenerate_Errors(t *testing.T) {
	g := seeded()
	if _, err := g.Generate(map[string]any{"$ref": "#/components/schemas/User"}); err == nil || !strings.Contains(err.Error(), "$ref") {
		t.Errorf("unresolved $ref: err = %v", err)
	}
	if _, err := g.Generate(map[string]any{"type": "file"}); err == nil {
		t.Error("expected error for unsupported type")
	}
	if _, err := g.Generate(map[string]any{"properties": map[string]any{"x": "bad"}}); err == nil {
		t.Error("expected error for non-schema property")
	}
}

func TestPayload_Layout(t *testing.T) {
	g := seeded()
	p, err := g.Payload(
		map[string]any{"type": "object", "properties": map[string]any{
			"user": map[string]any{"type": "object", "properties": map[string]any{
				"email": map[string]any{"type": "string", "format": "email"},
			}},
		}},
		map[string]map[string]map[string]any{
			"query": {"limit": {"type": "integer", "minimum": 1, "maximum": 5}},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	email, _ := p["body"].(map[string]any)["user"].(map[string]any)["email"].(string)
	if !strings.HasSuffix(email, "@example.com") {
		t.Errorf("body.user.email = %q", email)
	}
	limit, ok := p["parameters"].(map[string]any)["query"].(map[string]any)["limit"].(int64)
	if !ok || limit < 1 || limit > 5 {
		t.Errorf("parameters.query.limit = %v", p["parameters"])
	}
}

func TestPayload_Empty(t *testing.T) {
	p, err := seeded().Payload(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 0 {
		t.Errorf("payload = %v, want empty", p)
	}
}
