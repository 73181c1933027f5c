// Package fake fabricates example values that conform to (dereferenced)
// JSON Schemas. It backs the $randomFromSchema dynamic variable.
package fake

import (
	crand "crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider generates a value for a schema.
type Provider interface {
	Generate(schema map[string]any) (any, error)
}

const maxDepth = 16

// Generator is the default Provider. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a generator. A nil source seeds a ChaCha8 stream from crypto/rand.
func New(src rand.Source) *Generator {
	if src == nil {
		var seed [32]byte
		_, _ = crand.Read(seed[:])
		src = rand.NewChaCha8(seed)
	}
	return &Generator{rnd: rand.New(src)}
}

// Generate returns a value conforming to schema.
func (g *Generator) Generate(schema map[string]any) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value(schema, 0)
}

// Payload fabricates a request payload laid out like a resolved stage
// template: {"body": ..., "parameters": {"query": {...}, "header": {...}}}.
// Locations without a schema are omitted.
func (g *Generator) Payload(body map[string]any, parameters map[string]map[string]map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if body != nil {
		v, err := g.Generate(body)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		out["body"] = v
	}
	if len(parameters) > 0 {
		params := map[string]any{}
		for _, in := range slices.Sorted(maps.Keys(parameters)) {
			loc := map[string]any{}
			for _, name := range slices.Sorted(maps.Keys(parameters[in])) {
				v, err := g.Generate(parameters[in][name])
				if err != nil {
					return nil, fmt.Errorf("parameter %s.%s: %w", in, name, err)
				}
				loc[name] = v
			}
			params[in] = loc
		}
		out["parameters"] = params
	}
	return out, nil
}

func (g *Generator) value(s map[string]any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("schema nesting exceeds %d levels", maxDepth)
	}
	if s == nil {
		return nil, nil
	}
	if ref, ok := s["$ref"].(string); ok {
		return nil, fmt.Errorf("unresolved $ref %q", ref)
	}
	if c, ok := s["const"]; ok {
		return c, nil
	}
	if enum, ok := s["enum"].([]any); ok && len(enum) > 0 {
		return enum[g.rnd.IntN(len(enum))], nil
	}
	if all, ok := s["allOf"].([]any); ok && len(all) > 0 {
		merged, err := mergeAllOf(s, all)
		if err != nil {
			return nil, err
		}
		return g.value(merged, depth+1)
	}
	for _, key := range []string{"oneOf", "anyOf"} {
		if alts, ok := s[key].([]any); ok && len(alts) > 0 {
			alt, ok := alts[g.rnd.IntN(len(alts))].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s entry is not a schema", key)
			}
			return g.value(alt, depth+1)
		}
	}

	switch schemaType(s) {
	case "object":
		return g.object(s, depth)
	case "array":
		return g.array(s, depth)
	case "string":
		return g.str(s), nil
	case "integer":
		return g.integer(s), nil
	case "number":
		return g.number(s), nil
	case "boolean":
		return g.rnd.IntN(2) == 1, nil
	case "null":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported schema type %q", schemaType(s))
	}
}

// schemaType picks the first non-null type, inferring object/array from
// properties/items when type is absent.
func schemaType(s map[string]any) string {
	switch t := s["type"].(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if str, ok := v.(string); ok && str != "null" {
				return str
			}
		}
		return "null"
	}
	if _, ok := s["properties"]; ok {
		return "object"
	}
	if _, ok := s["items"]; ok {
		return "array"
	}
	return "string"
}

func (g *Generator) object(s map[string]any, depth int) (any, error) {
	out := map[string]any{}
	props, _ := s["properties"].(map[string]any)
	for _, name := range slices.Sorted(maps.Keys(props)) {
		ps, ok := props[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("property %q is not a schema", name)
		}
		v, err := g.value(ps, depth+1)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (g *Generator) array(s map[string]any, depth int) (any, error) {
	lo := intKeyword(s, "minItems", 1)
	hi := intKeyword(s, "maxItems", lo+2)
	if hi < lo {
		hi = lo
	}
	n := lo + g.rnd.IntN(hi-lo+1)
	items, _ := s["items"].(map[string]any)
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := g.value(items, depth+1)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

const lower = "abcdefghijklmnopqrstuvwxyz"

func (g *Generator) word(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(lower[g.rnd.IntN(len(lower))])
	}
	return b.String()
}

func (g *Generator) str(s map[string]any) string {
	format, _ := s["format"].(string)
	switch format {
	case "uuid":
		var b [16]byte
		for i := range b {
			b[i] = byte(g.rnd.UintN(256))
		}
		b[6] = (b[6] & 0x0f) | 0x40
		b[8] = (b[8] & 0x3f) | 0x80
		return uuid.UUID(b).String()
	case "email":
		return g.word(8) + "@example.com"
	case "date-time":
		return g.instant().Format(time.RFC3339)
	case "date":
		return g.instant().Format(time.DateOnly)
	case "time":
		return g.instant().Format(time.TimeOnly)
	case "uri", "url":
		return "https://example.com/" + g.word(6)
	case "hostname":
		return g.word(6) + ".example.com"
	case "ipv4":
		return fmt.Sprintf("10.%d.%d.%d", g.rnd.IntN(256), g.rnd.IntN(256), 1+g.rnd.IntN(254))
	case "ipv6":
		return fmt.Sprintf("fd00::%x:%x", g.rnd.IntN(0x10000), g.rnd.IntN(0x10000))
	case "byte":
		return base64.StdEncoding.EncodeToString([]byte(g.word(9)))
	}

	lo := intKeyword(s, "minLength", 1)
	hi := intKeyword(s, "maxLength", max(lo, 12))
	if hi < lo {
		hi = lo
	}
	return g.word(lo + g.rnd.IntN(hi-lo+1))
}

func (g *Generator) instant() time.Time {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(g.rnd.Int64N(int64(5*365*24*time.Hour))) / time.Second * time.Second)
}

func (g *Generator) integer(s map[string]any) int64 {
	lo, hi := bounds(s, 0, 1000)
	l, h := int64(math.Ceil(lo)), int64(math.Floor(hi))
	if h < l {
		return l
	}
	return l + g.rnd.Int64N(h-l+1)
}

func (g *Generator) number(s map[string]any) float64 {
	lo, hi := bounds(s, 0, 1000)
	if hi < lo {
		return lo
	}
	return lo + g.rnd.Float64()*(hi-lo)
}

// bounds reads minimum/maximum, nudging exclusive bounds inward by one unit.
func bounds(s map[string]any, defLo, defHi float64) (float64, float64) {
	lo, hasLo := floatKeyword(s, "minimum")
	hi, hasHi := floatKeyword(s, "maximum")
	if v, ok := floatKeyword(s, "exclusiveMinimum"); ok {
		lo, hasLo = v+1, true
	}
	if v, ok := floatKeyword(s, "exclusiveMaximum"); ok {
		hi, hasHi = v-1, true
	}
	switch {
	case !hasLo && !hasHi:
		return defLo, defHi
	case !hasLo:
		return hi - (defHi - defLo), hi
	case !hasHi:
		return lo, lo + (defHi - defLo)
	}
	return lo, hi
}

func floatKeyword(s map[string]any, key string) (float64, bool) {
	switch n := s[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intKeyword(s map[string]any, key string, def int) int {
	if v, ok := floatKeyword(s, key); ok {
		return int(v)
	}
	return def
}

// mergeAllOf folds allOf members into one schema: properties and required
// are unioned, other keywords keep their first value.
func mergeAllOf(base map[string]any, all []any) (map[string]any, error) {
	merged := map[string]any{}
	props := map[string]any{}
	var required []any
	add := func(s map[string]any) {
		for k, v := range s {
			switch k {
			case "allOf":
			case "properties":
				if p, ok := v.(map[string]any); ok {
					maps.Copy(props, p)
				}
			case "required":
				if r, ok := v.([]any); ok {
					required = append(required, r...)
				}
			default:
				if _, exists := merged[k]; !exists {
					merged[k] = v
				}
			}
		}
	}
	add(base)
	for i, member := range all {
		m, ok := member.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("allOf[%d] is not a schema", i)
		}
		add(m)
	}
	if len(props) > 0 {
		merged["properties"] = props
		if _, ok := merged["type"]; !ok {
			merged["type"] = "object"
		}
	}
	if len(required) > 0 {
		merged["required"] = required
	}
	return merged, nil
}
