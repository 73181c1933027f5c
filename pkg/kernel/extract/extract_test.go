package extract

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/ormasoftchile/scanbook/pkg/kernel/transport"
)

func exchange() Exchange {
	return Exchange{
		Request: &transport.Request{
			Method:  "POST",
			URL:     "https://api.example.com/users/7?limit=5",
			Headers: http.Header{"Cookie": {"session=s1; theme=dark"}, "X-Request-Id": {"r-1"}},
			Body:    `{"name":"alice"}`,
		},
		PathParams: map[string]string{"id": "7"},
		Response: &transport.Response{
			StatusCode: 201,
			Headers: http.Header{
				"X-Token":    {"abc123"},
				"Set-Cookie": {"sid=xyz; Path=/; HttpOnly", "other=1"},
			},
			Body: `{"user":{"id":"u-1","roles":["admin","dev"]},"count":2}`,
		},
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want any
	}{
		{"response header", Rule{In: "header", Name: "X-Token"}, "abc123"},
		{"header case-insensitive", Rule{In: "header", Name: "x-token"}, "abc123"},
		{"json pointer", Rule{In: "body", Path: &Path{Type: "jsonPointer", Value: "/user/id"}}, "u-1"},
		{"json pointer array", Rule{In: "body", Path: &Path{Type: "jsonPointer", Value: "/user/roles/1"}}, "dev"},
		{"json path", Rule{In: "body", Path: &Path{Type: "jsonPath", Value: "$.user.roles[0]"}}, "admin"},
		{"json path number", Rule{In: "body", Path: &Path{Type: "jsonPath", Value: "$.count"}}, json.Number("2")},
		{"number keeps digits", Rule{In: "body", Path: &Path{Type: "jsonPointer", Value: "/count"}}, json.Number("2")},
		{"response cookie", Rule{In: "cookie", Name: "sid"}, "xyz"},
		{"status", Rule{In: "status"}, 201},
		{"request body", Rule{From: "request", In: "body", Path: &Path{Type: "jsonPointer", Value: "/name"}}, "alice"},
		{"request header", Rule{From: "request", In: "header", Name: "X-Request-Id"}, "r-1"},
		{"request cookie", Rule{From: "request", In: "cookie", Name: "theme"}, "dark"},
		{"request query", Rule{From: "request", In: "query", Name: "limit"}, "5"},
		{"request path", Rule{From: "request", In: "path", Name: "id"}, "7"},
		{"text body", Rule{In: "body", ContentType: "text"}, `{"user":{"id":"u-1","roles":["admin","dev"]},"count":2}`},
	}
	x := exchange()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.rule, x)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		x    Exchange
		msg  string
	}{
		{"missing header", Rule{In: "header", Name: "X-Nope"}, exchange(), "not found"},
		{"missing pointer", Rule{In: "body", Path: &Path{Type: "jsonPointer", Value: "/user/email"}}, exchange(), "email"},
		{"non-json body with path", Rule{In: "body", Path: &Path{Type: "jsonPointer", Value: "/a"}},
			Exchange{Response: &transport.Response{Body: "<html>"}}, "JSON"},
		{"query from response", Rule{In: "query", Name: "limit"}, exchange(), "only available from the request"},
		{"unknown location", Rule{In: "trailer"}, exchange(), "unknown location"},
		{"no response", Rule{In: "status"}, Exchange{}, "no response"},
		{"header without name", Rule{In: "header"}, exchange(), "requires a name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.rule, tt.x)
			if err == nil || !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("err = %v, want containing %q", err, tt.msg)
			}
		})
	}
}

func TestAssign_FailuresDoNotBlockSiblings(t *testing.T) {
	got := Assign(map[string]Rule{
		"token":   {In: "header", Name: "X-Token"},
		"missing": {In: "header", Name: "X-Nope"},
		"userId":  {In: "body", Path: &Path{Type: "jsonPointer", Value: "/user/id"}},
	}, exchange())
	if len(got) != 3 {
		t.Fatalf("got %d assignments", len(got))
	}
	// sorted by name
	if got[0].Name != "missing" || got[0].Ok() {
		t.Errorf("missing = %+v, want failure", got[0])
	}
	if got[0].Source != "response.header.X-Nope" {
		t.Errorf("source = %q", got[0].Source)
	}
	if got[1].Name != "token" || got[1].Value != "abc123" {
		t.Errorf("token = %+v", got[1])
	}
	if got[2].Name != "userId" || got[2].Value != "u-1" {
		t.Errorf("userId = %+v", got[2])
	}
}

func TestDecodeJSON(t *testing.T) {
	doc, err := DecodeJSON(` {"id": 9007199254740993, "ratio": 0.5} `)
	if err != nil {
		t.Fatal(err)
	}
	m := doc.(map[string]any)
	if m["id"] != json.Number("9007199254740993") || m["ratio"] != json.Number("0.5") {
		t.Errorf("doc = %#v", doc)
	}
	for _, body := range []string{"", "{", `{"a":1} {"b":2}`, `{"a":1}}`} {
		if _, err := DecodeJSON(body); err == nil {
			t.Errorf("DecodeJSON(%q): expected error", body)
		}
	}
}

func TestExtract_JSONPathFilterOnNumbers(t *testing.T) {
	x := Exchange{Response: &transport.Response{
		StatusCode: 200,
		Body:       `{"pets":[{"id":1,"age":2},{"id":2,"age":9}]}`,
	}}
	got, err := Extract(Rule{In: "body", Path: &Path{Type: "jsonPath", Value: "$.pets[?(@.age > 5)].id"}}, x)
	if err != nil {
		t.Fatal(err)
	}
	ids, ok := got.([]any)
	if !ok || len(ids) != 1 || ids[0] != 2.0 {
		t.Errorf("got %#v", got)
	}
}
