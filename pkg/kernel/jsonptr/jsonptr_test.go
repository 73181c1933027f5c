package jsonptr

import "testing"

func TestGet(t *testing.T) {
	doc := map[string]any{
		"user": map[string]any{
			"name": "alice",
			"tags": []any{"a", "b"},
		},
		"a/b": 1.0,
		"m~n": 2.0,
	}

	tests := []struct {
		ptr  string
		want any
	}{
		{"/user/name", "alice"},
		{"/user/tags/1", "b"},
		{"/a~1b", 1.0},
		{"/m~0n", 2.0},
		{"/user/tags/0", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.ptr, func(t *testing.T) {
			got, err := Get(doc, tt.ptr)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Get(%q) = %v, want %v", tt.ptr, got, tt.want)
			}
		})
	}
}

func TestGet_WholeDocument(t *testing.T) {
	got, err := Get("scalar", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "scalar" {
		t.Errorf("got %v", got)
	}
}

func TestGet_Errors(t *testing.T) {
	doc := map[string]any{"list": []any{1.0, 2.0}, "s": "x"}
	for _, ptr := range []string{"/missing", "/list/5", "/list/x", "/list/+1", "/list/01", "/list/-1", "/list/", "/s/deeper", "no-slash"} {
		if _, err := Get(doc, ptr); err == nil {
			t.Errorf("Get(%q): expected error", ptr)
		}
	}
}

func TestAppendRoundTrip(t *testing.T) {
	ptr := Append(Append("", "body"), "a/b~c")
	if ptr != "/body/a~1b~0c" {
		t.Fatalf("ptr = %q", ptr)
	}
	tokens, err := Parse(ptr)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 2 || tokens[1] != "a/b~c" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestFormat(t *testing.T) {
	if got := Format([]string{"a/b", "~c", "0"}); got != "/a~1b/~0c/0" {
		t.Errorf("Format = %q", got)
	}
	if got := Format(nil); got != "" {
		t.Errorf("Format(nil) = %q", got)
	}
}
