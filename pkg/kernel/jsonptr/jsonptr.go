// Package jsonptr resolves RFC 6901 JSON Pointers over decoded JSON values
// (map[string]any, []any and scalars) and builds pointer locations.
package jsonptr

import (
	"fmt"
	"strings"

	"github.com/go-openapi/jsonpointer"
)

// Parse splits a pointer into unescaped reference tokens.
// The empty pointer "" refers to the whole document and yields no tokens.
func Parse(ptr string) ([]string, error) {
	p, err := jsonpointer.New(ptr)
	if err != nil {
		return nil, fmt.Errorf("json pointer %q: %w", ptr, err)
	}
	if p.IsEmpty() {
		return nil, nil
	}
	return p.DecodedTokens(), nil
}

// Get returns the value at ptr inside doc. Array indices must be canonical
// decimal ("0", "12"); forms such as "+1" or "01" are rejected.
func Get(doc any, ptr string) (any, error) {
	tokens, err := Parse(ptr)
	if err != nil {
		return nil, err
	}
	cur := doc
	for i, tok := range tokens {
		switch cur.(type) {
		case map[string]any:
		case []any:
			if !isIndex(tok) {
				return nil, fmt.Errorf("json pointer %q: %q is not an array index", ptr, tok)
			}
		default:
			return nil, fmt.Errorf("json pointer %q: cannot descend into %T at %q", ptr, cur, Format(tokens[:i]))
		}
		next, _, err := jsonpointer.GetForToken(cur, tok)
		if err != nil {
			return nil, fmt.Errorf("json pointer %q: %w", ptr, err)
		}
		cur = next
	}
	return cur, nil
}

// isIndex reports whether tok is an RFC 6901 array-index: "0" or digits
// without a leading zero.
func isIndex(tok string) bool {
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return false
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Append returns ptr extended with one more (unescaped) token.
func Append(ptr, token string) string {
	return ptr + "/" + jsonpointer.Escape(token)
}

// Format joins unescaped tokens into a pointer string.
func Format(tokens []string) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(jsonpointer.Escape(t))
	}
	return b.String()
}
