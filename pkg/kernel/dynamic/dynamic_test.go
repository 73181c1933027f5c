package dynamic

import (
	"math/rand/v2"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seeded() *Registry {
	return New(
		WithRand(rand.NewChaCha8([32]byte{1, 2, 3})),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
}

func TestUUID_ValidV4AndDistinct(t *testing.T) {
	r := seeded()
	a, err := r.Generate(UUID, Context{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Generate(UUID, Context{})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []any{a, b} {
		id, err := uuid.Parse(v.(string))
		if err != nil {
			t.Fatalf("parse %v: %v", v, err)
		}
		if id.Version() != 4 {
			t.Errorf("version = %d, want 4", id.Version())
		}
		if id.Variant() != uuid.RFC4122 {
			t.Errorf("variant = %v", id.Variant())
		}
	}
	if a == b {
		t.Error("two $uuid calls returned the same value")
	}
}

func TestRandomString(t *testing.T) {
	r := New(WithRand(rand.NewChaCha8([32]byte{9})), WithStringLength(32))
	v, err := r.Generate(RandomString, Context{})
	if err != nil {
		t.Fatal(err)
	}
	s := v.(string)
	if !regexp.MustCompile(`^[A-Za-z0-9]{32}$`).MatchString(s) {
		t.Errorf("random string %q", s)
	}
	w, _ := r.Generate(RandomString, Context{})
	if s == w {
		t.Error("expected distinct random strings")
	}
}

func TestRandomUint(t *testing.T) {
	v, err := seeded().Generate(RandomUint, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.(uint32); !ok {
		t.Errorf("type = %T, want uint32", v)
	}
}

func TestTimestamps(t *testing.T) {
	r := seeded()
	v, _ := r.Generate(Timestamp, Context{})
	if v != int64(1700000000) {
		t.Errorf("$timestamp = %v", v)
	}
	v, _ = r.Generate(Timestamp3339, Context{})
	if v != "2023-11-14T22:13:20Z" {
		t.Errorf("$timestamp3339 = %v", v)
	}
}

func TestRandomFromSchema_SlicesPayload(t *testing.T) {
	calls := 0
	c := Context{
		Location: "/body/user/email",
		Payload: func() (any, error) {
			calls++
			return map[string]any{
				"body": map[string]any{"user": map[string]any{"email": "a@example.com"}},
			}, nil
		},
	}
	v, err := seeded().Generate(RandomFromSchema, c)
	if err != nil {
		t.Fatal(err)
	}
	if v != "a@example.com" {
		t.Errorf("value = %v", v)
	}
	if calls != 1 {
		t.Errorf("payload generated %d times", calls)
	}
}

func TestRandomFromSchema_NoSchema(t *testing.T) {
	if _, err := seeded().Generate(RandomFromSchema, Context{Location: "/body"}); err == nil {
		t.Error("expected error without payload provider")
	}
}

func TestUnknown(t *testing.T) {
	r := seeded()
	if r.Has("$nope") {
		t.Error("$nope should not be registered")
	}
	if _, err := r.Generate("$nope", Context{}); err == nil {
		t.Error("expected error")
	}
	if len(r.Names()) != 6 {
		t.Errorf("names = %v", r.Names())
	}
}
