// Package dynamic provides the fixed registry of generated template variables
// ($uuid, $timestamp, ...). Every call produces a fresh value; nothing is cached.
package dynamic

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ormasoftchile/scanbook/pkg/kernel/jsonptr"
)

// Reserved variable names.
const (
	RandomString     = "$randomString"
	RandomUint       = "$randomuint"
	UUID             = "$uuid"
	Timestamp        = "$timestamp"
	Timestamp3339    = "$timestamp3339"
	RandomFromSchema = "$randomFromSchema"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultStringLength is the length of $randomString values.
const DefaultStringLength = 20

// IsDynamic reports whether name is in the reserved "$" namespace.
func IsDynamic(name string) bool {
	return strings.HasPrefix(name, "$")
}

// Context carries what a generator may need about the call site.
type Context struct {
	// Location is the JSON Pointer of the template leaf being resolved,
	// e.g. "/body/user/email" or "/parameters/query/limit".
	Location string
	// Payload fabricates a complete schema-conformant request payload laid out
	// like the resolved template. Nil when no schema is available.
	Payload func() (any, error)
}

type generator func(r *Registry, c Context) (any, error)

var generators = map[string]generator{
	RandomString:     (*Registry).randomString,
	RandomUint:       (*Registry).randomUint,
	UUID:             (*Registry).uuid,
	Timestamp:        func(r *Registry, _ Context) (any, error) { return r.now().Unix(), nil },
	Timestamp3339:    func(r *Registry, _ Context) (any, error) { return r.now().UTC().Format(time.RFC3339), nil },
	RandomFromSchema: (*Registry).randomFromSchema,
}

// Registry generates dynamic variable values from an injected entropy source.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	rand         io.Reader
	now          func() time.Time
	stringLength int
}

// Option configures a Registry.
type Option func(*Registry)

// WithRand sets the entropy source. Defaults to crypto/rand.
func WithRand(r io.Reader) Option { return func(reg *Registry) { reg.rand = r } }

// WithClock sets the time source used by the timestamp generators.
func WithClock(now func() time.Time) Option { return func(reg *Registry) { reg.now = now } }

// WithStringLength sets the length of $randomString values.
func WithStringLength(n int) Option {
	return func(reg *Registry) {
		if n > 0 {
			reg.stringLength = n
		}
	}
}

// New creates a registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		rand:         rand.Reader,
		now:          time.Now,
		stringLength: DefaultStringLength,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Has reports whether name is a registered generator.
func (r *Registry) Has(name string) bool {
	_, ok := generators[name]
	return ok
}

// Names lists the registered generators, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(generators))
	for n := range generators {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Generate invokes the named generator.
func (r *Registry) Generate(name string, c Context) (any, error) {
	g, ok := generators[name]
	if !ok {
		return nil, fmt.Errorf("unknown dynamic variable %q", name)
	}
	return g(r, c)
}

// read fills p from the entropy source under the registry lock.
func (r *Registry) read(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.ReadFull(r.rand, p); err != nil {
		return fmt.Errorf("read entropy: %w", err)
	}
	return nil
}

func (r *Registry) randomString(_ Context) (any, error) {
	out := make([]byte, 0, r.stringLength)
	buf := make([]byte, r.stringLength)
	// Rejection sampling keeps the alphabet uniform: 248 is the largest
	// multiple of 62 that fits in a byte.
	limit := byte(256 - 256%len(alphanumeric))
	for len(out) < r.stringLength {
		if err := r.read(buf); err != nil {
			return nil, err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == r.stringLength {
				break
			}
		}
	}
	return string(out), nil
}

func (r *Registry) randomUint(_ Context) (any, error) {
	var b [4]byte
	if err := r.read(b[:]); err != nil {
		return nil, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *Registry) uuid(_ Context) (any, error) {
	r.mu.Lock()
	id, err := uuid.NewRandomFromReader(r.rand)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

// randomFromSchema fabricates a whole conforming payload and slices out the
// value at the call site, so correlated fields stay consistent.
func (r *Registry) randomFromSchema(c Context) (any, error) {
	if c.Payload == nil {
		return nil, fmt.Errorf("%s: no schema available for this request", RandomFromSchema)
	}
	payload, err := c.Payload()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RandomFromSchema, err)
	}
	v, err := jsonptr.Get(payload, c.Location)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RandomFromSchema, err)
	}
	return v, nil
}
