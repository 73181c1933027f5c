// Package env implements the layered variable environment of a playbook run:
// immutable scopes pushed onto a persistent stack and looked up most-recent first.
package env

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Environment maps variable names to JSON-typed values.
type Environment map[string]any

// ScopeKind tags why a scope exists.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeBuiltin  ScopeKind = "built-in"
	ScopeTry      ScopeKind = "try"
	ScopeStage    ScopeKind = "stage"
	ScopeResponse ScopeKind = "playbook-request"
)

// ScopeLocation identifies a scope. Playbook, Step and Response are only
// meaningful for stage and playbook-request scopes.
type ScopeLocation struct {
	Kind     ScopeKind `json:"kind"`
	Playbook string    `json:"playbook,omitempty"`
	Step     int       `json:"step,omitempty"`
	Response string    `json:"response,omitempty"`
}

func (l ScopeLocation) String() string {
	switch l.Kind {
	case ScopeStage:
		return fmt.Sprintf("%s[%d].environment", l.Playbook, l.Step)
	case ScopeResponse:
		if l.Response == "" {
			return fmt.Sprintf("%s[%d]", l.Playbook, l.Step)
		}
		return fmt.Sprintf("%s[%d].responses.%s", l.Playbook, l.Step, l.Response)
	default:
		return string(l.Kind)
	}
}

// VariableAssignment is the outcome of one extraction rule. Error is empty on
// success; Source describes the rule that produced it.
type VariableAssignment struct {
	Name   string `json:"name"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Source string `json:"source,omitempty"`
}

// Ok reports whether the assignment succeeded.
func (a VariableAssignment) Ok() bool { return a.Error == "" }

// Scope is one immutable layer of the stack.
type Scope struct {
	ID          ScopeLocation        `json:"id"`
	Env         Environment          `json:"env"`
	Assignments []VariableAssignment `json:"assignments,omitempty"`
}

// NewScope copies e so later changes by the caller cannot leak into the scope.
func NewScope(id ScopeLocation, e Environment) *Scope {
	return &Scope{ID: id, Env: maps.Clone(nonNil(e))}
}

// NewAssignmentScope builds a scope from extraction results: every successful
// assignment becomes a variable, failures are only recorded.
func NewAssignmentScope(id ScopeLocation, assignments []VariableAssignment) *Scope {
	e := make(Environment, len(assignments))
	for _, a := range assignments {
		if a.Ok() {
			e[a.Name] = a.Value
		}
	}
	return &Scope{ID: id, Env: e, Assignments: slices.Clone(assignments)}
}

// Get returns a variable defined directly in this scope.
func (s *Scope) Get(name string) (any, bool) {
	v, ok := s.Env[name]
	return v, ok
}

func nonNil(e Environment) Environment {
	if e == nil {
		return Environment{}
	}
	return e
}

// node is a cell of the persistent stack. Cells are never mutated after
// creation, so any number of stacks may share a common prefix.
type node struct {
	scope  *Scope
	parent *node
	depth  int
}

// Stack is an append-only, logically immutable sequence of scopes. The zero
// value is an empty stack. Push returns a new stack and leaves the receiver
// untouched, so earlier results stay valid snapshots.
type Stack struct {
	top *node
}

// NewStack builds a stack by pushing scopes in order.
func NewStack(scopes ...*Scope) Stack {
	var s Stack
	for _, sc := range scopes {
		s = s.Push(sc)
	}
	return s
}

// Push appends a scope.
func (s Stack) Push(scope *Scope) Stack {
	depth := 1
	if s.top != nil {
		depth = s.top.depth + 1
	}
	return Stack{top: &node{scope: scope, parent: s.top, depth: depth}}
}

// Len returns the number of scopes.
func (s Stack) Len() int {
	if s.top == nil {
		return 0
	}
	return s.top.depth
}

// Lookup scans from the last pushed scope to the first and returns the value
// of the first scope that defines name.
func (s Stack) Lookup(name string) (any, ScopeLocation, bool) {
	for n := s.top; n != nil; n = n.parent {
		if v, ok := n.scope.Env[name]; ok {
			return v, n.scope.ID, true
		}
	}
	return nil, ScopeLocation{}, false
}

// Scopes returns the scopes oldest first.
func (s Stack) Scopes() []*Scope {
	out := make([]*Scope, s.Len())
	i := len(out) - 1
	for n := s.top; n != nil; n = n.parent {
		out[i] = n.scope
		i--
	}
	return out
}

// Filter returns a new stack holding only the scopes of the given kinds, in
// their original order.
func (s Stack) Filter(kinds ...ScopeKind) Stack {
	var out Stack
	for _, sc := range s.Scopes() {
		if slices.Contains(kinds, sc.ID.Kind) {
			out = out.Push(sc)
		}
	}
	return out
}

// Flatten merges all scopes into one environment, later scopes winning.
func (s Stack) Flatten() Environment {
	out := Environment{}
	for _, sc := range s.Scopes() {
		maps.Copy(out, sc.Env)
	}
	return out
}

// MarshalJSON renders the stack as its ordered list of scopes.
func (s Stack) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Scopes())
}

// UnmarshalJSON rebuilds a stack from its ordered list of scopes. Numbers
// decode as json.Number so large integer IDs survive the round trip.
func (s *Stack) UnmarshalJSON(data []byte) error {
	var scopes []*Scope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&scopes); err != nil {
		return err
	}
	*s = NewStack(scopes...)
	return nil
}
