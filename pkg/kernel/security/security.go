// Package security matches configured credentials against an operation's
// security requirements and scores each alternative.
package security

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind is the closed set of credential and scheme kinds.
type Kind string

const (
	Basic         Kind = "basic"
	APIKey        Kind = "apiKey"
	Bearer        Kind = "bearer"
	OAuth2        Kind = "oauth2"
	OpenIDConnect Kind = "openIdConnect"
	MutualTLS     Kind = "mutualTLS"
	Alias         Kind = "alias"
)

// Kinds lists every valid kind.
var Kinds = []Kind{Basic, APIKey, Bearer, OAuth2, OpenIDConnect, MutualTLS, Alias}

// Normalize maps a {type, scheme} pair onto a Kind. "http" with scheme
// basic or bearer collapses to Basic or Bearer.
func Normalize(typ, scheme string) (Kind, error) {
	if strings.EqualFold(typ, "http") {
		switch strings.ToLower(scheme) {
		case "basic":
			return Basic, nil
		case "bearer":
			return Bearer, nil
		}
		return "", fmt.Errorf("unsupported http scheme %q", scheme)
	}
	for _, k := range Kinds {
		if strings.EqualFold(typ, string(k)) {
			return k, nil
		}
	}
	if strings.EqualFold(typ, "mtls") {
		return MutualTLS, nil
	}
	return "", fmt.Errorf("unknown security type %q", typ)
}

// Descriptor is the matching-relevant shape of a scheme or credential.
type Descriptor struct {
	Kind Kind
	// In is the apiKey location (header, query, cookie).
	In string
	// Target is the credential an Alias points at.
	Target string
}

// equivalent lists, per credential kind, the scheme kinds it satisfies.
var equivalent = map[Kind][]Kind{
	Basic:         {Basic},
	Bearer:        {Bearer},
	APIKey:        {APIKey},
	OAuth2:        {OAuth2},
	OpenIDConnect: {OpenIDConnect},
	MutualTLS:     {MutualTLS},
}

// Satisfies reports whether a credential of shape c can serve scheme s.
func (c Descriptor) Satisfies(s Descriptor) bool {
	if !slices.Contains(equivalent[c.Kind], s.Kind) {
		return false
	}
	if s.Kind == APIKey {
		return strings.EqualFold(c.In, s.In)
	}
	return true
}

// Requirement is one alternative: every named scheme must be satisfied.
// Values are the OAuth scopes requested.
type Requirement map[string][]string

// Alternative is the best binding found for one requirement.
type Alternative struct {
	Index     int               `json:"index"`
	Schemes   []string          `json:"schemes"`
	Binding   map[string]string `json:"binding"` // scheme → credential
	Missing   []string          `json:"missing,omitempty"`
	Relevance float64           `json:"relevance"`
}

// Complete reports whether every scheme is bound.
func (a *Alternative) Complete() bool { return len(a.Missing) == 0 }

// Result holds every scored alternative and the active selection.
type Result struct {
	Alternatives []Alternative `json:"alternatives"`
	// Selected indexes Alternatives; -1 when the operation declares none.
	Selected int `json:"selected"`

	requirements []Requirement
	schemes      map[string]Descriptor
	creds        map[string]Descriptor
	pool         []string
}

// Active returns the selected alternative, or nil.
func (r *Result) Active() *Alternative {
	if r.Selected < 0 || r.Selected >= len(r.Alternatives) {
		return nil
	}
	return &r.Alternatives[r.Selected]
}

// Select makes alternative i active, recomputing its binding from the same
// credential pool.
func (r *Result) Select(i int) (*Alternative, error) {
	if i < 0 || i >= len(r.requirements) {
		return nil, fmt.Errorf("alternative %d out of range [0,%d)", i, len(r.requirements))
	}
	r.Alternatives[i] = r.score(i)
	r.Selected = i
	return &r.Alternatives[i], nil
}

// Match scores every alternative of reqs. schemes describes the document's
// security schemes by name; creds describes credentials by name. pool is the
// ordered list of credential names bound to the stage ("name" or
// "name/method"); when empty every credential is eligible, in name order.
// The alternative with the highest relevance is selected; ties keep the
// earliest.
func Match(reqs []Requirement, schemes, creds map[string]Descriptor, pool []string) *Result {
	if len(pool) == 0 {
		pool = slices.Sorted(maps.Keys(creds))
	}
	r := &Result{
		Selected:     -1,
		requirements: reqs,
		schemes:      schemes,
		creds:        creds,
		pool:         pool,
	}
	for i := range reqs {
		alt := r.score(i)
		r.Alternatives = append(r.Alternatives, alt)
		if r.Selected < 0 || alt.Relevance > r.Alternatives[r.Selected].Relevance {
			r.Selected = i
		}
	}
	return r
}

func (r *Result) score(i int) Alternative {
	req := r.requirements[i]
	alt := Alternative{
		Index:   i,
		Schemes: slices.Sorted(maps.Keys(req)),
		Binding: map[string]string{},
	}
	used := make([]bool, len(r.pool))
	for _, name := range alt.Schemes {
		scheme, ok := r.schemes[name]
		matched := false
		if ok {
			for j, cred := range r.pool {
				if used[j] {
					continue
				}
				d, err := Resolve(BaseName(cred), r.creds)
				if err != nil || !d.Satisfies(scheme) {
					continue
				}
				used[j] = true
				alt.Binding[name] = cred
				matched = true
				break
			}
		}
		if !matched {
			alt.Missing = append(alt.Missing, name)
		}
	}
	if len(alt.Schemes) == 0 {
		alt.Relevance = 1
	} else {
		alt.Relevance = float64(len(alt.Binding)) / float64(len(alt.Schemes))
	}
	return alt
}

// BaseName strips a "/method" qualifier from a credential reference.
func BaseName(ref string) string {
	name, _, _ := strings.Cut(ref, "/")
	return name
}

// Method returns the "/method" qualifier of a credential reference, or "".
func Method(ref string) string {
	_, m, _ := strings.Cut(ref, "/")
	return m
}

// Resolve follows alias credentials to a concrete descriptor.
func Resolve(name string, creds map[string]Descriptor) (Descriptor, error) {
	_, d, err := ResolveAlias(name, creds)
	return d, err
}

// ResolveAlias follows alias credentials and returns the name and shape of
// the concrete credential reached.
func ResolveAlias(name string, creds map[string]Descriptor) (string, Descriptor, error) {
	seen := map[string]bool{}
	for {
		d, ok := creds[name]
		if !ok {
			return "", Descriptor{}, fmt.Errorf("credential %q not found", name)
		}
		if d.Kind != Alias {
			return name, d, nil
		}
		if seen[name] {
			return "", Descriptor{}, fmt.Errorf("alias loop at credential %q", name)
		}
		seen[name] = true
		name = d.Target
	}
}
