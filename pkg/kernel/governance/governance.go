// Package governance implements the send policy: which requests a run is
// allowed to put on the wire.
package governance

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Action is the outcome of evaluating a request against a policy.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule matches requests by method, host and path. A rule with Default set
// matches everything and acts as the fallback.
type Rule struct {
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Hosts   []string `yaml:"hosts,omitempty"   json:"hosts,omitempty"` // path.Match globs, e.g. "*.prod.example.com"
	Paths   []string `yaml:"paths,omitempty"   json:"paths,omitempty"` // path.Match globs, e.g. "/admin/*"
	Action  Action   `yaml:"action,omitempty"  json:"action,omitempty"`
	Default Action   `yaml:"default,omitempty" json:"default,omitempty"`
	Reason  string   `yaml:"reason,omitempty"  json:"reason,omitempty"`
}

// Policy is an ordered rule list; the first matching rule decides.
type Policy struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Decision carries the policy evaluation result for a request.
type Decision struct {
	Action      Action `json:"action"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Allowed reports whether the request may be sent.
func (d Decision) Allowed() bool { return d.Action != ActionDeny }

// Evaluate evaluates the policy against a request. No policy, or no
// matching rule, allows the request.
func Evaluate(p *Policy, method, rawURL string) Decision {
	if p == nil || len(p.Rules) == 0 {
		return Decision{Action: ActionAllow}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Decision{Action: ActionDeny, Reason: fmt.Sprintf("unparsable url: %v", err)}
	}

	for i, rule := range p.Rules {
		if !ruleMatches(rule, strings.ToUpper(method), u) {
			continue
		}
		action := rule.Action
		if rule.Default != "" {
			action = rule.Default
		}
		return Decision{
			Action:      action,
			MatchedRule: describeRule(i, rule),
			Reason:      rule.Reason,
		}
	}

	// No rule matched: allow
	return Decision{Action: ActionAllow}
}

// Validate checks actions and glob syntax.
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	for i, rule := range p.Rules {
		if rule.Default != "" && rule.Action != "" {
			return fmt.Errorf("policy rule %d: cannot have both 'action' and 'default'", i)
		}
		a := rule.Action
		if rule.Default != "" {
			a = rule.Default
		}
		switch a {
		case ActionAllow, ActionDeny:
		default:
			return fmt.Errorf("policy rule %d: invalid action %q: must be allow or deny", i, a)
		}
		for _, g := range append(append([]string(nil), rule.Hosts...), rule.Paths...) {
			if _, err := path.Match(g, ""); err != nil {
				return fmt.Errorf("policy rule %d: bad pattern %q: %w", i, g, err)
			}
		}
	}
	return nil
}

// ruleMatches checks every selector the rule sets; unset selectors match.
func ruleMatches(rule Rule, method string, u *url.URL) bool {
	// Default rules always match (they're the fallback)
	if rule.Default != "" {
		return true
	}
	if len(rule.Methods) > 0 && !hasFold(rule.Methods, method) {
		return false
	}
	if len(rule.Hosts) > 0 && !matchAny(rule.Hosts, u.Hostname()) {
		return false
	}
	if len(rule.Paths) > 0 && !matchAny(rule.Paths, u.Path) {
		return false
	}
	return len(rule.Methods) > 0 || len(rule.Hosts) > 0 || len(rule.Paths) > 0
}

func hasFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

func matchAny(globs []string, s string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, s); ok {
			return true
		}
	}
	return false
}

func describeRule(i int, rule Rule) string {
	if rule.Default != "" {
		return "default: " + string(rule.Default)
	}
	var parts []string
	if len(rule.Methods) > 0 {
		parts = append(parts, "methods="+strings.Join(rule.Methods, ","))
	}
	if len(rule.Hosts) > 0 {
		parts = append(parts, "hosts="+strings.Join(rule.Hosts, ","))
	}
	if len(rule.Paths) > 0 {
		parts = append(parts, "paths="+strings.Join(rule.Paths, ","))
	}
	return fmt.Sprintf("rules[%d] %s", i, strings.Join(parts, " "))
}
