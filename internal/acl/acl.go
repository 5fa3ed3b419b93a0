// Package acl decides whether a user may run a command with given options.
package acl

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
)

// Rule grants one command pattern, optionally restricted by option value
// patterns. Patterns use path.Match syntax.
type Rule struct {
	Command string            `json:"command" toml:"command"`
	Options map[string]string `json:"options,omitempty" toml:"options"`
}

func (r Rule) matches(command string, options map[string]string) bool {
	if ok, _ := path.Match(r.Command, command); !ok {
		return false
	}
	for key, pattern := range r.Options {
		v, present := options[key]
		if !present {
			return false
		}
		if ok, _ := path.Match(pattern, v); !ok {
			return false
		}
	}
	return true
}

// ACL is an ordered permission set. The zero value and nil deny everything.
type ACL struct {
	Rules []Rule
}

func New(rules ...Rule) *ACL {
	return &ACL{Rules: rules}
}

// Parse decodes the JSON list of rules carried by "commands/permitted".
func Parse(data []byte) (*ACL, error) {
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("acl: %w", err)
	}
	for i, r := range rules {
		if _, err := path.Match(r.Command, ""); err != nil || r.Command == "" {
			return nil, fmt.Errorf("acl: rule %d: bad command pattern %q", i, r.Command)
		}
	}
	return &ACL{Rules: rules}, nil
}

// JSON encodes the rules for transfer to a module server.
func (a *ACL) JSON() []byte {
	rules := []Rule{}
	if a != nil {
		rules = a.Rules
	}
	b, _ := json.Marshal(rules)
	return b
}

// Allowed reports whether command with options is permitted.
func (a *ACL) Allowed(command string, options map[string]string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Rules {
		if r.matches(command, options) {
			return true
		}
	}
	return false
}

// Permits reports whether any rule could allow command regardless of
// options; used for listing.
func (a *ACL) Permits(command string) bool {
	if a == nil {
		return false
	}
	return slices.ContainsFunc(a.Rules, func(r Rule) bool {
		ok, _ := path.Match(r.Command, command)
		return ok
	})
}

// Grant is a policy entry: rules granted to a set of users. "*" matches any
// authenticated user.
type Grant struct {
	Users []string `toml:"users"`
	Rules []Rule   `toml:"rules"`
}

// Policy maps users to their ACL.
type Policy struct {
	Grants []Grant
}

// For collects every rule granted to user.
func (p *Policy) For(user string) *ACL {
	out := &ACL{}
	if p == nil {
		return out
	}
	for _, g := range p.Grants {
		if slices.Contains(g.Users, user) || slices.Contains(g.Users, "*") {
			out.Rules = append(out.Rules, g.Rules...)
		}
	}
	return out
}
