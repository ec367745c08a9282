// Package policy implements the allow/block host gate.
//
// Rules are either exact hostnames ("example.com") or wildcard subdomain
// rules ("*.example.com"). Rule sets are built once at startup and never
// mutated afterwards, so the evaluator is safe to share across requests
// without locking.
package policy

import "strings"

// RuleSet is an ordered list of normalized host rules.
type RuleSet []string

// ParseRules normalizes a list of raw rules: trims whitespace, lower-cases,
// and drops empty entries.
func ParseRules(raw []string) RuleSet {
	rules := make(RuleSet, 0, len(raw))
	for _, r := range raw {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

// Matches reports whether host matches any rule in the set. A wildcard rule
// "*.suffix" matches hosts ending in ".suffix"; all other rules match by
// exact equality.
func (rs RuleSet) Matches(host string) bool {
	for _, rule := range rs {
		if strings.HasPrefix(rule, "*.") {
			if strings.HasSuffix(host, rule[1:]) {
				return true
			}
			continue
		}
		if host == rule {
			return true
		}
	}
	return false
}

// Evaluator decides whether a hostname may be fetched.
type Evaluator struct {
	allow RuleSet
	block RuleSet
}

// New builds an Evaluator from raw allow and block rule lists.
func New(allow, block []string) *Evaluator {
	return &Evaluator{
		allow: ParseRules(allow),
		block: ParseRules(block),
	}
}

// Allowed reports whether host may be fetched. Block rules always win; an
// empty allowlist admits every host that is not blocked, while a non-empty
// allowlist requires an explicit match.
func (e *Evaluator) Allowed(host string) bool {
	host = strings.ToLower(host)
	if e.block.Matches(host) {
		return false
	}
	if len(e.allow) > 0 && !e.allow.Matches(host) {
		return false
	}
	return true
}
