package authz

import "sort"

// Policy is one priority-ranked rule in the Policy engine: a set of
// simple key/value equality conditions evaluated against the request's
// UserData and path/method, with the highest-priority match winning.
type Policy struct {
	ID         string
	Name       string
	Conditions map[string]string
	Effect     Effect
	Priority   int // lower runs first, i.e. wins on tie with a later entry
}

// PolicyEngine evaluates a priority-ordered list of Policy rules.
type PolicyEngine struct {
	policies []Policy
}

// NewPolicyEngine builds a PolicyEngine over policies, sorted by priority
// ascending (ties keep their original order).
func NewPolicyEngine(policies ...Policy) *PolicyEngine {
	sorted := append([]Policy(nil), policies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &PolicyEngine{policies: sorted}
}

// Evaluate reports whether attrs (resolved request attributes such as
// "method", "path", "role") satisfies the highest-priority matching
// policy. With no match, the default effect is deny.
func (e *PolicyEngine) Evaluate(attrs map[string]string) bool {
	for _, p := range e.policies {
		if policyMatches(p, attrs) {
			return p.Effect == EffectAllow
		}
	}
	return false
}

func policyMatches(p Policy, attrs map[string]string) bool {
	for key, want := range p.Conditions {
		if got, ok := attrs[key]; !ok || got != want {
			return false
		}
	}
	return true
}
