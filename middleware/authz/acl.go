package authz

import "github.com/otero/cachefabric/pkg/utils"

// Effect is the outcome an ACL entry or Policy grants.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ACLEntry is one subject/resource/action/effect rule.
type ACLEntry struct {
	Subject  string // "*" matches any subject
	Resource string // glob, matched against the request path
	Action   string // "*" matches any action
	Effect   Effect
}

// ACLOrder selects which effect wins when both an allow and a deny entry
// match the same request.
type ACLOrder string

const (
	ACLDenyFirst  ACLOrder = "deny_first"
	ACLAllowFirst ACLOrder = "allow_first"
)

// ACLEngine evaluates a flat list of subject/resource/action rules.
type ACLEngine struct {
	entries []ACLEntry
	order   ACLOrder
}

// NewACLEngine builds an ACLEngine over entries, evaluated in the given
// order (default deny_first per spec §4.10).
func NewACLEngine(order ACLOrder, entries ...ACLEntry) *ACLEngine {
	if order == "" {
		order = ACLDenyFirst
	}
	return &ACLEngine{entries: entries, order: order}
}

// Allow reports whether subject may perform action on resource. With no
// matching entry, the default effect is deny.
func (e *ACLEngine) Allow(subject, resource, action string) bool {
	var matchedAllow, matchedDeny bool
	for _, entry := range e.entries {
		if !subjectMatches(entry.Subject, subject) {
			continue
		}
		if !actionMatches(entry.Action, action) {
			continue
		}
		ok, err := utils.MatchPattern(entry.Resource, resource)
		if err != nil || !ok {
			continue
		}
		if entry.Effect == EffectAllow {
			matchedAllow = true
		} else {
			matchedDeny = true
		}
	}

	if !matchedAllow && !matchedDeny {
		return false
	}
	if e.order == ACLAllowFirst {
		return matchedAllow
	}
	return matchedAllow && !matchedDeny
}

func subjectMatches(rule, subject string) bool {
	return rule == "*" || rule == subject
}

func actionMatches(rule, action string) bool {
	return rule == "*" || rule == action
}
