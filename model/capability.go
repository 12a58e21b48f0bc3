package model

import "strings"

// Administrative capabilities checked by the engine.
const (
	CapTaskCancel        = "task:cancel"
	CapInstanceResolve   = "instance:resolve"
	CapInstanceCancel    = "instance:cancel"
	CapInstanceReconcile = "instance:reconcile"
	CapDefinitionPublish = "definition:publish"
)

// CapabilitySet is a set of capabilities granted to a role. Each key is a
// capability string (e.g. "instance:resolve") and may include wildcards
// (e.g. "instance:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"          matches anything
//	"instance:*" matches "instance:resolve"
//	"instance"   does NOT match "instance:resolve"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}
