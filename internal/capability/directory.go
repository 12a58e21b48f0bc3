// Package capability is the role directory: it canonicalizes role identifiers
// at the system boundary and answers role and capability checks.
package capability

import (
	"github.com/pitabwire/stepflow/model"
)

// Canonicalize parses raw role identifiers into a deduplicated, sorted slice
// of canonical roles. Any value outside the enumeration fails the whole call
// with a VALIDATION_ERROR.
func Canonicalize(raw []string) ([]model.Role, error) {
	set := make(model.RoleSet, len(raw))
	for _, r := range raw {
		role, err := model.ParseRole(r)
		if err != nil {
			return nil, err
		}
		set[role] = struct{}{}
	}
	return set.Slice(), nil
}

// CanonicalizeLenient is Canonicalize for untrusted identity claims: unknown
// roles are dropped instead of failing, since an identity provider may issue
// roles this engine does not know about.
func CanonicalizeLenient(raw []string) []model.Role {
	set := make(model.RoleSet, len(raw))
	for _, r := range raw {
		if role, err := model.ParseRole(r); err == nil {
			set[role] = struct{}{}
		}
	}
	return set.Slice()
}

// CanAccess reports whether an actor holding actorRoles satisfies a
// requirement of requiredRoles. An empty requirement is always satisfied;
// otherwise the two sets must intersect. It is pure and total.
func CanAccess(actorRoles, requiredRoles []model.Role) bool {
	if len(requiredRoles) == 0 {
		return true
	}
	held := model.NewRoleSet(actorRoles...)
	for _, r := range requiredRoles {
		if held.Has(r) {
			return true
		}
	}
	return false
}

// Directory maps roles to administrative capabilities. A Directory is
// immutable once built and safe for concurrent use.
type Directory struct {
	grants map[model.Role]model.CapabilitySet
}

// DefaultPolicy grants every capability to ADMIN and instance resolution to
// MANAGER.
func DefaultPolicy() map[model.Role][]string {
	return map[model.Role][]string{
		model.RoleAdmin:   {"*"},
		model.RoleManager: {model.CapInstanceResolve},
	}
}

// NewDirectory builds a Directory from a role to capability mapping.
func NewDirectory(policy map[model.Role][]string) *Directory {
	grants := make(map[model.Role]model.CapabilitySet, len(policy))
	for role, caps := range policy {
		set := make(model.CapabilitySet, len(caps))
		for _, c := range caps {
			set[c] = true
		}
		grants[role] = set
	}
	return &Directory{grants: grants}
}

// Capabilities returns the union of capabilities granted to roles.
func (d *Directory) Capabilities(roles []model.Role) model.CapabilitySet {
	caps := make(model.CapabilitySet)
	for _, r := range roles {
		for c := range d.grants[r] {
			caps[c] = true
		}
	}
	return caps
}

// Allows reports whether the union of capabilities granted to roles covers
// capability, wildcard grants included.
func (d *Directory) Allows(roles []model.Role, capability string) bool {
	return d.Capabilities(roles).Has(capability)
}
