package model

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a canonical role identifier from a closed enumeration.
type Role string

// Known roles.
const (
	RoleAdmin      Role = "ADMIN"
	RoleBackoffice Role = "BACKOFFICE"
	RoleManager    Role = "MANAGER"
	RoleFinance    Role = "FINANCE"
	RoleQuality    Role = "QUALITY"
	RoleSeller     Role = "SELLER"
)

// AllRoles lists every role in the enumeration.
var AllRoles = []Role{RoleAdmin, RoleBackoffice, RoleManager, RoleFinance, RoleQuality, RoleSeller}

// Decorative markers that may wrap a role identifier at the system boundary.
const (
	rolePrefix = "ROLE_"
	roleSuffix = "_ROLE"
)

// ParseRole canonicalizes a raw role identifier. It trims whitespace,
// upper-cases, and strips a "ROLE_" prefix or "_ROLE" suffix. Values outside
// the enumeration return a VALIDATION_ERROR.
func ParseRole(raw string) (Role, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, rolePrefix)
	s = strings.TrimSuffix(s, roleSuffix)

	r := Role(s)
	if !r.Valid() {
		return "", NewFieldValidationError("role", "INVALID_ENUM",
			fmt.Sprintf("unknown role %q", raw))
	}
	return r, nil
}

// Valid reports whether r is a member of the enumeration.
func (r Role) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// String returns the canonical form.
func (r Role) String() string { return string(r) }

// RoleSet is a set of canonical roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Has reports whether the set contains r.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Slice returns the roles sorted in canonical string order.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
