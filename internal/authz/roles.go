package authz

import "sort"

// Role names as configured in the identity provider realm.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleDriver  = "driver"
)

// rolePriority is the order used to pick a primary role.
var rolePriority = []string{RoleAdmin, RoleManager, RoleDriver}

// KnownRole reports whether role is one of the realm roles this system assigns.
func KnownRole(role string) bool {
	for _, r := range rolePriority {
		if r == role {
			return true
		}
	}
	return false
}

// RoleSet is an unordered, deduplicated set of role names.
type RoleSet map[string]struct{}

// NewRoleSet builds a set from the given names, skipping empty strings.
func NewRoleSet(roles ...string) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s.Add(r)
	}
	return s
}

// Add inserts role and reports whether it was not already present.
func (s RoleSet) Add(role string) bool {
	if role == "" {
		return false
	}
	if _, ok := s[role]; ok {
		return false
	}
	s[role] = struct{}{}
	return true
}

// Merge adds every role of other to s.
func (s RoleSet) Merge(other RoleSet) {
	for r := range other {
		s[r] = struct{}{}
	}
}

// Has reports whether role is in the set.
func (s RoleSet) Has(role string) bool {
	_, ok := s[role]
	return ok
}

// Intersects reports whether the two sets share at least one role.
func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for r := range small {
		if large.Has(r) {
			return true
		}
	}
	return false
}

// Len returns the number of roles.
func (s RoleSet) Len() int {
	return len(s)
}

// Slice returns the roles sorted alphabetically.
func (s RoleSet) Slice() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s RoleSet) Clone() RoleSet {
	out := make(RoleSet, len(s))
	out.Merge(s)
	return out
}

// PrimaryRole picks a single role by fixed priority (admin, manager, driver).
// It is meant for UI routing only and must never gate access.
func PrimaryRole(roles RoleSet) string {
	for _, r := range rolePriority {
		if roles.Has(r) {
			return r
		}
	}
	return ""
}
