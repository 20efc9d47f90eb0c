package authz

// Identity is the normalized, per-request view of an authenticated principal.
// It is derived from token claims and never persisted.
type Identity struct {
	Subject           string
	Email             string
	GivenName         string
	FamilyName        string
	PreferredUsername string
	Roles             RoleSet
}

// Authenticated reports whether the identity carries a subject.
func (i *Identity) Authenticated() bool {
	return i != nil && i.Subject != ""
}

// HasRole checks if the identity has a specific role
func (i *Identity) HasRole(role string) bool {
	return i != nil && i.Roles.Has(role)
}

// HasAnyRole checks if the identity has any of the specified roles
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if i.HasRole(r) {
			return true
		}
	}
	return false
}

// PrimaryRole returns the highest-priority role held by the identity.
func (i *Identity) PrimaryRole() string {
	if i == nil {
		return ""
	}
	return PrimaryRole(i.Roles)
}
