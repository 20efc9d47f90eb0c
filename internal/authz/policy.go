package authz

import (
	"errors"
	"fmt"
)

// Policy names referenced by protected operations.
const (
	PolicyAdminOnly        = "AdminOnly"
	PolicyManagerOnly      = "ManagerOnly"
	PolicyDriverOnly       = "DriverOnly"
	PolicyAdminOrManager   = "AdminOrManager"
	PolicyAllAuthenticated = "AllAuthenticated"
)

// ErrUnknownPolicy is returned when a policy name is not registered.
var ErrUnknownPolicy = errors.New("unknown policy")

// Policy maps a name to the roles that satisfy it. A request satisfies the
// policy when the identity holds at least one role of AnyOf. When
// AuthenticatedOnly is set, any authenticated identity satisfies it.
type Policy struct {
	Name              string
	AnyOf             RoleSet
	AuthenticatedOnly bool
}

// RequireAnyRole builds a policy satisfied by any of the given roles.
func RequireAnyRole(name string, roles ...string) Policy {
	return Policy{Name: name, AnyOf: NewRoleSet(roles...)}
}

// RequireAuthenticated builds a policy with no role check.
func RequireAuthenticated(name string) Policy {
	return Policy{Name: name, AuthenticatedOnly: true}
}

// DefaultPolicies returns the policy table used by the API.
func DefaultPolicies() []Policy {
	return []Policy{
		RequireAnyRole(PolicyAdminOnly, RoleAdmin),
		RequireAnyRole(PolicyManagerOnly, RoleManager),
		RequireAnyRole(PolicyDriverOnly, RoleDriver),
		RequireAnyRole(PolicyAdminOrManager, RoleAdmin, RoleManager),
		RequireAuthenticated(PolicyAllAuthenticated),
	}
}

// Outcome is the result category of a policy evaluation.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeForbidden       Outcome = "forbidden"
)

// Decision represents the result of evaluating one policy.
type Decision struct {
	Outcome Outcome
	Policy  string
	Reason  string
}

// Allowed reports whether the protected operation may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Engine evaluates named policies against a normalized identity.
// The policy table is fixed at construction, so an Engine is safe for
// concurrent use without locking.
type Engine struct {
	policies map[string]Policy
}

// NewEngine creates an engine over the given policies, or DefaultPolicies
// when none are supplied. A later policy with the same name replaces an
// earlier one.
func NewEngine(policies ...Policy) *Engine {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	e := &Engine{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		p.AnyOf = p.AnyOf.Clone()
		e.policies[p.Name] = p
	}
	return e
}

// Policy looks up a registered policy by name.
func (e *Engine) Policy(name string) (Policy, bool) {
	p, ok := e.policies[name]
	return p, ok
}

// Evaluate decides whether identity satisfies the named policy.
// A nil or subject-less identity is unauthenticated regardless of the policy.
// Unknown policy names fail closed with ErrUnknownPolicy and a forbidden
// decision.
func (e *Engine) Evaluate(identity *Identity, name string) (Decision, error) {
	p, ok := e.policies[name]
	if !ok {
		return Decision{Outcome: OutcomeForbidden, Policy: name, Reason: "unknown policy"},
			fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}

	if !identity.Authenticated() {
		return Decision{Outcome: OutcomeUnauthenticated, Policy: name, Reason: "no session"}, nil
	}

	if p.AuthenticatedOnly {
		return Decision{Outcome: OutcomeAllow, Policy: name}, nil
	}

	if !identity.Roles.Intersects(p.AnyOf) {
		return Decision{
			Outcome: OutcomeForbidden,
			Policy:  name,
			Reason:  fmt.Sprintf("requires one of %v", p.AnyOf.Slice()),
		}, nil
	}

	return Decision{Outcome: OutcomeAllow, Policy: name}, nil
}
