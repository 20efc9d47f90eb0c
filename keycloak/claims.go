package keycloak

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/transport-identity/internal/authz"
	"go.uber.org/zap"
)

// Claim names used by Keycloak access tokens.
const (
	ClaimRealmAccess       = "realm_access"
	ClaimResourceAccess    = "resource_access"
	ClaimSubject           = "sub"
	ClaimEmail             = "email"
	ClaimGivenName         = "given_name"
	ClaimFamilyName        = "family_name"
	ClaimPreferredUsername = "preferred_username"
)

var (
	// ErrMalformedClaim is returned when a role container cannot be parsed
	ErrMalformedClaim = errors.New("malformed role claim")

	// ErrInvalidClaimType is returned when a claim has an unexpected type
	ErrInvalidClaimType = errors.New("invalid claim type")
)

// ContainerState distinguishes a missing role container from a broken one.
type ContainerState int

const (
	ContainerAbsent ContainerState = iota
	ContainerMalformed
	ContainerPresent
)

func (s ContainerState) String() string {
	switch s {
	case ContainerAbsent:
		return "absent"
	case ContainerMalformed:
		return "malformed"
	case ContainerPresent:
		return "present"
	default:
		return fmt.Sprintf("ContainerState(%d)", int(s))
	}
}

// RoleContainer is the parse result of one `{"roles": [...]}` claim value.
// Err is set only when State is ContainerMalformed.
type RoleContainer struct {
	State ContainerState
	Roles []string
	Err   error
}

// ParseRoleContainer parses a single role container. The value may already be
// structured (as decoded by a JWT library), a JSON-encoded string, or raw JSON
// bytes. Non-string and empty role entries are ignored; a container whose
// "roles" member is not a list is malformed. A container without a "roles"
// member is present with no roles.
func ParseRoleContainer(v any) RoleContainer {
	obj, state, err := asObject(v)
	if state != ContainerPresent {
		return RoleContainer{State: state, Err: err}
	}

	raw, ok := obj["roles"]
	if !ok || raw == nil {
		return RoleContainer{State: ContainerPresent}
	}

	var roles []string
	switch list := raw.(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	case []string:
		for _, s := range list {
			if s != "" {
				roles = append(roles, s)
			}
		}
	default:
		return RoleContainer{
			State: ContainerMalformed,
			Err:   fmt.Errorf("%w: roles is %T, want list", ErrInvalidClaimType, raw),
		}
	}

	return RoleContainer{State: ContainerPresent, Roles: roles}
}

// ClientContainers is the parse result of a resource_access claim.
type ClientContainers struct {
	State   ContainerState
	Clients map[string]RoleContainer
	Err     error
}

// ParseClientContainers parses a resource_access claim keyed by client id.
// A malformed outer value yields ContainerMalformed; malformed entries inside
// an otherwise valid object are reported per client and do not affect the rest.
func ParseClientContainers(v any) ClientContainers {
	obj, state, err := asObject(v)
	if state != ContainerPresent {
		return ClientContainers{State: state, Err: err}
	}

	clients := make(map[string]RoleContainer, len(obj))
	for clientID, entry := range obj {
		clients[clientID] = ParseRoleContainer(entry)
	}
	return ClientContainers{State: ContainerPresent, Clients: clients}
}

// asObject coerces a claim value into a JSON object.
func asObject(v any) (map[string]any, ContainerState, error) {
	switch val := v.(type) {
	case nil:
		return nil, ContainerAbsent, nil
	case map[string]any:
		return val, ContainerPresent, nil
	case string:
		return decodeObject([]byte(val))
	case []byte:
		return decodeObject(val)
	case json.RawMessage:
		return decodeObject(val)
	default:
		return nil, ContainerMalformed, fmt.Errorf("%w: %T", ErrInvalidClaimType, v)
	}
}

func decodeObject(data []byte) (map[string]any, ContainerState, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, ContainerMalformed, fmt.Errorf("%w: %v", ErrMalformedClaim, err)
	}
	if obj == nil {
		return nil, ContainerMalformed, fmt.Errorf("%w: not an object", ErrMalformedClaim)
	}
	return obj, ContainerPresent, nil
}

// ClaimsNormalizer flattens realm and client role containers into the
// canonical role set. It holds no mutable state.
type ClaimsNormalizer struct {
	logger *zap.Logger
}

// NewClaimsNormalizer creates a normalizer. A nil logger disables logging.
func NewClaimsNormalizer(logger *zap.Logger) *ClaimsNormalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimsNormalizer{logger: logger}
}

// Normalize derives an Identity from an already-verified claim set.
// Empty claims (unauthenticated) yield nil. Malformed role containers are
// logged and skipped; they never fail normalization.
func (n *ClaimsNormalizer) Normalize(claims jwt.MapClaims) *authz.Identity {
	if len(claims) == 0 {
		return nil
	}

	identity := &authz.Identity{
		Subject:           stringClaim(claims, ClaimSubject),
		Email:             stringClaim(claims, ClaimEmail),
		GivenName:         stringClaim(claims, ClaimGivenName),
		FamilyName:        stringClaim(claims, ClaimFamilyName),
		PreferredUsername: stringClaim(claims, ClaimPreferredUsername),
		Roles:             authz.NewRoleSet(),
	}

	realm := ParseRoleContainer(claims[ClaimRealmAccess])
	switch realm.State {
	case ContainerPresent:
		identity.Roles.Merge(authz.NewRoleSet(realm.Roles...))
	case ContainerMalformed:
		n.logger.Debug("skipping malformed realm role claim",
			zap.String("sub", identity.Subject),
			zap.Error(realm.Err))
	}

	resource := ParseClientContainers(claims[ClaimResourceAccess])
	switch resource.State {
	case ContainerPresent:
		for clientID, c := range resource.Clients {
			if c.State == ContainerMalformed {
				n.logger.Debug("skipping malformed client role claim",
					zap.String("sub", identity.Subject),
					zap.String("client_id", clientID),
					zap.Error(c.Err))
				continue
			}
			identity.Roles.Merge(authz.NewRoleSet(c.Roles...))
		}
	case ContainerMalformed:
		n.logger.Debug("skipping malformed resource role claim",
			zap.String("sub", identity.Subject),
			zap.Error(resource.Err))
	}

	return identity
}

// NormalizeClaims is a convenience wrapper around a non-logging normalizer.
func NormalizeClaims(claims jwt.MapClaims) *authz.Identity {
	return NewClaimsNormalizer(nil).Normalize(claims)
}

// ParseUnverified decodes a JWT without checking its signature or lifetime.
// It is only suitable for tokens that were just received from the provider
// over TLS, or that the server verifies independently.
func ParseUnverified(tokenString string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if s, ok := claims[name].(string); ok {
		return s
	}
	return ""
}
