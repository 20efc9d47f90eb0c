package keycloak

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidAudience is returned when the token audience is invalid
	ErrInvalidAudience = errors.New("invalid audience")
)

// Validator verifies Keycloak access tokens. Signature, issuer and lifetime
// checks are delegated to go-oidc, which also caches the realm signing keys.
type Validator struct {
	verifier  *oidc.IDTokenVerifier
	audiences map[string]struct{}
	logger    *zap.Logger
}

// NewValidator discovers the realm's OIDC metadata and builds a validator.
func NewValidator(ctx context.Context, cfg Config, logger *zap.Logger) (*Validator, error) {
	cfg = cfg.withDefaults()
	ctx = oidc.ClientContext(ctx, cfg.newHTTPClient())

	provider, err := oidc.NewProvider(ctx, cfg.Issuer())
	if err != nil {
		return nil, fmt.Errorf("keycloak oidc discovery: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return newValidator(verifier, cfg, logger), nil
}

// NewValidatorWithKeySet builds a validator over a fixed key set, skipping
// discovery.
func NewValidatorWithKeySet(cfg Config, keySet oidc.KeySet, logger *zap.Logger) *Validator {
	cfg = cfg.withDefaults()
	verifier := oidc.NewVerifier(cfg.Issuer(), keySet, &oidc.Config{SkipClientIDCheck: true})
	return newValidator(verifier, cfg, logger)
}

func newValidator(verifier *oidc.IDTokenVerifier, cfg Config, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	audiences := make(map[string]struct{}, len(cfg.Audiences)+1)
	if cfg.ClientID != "" {
		audiences[cfg.ClientID] = struct{}{}
	}
	for _, a := range cfg.Audiences {
		audiences[a] = struct{}{}
	}
	return &Validator{verifier: verifier, audiences: audiences, logger: logger}
}

// ValidateToken verifies the bearer token and returns its raw claims.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := v.verifier.Verify(ctx, tokenString)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !v.acceptsAudience(token.Audience) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudience, token.Audience)
	}

	claims := jwt.MapClaims{}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}

	return claims, nil
}

func (v *Validator) acceptsAudience(audiences []string) bool {
	if len(v.audiences) == 0 {
		return true
	}
	for _, a := range audiences {
		if _, ok := v.audiences[a]; ok {
			return true
		}
	}
	return false
}
