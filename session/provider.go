package session

import (
	"context"

	"github.com/upb/transport-identity/keycloak"
)

// Provider is the identity provider as seen by the Adapter.
// keycloak.HostedFlow implements it.
type Provider interface {
	SilentSession(ctx context.Context) (*keycloak.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*keycloak.TokenPair, error)
	Forget(ctx context.Context) error
	CompleteLogin(ctx context.Context, code, state string) (*keycloak.TokenPair, error)
	LoginURL() string
	RegistrationURL() string
	LogoutURL() string
}

// Redirector navigates the user agent to target.
type Redirector interface {
	Redirect(ctx context.Context, target string) error
}

// RedirectorFunc adapts a function to Redirector.
type RedirectorFunc func(ctx context.Context, target string) error

func (f RedirectorFunc) Redirect(ctx context.Context, target string) error {
	return f(ctx, target)
}

var _ Provider = (*keycloak.HostedFlow)(nil)
