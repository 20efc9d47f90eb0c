package keycloak

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrNoSession is returned when no persisted session can be resumed.
var ErrNoSession = errors.New("no session")

// TokenStore persists the client's token pair between runs.
type TokenStore interface {
	Load(ctx context.Context) (*TokenPair, error)
	Save(ctx context.Context, pair *TokenPair) error
	Clear(ctx context.Context) error
}

// HostedFlowOptions configures the browser-facing URLs.
type HostedFlowOptions struct {
	// AppOrigin is the client origin, e.g. http://localhost:4200. Login and
	// registration return to AppOrigin + LandingPath; logout returns to AppOrigin.
	AppOrigin   string
	LandingPath string
	Store       TokenStore

	// Requests holds pending logins. When nil, Store is used if it
	// implements AuthRequestStore, otherwise an in-process store.
	Requests AuthRequestStore
}

// HostedFlow drives Keycloak's hosted login, registration and logout pages
// for a public client and keeps the resulting tokens fresh.
type HostedFlow struct {
	cfg          Config
	oauth        *oauth2.Config
	registration *oauth2.Config
	endSession   string
	origin       string
	store        TokenStore
	requests     AuthRequestStore
	client       *http.Client
	logger       *zap.Logger
}

// NewHostedFlow discovers the realm endpoints and builds the flow.
func NewHostedFlow(ctx context.Context, cfg Config, opts HostedFlowOptions, logger *zap.Logger) (*HostedFlow, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AppOrigin == "" {
		return nil, errors.New("hosted flow: app origin is required")
	}
	if opts.LandingPath == "" {
		opts.LandingPath = "/dashboard"
	}

	client := cfg.newHTTPClient()
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.Issuer())
	if err != nil {
		return nil, fmt.Errorf("keycloak oidc discovery: %w", err)
	}

	var meta struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("keycloak discovery metadata: %w", err)
	}

	origin := strings.TrimSuffix(opts.AppOrigin, "/")
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  origin + opts.LandingPath,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	requests := opts.Requests
	if requests == nil {
		if rs, ok := opts.Store.(AuthRequestStore); ok {
			requests = rs
		} else {
			requests = NewMemoryAuthRequests()
		}
	}

	registration := *conf
	registration.Endpoint.AuthURL = strings.TrimSuffix(endpoint.AuthURL, "/auth") + "/registrations"

	return &HostedFlow{
		cfg:          cfg,
		oauth:        conf,
		registration: &registration,
		endSession:   meta.EndSession,
		origin:       origin,
		store:        opts.Store,
		requests:     requests,
		client:       client,
		logger:       logger,
	}, nil
}

// LoginURL returns the hosted login page URL. Each call starts a new pending
// login with its own state and PKCE verifier.
func (f *HostedFlow) LoginURL() string {
	return f.authCodeURL(f.oauth)
}

// RegistrationURL returns the hosted self-registration page URL. It
// completes through CompleteLogin like a login.
func (f *HostedFlow) RegistrationURL() string {
	return f.authCodeURL(f.registration)
}

func (f *HostedFlow) authCodeURL(conf *oauth2.Config) string {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.requests.SaveAuthRequest(ctx, state, verifier); err != nil {
		f.logger.Warn("failed to save pending login, it cannot be completed", zap.Error(err))
	}
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// LogoutURL returns the end-session URL that lands back on the app origin.
func (f *HostedFlow) LogoutURL() string {
	if f.endSession == "" {
		return f.origin
	}
	q := url.Values{}
	q.Set("client_id", f.cfg.ClientID)
	q.Set("post_logout_redirect_uri", f.origin)
	return f.endSession + "?" + q.Encode()
}

// CompleteLogin exchanges the authorization code the hosted page returned.
// state must be one issued by LoginURL or RegistrationURL and not used yet.
func (f *HostedFlow) CompleteLogin(ctx context.Context, code, state string) (*TokenPair, error) {
	if code == "" || state == "" {
		return nil, fmt.Errorf("%w: code and state are required", ErrAuthenticationFailed)
	}
	verifier, err := f.requests.TakeAuthRequest(ctx, state)
	if err != nil {
		if errors.Is(err, ErrUnknownState) {
			return nil, err
		}
		return nil, fmt.Errorf("load pending login: %w", err)
	}

	tok, err := f.oauth.Exchange(f.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	pair := tokenPairFromOAuth2(tok)
	f.persist(ctx, pair)
	return pair, nil
}

// SilentSession resumes a persisted session, if any, by refreshing it. The
// refresh doubles as a check that the SSO session is still alive.
func (f *HostedFlow) SilentSession(ctx context.Context) (*TokenPair, error) {
	if f.store == nil {
		return nil, ErrNoSession
	}
	pair, err := f.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if pair == nil || pair.RefreshToken == "" {
		return nil, ErrNoSession
	}
	return f.Refresh(ctx, pair.RefreshToken)
}

// Refresh trades a refresh token for a new token pair.
func (f *HostedFlow) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrAuthenticationFailed)
	}

	src := f.oauth.TokenSource(f.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		f.logger.Info("token refresh rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	pair := tokenPairFromOAuth2(tok)
	f.persist(ctx, pair)
	return pair, nil
}

// Forget drops any persisted session.
func (f *HostedFlow) Forget(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	return f.store.Clear(ctx)
}

func (f *HostedFlow) persist(ctx context.Context, pair *TokenPair) {
	if f.store == nil {
		return
	}
	if err := f.store.Save(ctx, pair); err != nil {
		f.logger.Warn("failed to persist session", zap.Error(err))
	}
}

// httpContext carries the flow's HTTP client on the caller's context.
func (f *HostedFlow) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.client)
}
