package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/internal/observability"
	"github.com/upb/transport-identity/keycloak"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultLookahead is how close to expiry a token may get before it is
	// refreshed instead of handed out.
	DefaultLookahead = 30 * time.Second

	// DefaultRefreshTimeout bounds a single refresh call.
	DefaultRefreshTimeout = 10 * time.Second

	refreshKey = "refresh"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a session
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrMissingExpiry is returned for tokens that carry no usable expiry
	ErrMissingExpiry = errors.New("token has no expiry")

	// errSessionReplaced means the session a refresh started from was
	// logged out or replaced before the refresh finished.
	errSessionReplaced = errors.New("session replaced during refresh")
)

// Session is the client-held credential state.
type Session struct {
	AccessToken   string
	RefreshToken  string
	Expiry        time.Time
	Authenticated bool
	Claims        jwt.MapClaims
}

// UserInfo is the profile a backend returns alongside a custom token pair.
type UserInfo struct {
	Email       string   `json:"email"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	Roles       []string `json:"roles"`
	PrimaryRole string   `json:"primaryRole"`
}

// State is an immutable snapshot of the session for observers.
type State struct {
	Authenticated bool
	Subject       string
	Username      string
	Email         string
	FirstName     string
	LastName      string
	Roles         []string
	PrimaryRole   string
}

// HasRole reports whether the snapshot carries role.
func (s State) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithLookahead(d time.Duration) Option {
	return func(a *Adapter) { a.lookahead = d }
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.refreshTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter manages one identity session. It is safe for concurrent use.
type Adapter struct {
	provider       Provider
	redirector     Redirector
	lookahead      time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	normalizer     *keycloak.ClaimsNormalizer
	metrics        *observability.Metrics
	logger         *zap.Logger

	mu         sync.RWMutex
	session    Session
	info       *UserInfo
	state      State
	generation uint64

	refreshes singleflight.Group

	// subMu orders state changes with their publication; take it before mu.
	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// New creates an unauthenticated Adapter. Call Init to resume a session.
func New(provider Provider, redirector Redirector, opts ...Option) *Adapter {
	a := &Adapter{
		provider:       provider,
		redirector:     redirector,
		lookahead:      DefaultLookahead,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		logger:         zap.NewNop(),
		subs:           make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.redirector == nil {
		a.redirector = RedirectorFunc(func(context.Context, string) error { return nil })
	}
	a.normalizer = keycloak.NewClaimsNormalizer(a.logger)
	return a
}

// Init tries to establish a session without user interaction. It reports
// whether the adapter is authenticated afterwards and never fails.
func (a *Adapter) Init(ctx context.Context) bool {
	pair, err := a.provider.SilentSession(ctx)
	if err != nil {
		if errors.Is(err, keycloak.ErrNoSession) {
			a.logger.Debug("no session to resume")
		} else {
			a.logger.Warn("silent session check failed", zap.Error(err))
		}
		a.clear()
		return false
	}

	if err := a.install(pair, nil); err != nil {
		a.logger.Warn("provider returned an unusable token", zap.Error(err))
		a.clear()
		return false
	}
	return true
}

// Token returns a usable access token, refreshing it first when it is within
// the lookahead of expiry. It returns "" when there is no session or the
// refresh failed, in which case the session has been logged out.
func (a *Adapter) Token(ctx context.Context) string {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()

	if !s.Authenticated {
		return ""
	}
	if a.fresh(s) {
		return s.AccessToken
	}

	ch := a.refreshes.DoChan(refreshKey, func() (any, error) {
		return a.refresh(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return ""
		}
		return res.Val.(string)
	case <-ctx.Done():
		return ""
	}
}

func (a *Adapter) fresh(s Session) bool {
	return s.Expiry.After(a.now().Add(a.lookahead))
}

// refresh runs inside the single flight. It is detached from the caller's
// cancellation and bounded by refreshTimeout. The result is only installed
// if the session it started from is still current.
func (a *Adapter) refresh(ctx context.Context) (string, error) {
	a.mu.RLock()
	s := a.session
	info := a.info
	gen := a.generation
	a.mu.RUnlock()

	if !s.Authenticated {
		return "", ErrNotAuthenticated
	}
	// A flight that finished just before this one started already did the work.
	if a.fresh(s) {
		return s.AccessToken, nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.refreshTimeout)
	defer cancel()

	start := time.Now()
	pair, err := a.provider.Refresh(rctx, s.RefreshToken)
	if err == nil {
		err = a.apply(pair, info, &gen)
	}

	switch {
	case errors.Is(err, errSessionReplaced):
		a.logger.Info("session ended while refreshing, discarding new tokens")
		// The provider may have persisted the pair after Logout cleared it.
		if !a.State().Authenticated {
			if forgetErr := a.provider.Forget(rctx); forgetErr != nil {
				a.logger.Warn("failed to clear persisted session", zap.Error(forgetErr))
			}
		}
		return "", ErrNotAuthenticated

	case err != nil:
		a.metrics.RecordRefresh(observability.OutcomeFailure, time.Since(start))
		if a.currentGeneration() != gen {
			return "", err
		}
		a.logger.Warn("token refresh failed, logging out", zap.Error(err))
		if logoutErr := a.Logout(rctx); logoutErr != nil {
			a.logger.Warn("logout redirect failed", zap.Error(logoutErr))
		}
		return "", err
	}

	a.metrics.RecordRefresh(observability.OutcomeSuccess, time.Since(start))
	return pair.AccessToken, nil
}

func (a *Adapter) currentGeneration() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}

// Login sends the user agent to the hosted login page.
func (a *Adapter) Login(ctx context.Context) error {
	return a.redirector.Redirect(ctx, a.provider.LoginURL())
}

// CompleteLogin finishes a hosted login or registration with the code and
// state the provider redirected back with.
func (a *Adapter) CompleteLogin(ctx context.Context, code, state string) error {
	pair, err := a.provider.CompleteLogin(ctx, code, state)
	if err != nil {
		return fmt.Errorf("complete login: %w", err)
	}
	if err := a.install(pair, nil); err != nil {
		return fmt.Errorf("complete login: %w", err)
	}
	return nil
}

// Register sends the user agent to the hosted registration page.
func (a *Adapter) Register(ctx context.Context) error {
	return a.redirector.Redirect(ctx, a.provider.RegistrationURL())
}

// Logout drops the local session and any persisted tokens, then sends the
// user agent to the provider's logout page.
func (a *Adapter) Logout(ctx context.Context) error {
	a.clear()
	if err := a.provider.Forget(ctx); err != nil {
		a.logger.Warn("failed to clear persisted session", zap.Error(err))
	}
	return a.redirector.Redirect(ctx, a.provider.LogoutURL())
}

// SetCustomAuthTokens installs a token pair issued by the backend's own login
// endpoint. Expiry comes from the access token's exp claim; info's roles are
// added to the roles found in the token.
func (a *Adapter) SetCustomAuthTokens(accessToken, refreshToken string, info UserInfo) error {
	pair := &keycloak.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}
	if err := a.install(pair, &info); err != nil {
		return fmt.Errorf("set custom tokens: %w", err)
	}
	return nil
}

// HasRole reports whether the current session carries role.
func (a *Adapter) HasRole(role string) bool {
	return a.State().HasRole(role)
}

// PrimaryRole returns the highest-priority role of the session, or "".
func (a *Adapter) PrimaryRole() string {
	return a.State().PrimaryRole
}

// Session returns a copy of the raw session.
func (a *Adapter) Session() Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// State returns the current snapshot.
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Subscribe returns a channel that receives the current state immediately
// and every later change. Slow readers only see the latest state. The
// returned func unsubscribes and closes the channel.
func (a *Adapter) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	ch <- a.State()
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			close(ch)
			a.subMu.Unlock()
		})
	}
}

func (a *Adapter) install(pair *keycloak.TokenPair, info *UserInfo) error {
	return a.apply(pair, info, nil)
}

// apply installs pair. With a non-nil expect it only does so while the
// session generation still equals *expect.
func (a *Adapter) apply(pair *keycloak.TokenPair, info *UserInfo, expect *uint64) error {
	if pair == nil || pair.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", keycloak.ErrInvalidToken)
	}

	claims, err := keycloak.ParseUnverified(pair.AccessToken)
	if err != nil {
		return err
	}

	expiry := pair.Expiry
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}
	if expiry.IsZero() {
		return ErrMissingExpiry
	}

	identity := a.normalizer.Normalize(claims)
	if !identity.Authenticated() {
		return fmt.Errorf("%w: token has no subject", keycloak.ErrInvalidToken)
	}

	state := State{
		Authenticated: true,
		Subject:       identity.Subject,
		Username:      identity.PreferredUsername,
		Email:         identity.Email,
		FirstName:     identity.GivenName,
		LastName:      identity.FamilyName,
	}
	roles := identity.Roles.Clone()
	if info != nil {
		roles.Merge(authz.NewRoleSet(info.Roles...))
		if info.Email != "" {
			state.Email = info.Email
		}
		if info.FirstName != "" {
			state.FirstName = info.FirstName
		}
		if info.LastName != "" {
			state.LastName = info.LastName
		}
	}
	state.Roles = roles.Slice()
	state.PrimaryRole = authz.PrimaryRole(roles)

	a.subMu.Lock()
	defer a.subMu.Unlock()

	a.mu.Lock()
	if expect != nil && *expect != a.generation {
		a.mu.Unlock()
		return errSessionReplaced
	}
	a.generation++
	a.session = Session{
		AccessToken:   pair.AccessToken,
		RefreshToken:  pair.RefreshToken,
		Expiry:        expiry,
		Authenticated: true,
		Claims:        claims,
	}
	a.info = info
	a.state = state
	a.mu.Unlock()

	a.publishLocked(state)
	return nil
}

func (a *Adapter) clear() {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	a.mu.Lock()
	a.generation++
	a.session = Session{}
	a.info = nil
	a.state = State{}
	a.mu.Unlock()

	a.publishLocked(State{})
}

// publishLocked must be called with subMu held.
func (a *Adapter) publishLocked(st State) {
	for _, ch := range a.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
