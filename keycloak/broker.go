package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var (
	// ErrAuthenticationFailed is returned when a password grant cannot be completed
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAccountCreation is returned when the identity provider rejects a new account
	ErrAccountCreation = errors.New("account creation failed")

	// ErrRoleAssignment is returned when a role cannot be mapped to an account
	ErrRoleAssignment = errors.New("role assignment failed")

	// ErrAdminToken is returned when the administrative token cannot be obtained
	ErrAdminToken = errors.New("admin token request failed")
)

// userScopes are requested on the user password grant.
var userScopes = []string{"openid", "profile", "email"}

// Account describes an account to provision.
type Account struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
}

// ProvisionResult is returned by a fully successful ProvisionAccount.
type ProvisionResult struct {
	SubjectID string
	Role      string
}

// PartialProvisionError reports an account that was created but could not be
// given its role. RolledBack tells whether the account was deleted again.
type PartialProvisionError struct {
	SubjectID  string
	RolledBack bool
	Err        error
}

func (e *PartialProvisionError) Error() string {
	state := "left in place"
	if e.RolledBack {
		state = "rolled back"
	}
	return fmt.Sprintf("account %s created but %v (%s)", e.SubjectID, e.Err, state)
}

func (e *PartialProvisionError) Unwrap() error {
	return e.Err
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithHTTPClient overrides the HTTP client used for all calls.
func WithHTTPClient(client *http.Client) BrokerOption {
	return func(b *Broker) {
		b.client = client
	}
}

// WithRollbackOnRoleFailure controls whether an account whose role assignment
// fails is deleted again. Enabled by default.
func WithRollbackOnRoleFailure(enabled bool) BrokerOption {
	return func(b *Broker) {
		b.rollback = enabled
	}
}

// Broker exchanges user credentials for tokens and provisions accounts through
// the Keycloak admin API. A fresh admin token is obtained for every
// administrative call.
type Broker struct {
	cfg      Config
	client   *http.Client
	rollback bool
	logger   *zap.Logger
}

// NewBroker creates a credential broker.
func NewBroker(cfg Config, logger *zap.Logger, opts ...BrokerOption) *Broker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		cfg:      cfg,
		client:   cfg.newHTTPClient(),
		rollback: true,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ExchangeForToken performs a password grant for the given user. It never
// retries; every failure wraps ErrAuthenticationFailed.
func (b *Broker) ExchangeForToken(ctx context.Context, identifier, secret string) (*TokenPair, error) {
	if identifier == "" || secret == "" {
		return nil, fmt.Errorf("%w: missing credentials", ErrAuthenticationFailed)
	}

	if _, err := b.adminToken(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	conf := &oauth2.Config{
		ClientID:     b.cfg.ClientID,
		ClientSecret: b.cfg.ClientSecret,
		Scopes:       userScopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  b.cfg.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	tok, err := conf.PasswordCredentialsToken(b.oauthContext(ctx), identifier, secret)
	if err != nil {
		b.logger.Info("password grant rejected",
			zap.String("username", identifier),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	return tokenPairFromOAuth2(tok), nil
}

// ProvisionAccount creates an enabled, email-verified account with a
// permanent password and maps the requested realm role to it.
func (b *Broker) ProvisionAccount(ctx context.Context, acct Account) (*ProvisionResult, error) {
	if acct.Email == "" || acct.Password == "" || acct.Role == "" {
		return nil, fmt.Errorf("%w: email, password and role are required", ErrAccountCreation)
	}

	subjectID, err := b.createUser(ctx, acct)
	if err != nil {
		return nil, err
	}

	logger := b.logger.With(zap.String("sub", subjectID), zap.String("role", acct.Role))

	if err := b.assignRealmRole(ctx, subjectID, acct.Role); err != nil {
		partial := &PartialProvisionError{SubjectID: subjectID, Err: err}
		if !b.rollback {
			logger.Error("account left without role", zap.Error(err))
			return nil, partial
		}
		if delErr := b.deleteUser(ctx, subjectID); delErr != nil {
			logger.Error("rollback of partially provisioned account failed",
				zap.Error(err),
				zap.NamedError("rollback_error", delErr),
			)
			return nil, partial
		}
		partial.RolledBack = true
		logger.Warn("rolled back account after role assignment failure", zap.Error(err))
		return nil, partial
	}

	logger.Info("account provisioned")
	return &ProvisionResult{SubjectID: subjectID, Role: acct.Role}, nil
}

// RemoveAccount deletes a provisioned account. A missing account is not an
// error.
func (b *Broker) RemoveAccount(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return fmt.Errorf("%w: empty subject", ErrAccountCreation)
	}
	if err := b.deleteUser(ctx, subjectID); err != nil {
		return fmt.Errorf("remove account %s: %w", subjectID, err)
	}
	b.logger.Info("account removed", zap.String("sub", subjectID))
	return nil
}

type credentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type userRepresentation struct {
	Username      string                     `json:"username"`
	Email         string                     `json:"email"`
	FirstName     string                     `json:"firstName"`
	LastName      string                     `json:"lastName"`
	Enabled       bool                       `json:"enabled"`
	EmailVerified bool                       `json:"emailVerified"`
	Credentials   []credentialRepresentation `json:"credentials"`
}

type roleRepresentation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (b *Broker) createUser(ctx context.Context, acct Account) (string, error) {
	token, err := b.adminToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccountCreation, err)
	}

	body := userRepresentation{
		Username:      acct.Email,
		Email:         acct.Email,
		FirstName:     acct.FirstName,
		LastName:      acct.LastName,
		Enabled:       true,
		EmailVerified: true,
		Credentials: []credentialRepresentation{
			{Type: "password", Value: acct.Password, Temporary: false},
		},
	}

	resp, err := b.adminRequest(ctx, token, http.MethodPost, b.cfg.AdminAPIURL()+"/users", body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccountCreation, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: %s", ErrAccountCreation, statusError(resp))
	}

	subjectID := subjectFromLocation(resp.Header.Get("Location"))
	if subjectID == "" {
		return "", fmt.Errorf("%w: response carried no account location", ErrAccountCreation)
	}
	return subjectID, nil
}

func (b *Broker) assignRealmRole(ctx context.Context, subjectID, roleName string) error {
	token, err := b.adminToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoleAssignment, err)
	}

	resp, err := b.adminRequest(ctx, token, http.MethodGet,
		b.cfg.AdminAPIURL()+"/roles/"+url.PathEscape(roleName), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoleAssignment, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer drain(resp)
		return fmt.Errorf("%w: lookup role %q: %s", ErrRoleAssignment, roleName, statusError(resp))
	}
	var role roleRepresentation
	err = json.NewDecoder(resp.Body).Decode(&role)
	drain(resp)
	if err != nil {
		return fmt.Errorf("%w: decode role %q: %v", ErrRoleAssignment, roleName, err)
	}

	mappingURL := b.cfg.AdminAPIURL() + "/users/" + url.PathEscape(subjectID) + "/role-mappings/realm"
	resp, err = b.adminRequest(ctx, token, http.MethodPost, mappingURL, []roleRepresentation{role})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoleAssignment, err)
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: map role %q: %s", ErrRoleAssignment, roleName, statusError(resp))
	}
	return nil
}

func (b *Broker) deleteUser(ctx context.Context, subjectID string) error {
	token, err := b.adminToken(ctx)
	if err != nil {
		return err
	}

	resp, err := b.adminRequest(ctx, token, http.MethodDelete,
		b.cfg.AdminAPIURL()+"/users/"+url.PathEscape(subjectID), nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return errors.New(statusError(resp))
	}
	return nil
}

func (b *Broker) adminToken(ctx context.Context) (string, error) {
	conf := &oauth2.Config{
		ClientID: b.cfg.AdminClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  b.cfg.AdminTokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	tok, err := conf.PasswordCredentialsToken(b.oauthContext(ctx), b.cfg.AdminUsername, b.cfg.AdminPassword)
	if err != nil {
		b.logger.Error("admin token request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAdminToken, err)
	}
	return tok.AccessToken, nil
}

func (b *Broker) adminRequest(ctx context.Context, token, method, target string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return b.client.Do(req)
}

func (b *Broker) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.client)
}

func subjectFromLocation(location string) string {
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}
	id := path.Base(strings.TrimSuffix(location, "/"))
	if id == "." || id == "/" {
		return ""
	}
	return id
}

func statusError(resp *http.Response) string {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(bytes.TrimSpace(msg)) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(msg))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
