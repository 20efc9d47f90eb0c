package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/transport-identity/apiclient"
	"github.com/upb/transport-identity/config"
	"github.com/upb/transport-identity/keycloak"
	"github.com/upb/transport-identity/routeguard"
	"github.com/upb/transport-identity/services"
	"github.com/upb/transport-identity/session"
	"github.com/upb/transport-identity/utils"
	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

type client struct {
	cfg     *config.Config
	in      io.Reader
	out     io.Writer
	logger  *zap.Logger
	redis   redis.UniversalClient
	store   keycloak.TokenStore
	adapter *session.Adapter
	http    *http.Client
	guard   *routeguard.Guard
}

func newClient(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *zap.Logger) (*client, error) {
	c := &client{cfg: cfg, in: in, out: out, logger: logger}

	if err := c.initStore(ctx); err != nil {
		return nil, err
	}

	flow, err := keycloak.NewHostedFlow(ctx, cfg.KeycloakSettings(), keycloak.HostedFlowOptions{
		AppOrigin:   cfg.Client.AppOrigin,
		LandingPath: cfg.Client.LandingPath,
		Store:       c.store,
	}, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	redirector := session.RedirectorFunc(func(_ context.Context, target string) error {
		_, err := fmt.Fprintf(c.out, "open %s\n", target)
		return err
	})
	c.adapter = session.New(flow, redirector,
		session.WithLookahead(cfg.Client.RefreshLookahead),
		session.WithRefreshTimeout(cfg.Client.RefreshTimeout),
		session.WithLogger(logger))

	c.http, err = apiclient.NewClient(c.adapter, cfg.Client.APIBaseURL, requestTimeout)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	c.guard = routeguard.New(c.adapter)
	return c, nil
}

func (c *client) initStore(ctx context.Context) error {
	if c.cfg.Redis.Addr == "" {
		c.store = session.NewMemoryTokenStore()
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	store, err := session.NewRedisTokenStore(rdb, c.cfg.Redis.SessionKey, c.cfg.Redis.SessionTTL)
	if err != nil {
		_ = rdb.Close()
		return err
	}
	c.redis = rdb
	c.store = store
	return nil
}

func (c *client) Close() {
	if c.redis != nil {
		_ = c.redis.Close()
		c.redis = nil
	}
}

func (c *client) dispatch(ctx context.Context, command string, args []string, opts options) error {
	switch command {
	case "login":
		if opts.code != "" || opts.callback != "" {
			if err := c.completeHosted(ctx, opts.code, opts.state, opts.callback); err != nil {
				return err
			}
			return c.printSignedIn()
		}
		ok, err := c.ensureSession(ctx, opts)
		if err != nil {
			return err
		}
		if !ok {
			return c.hostedFlow(ctx, c.adapter.Login)
		}
		return c.printSignedIn()

	case "register":
		return c.hostedFlow(ctx, c.adapter.Register)

	case "whoami":
		return c.authenticatedGet(ctx, opts, "/api/profile/me")

	case "get":
		if len(args) != 1 {
			return errors.New("get needs exactly one path")
		}
		return c.authenticatedGet(ctx, opts, args[0])

	case "can":
		if len(args) != 1 {
			return errors.New("can needs exactly one route")
		}
		if _, err := c.ensureSession(ctx, opts); err != nil {
			return err
		}
		decision := c.guard.CheckPath(routeguard.DefaultTable(), args[0])
		_, err := fmt.Fprintln(c.out, decision)
		return err

	case "logout":
		c.adapter.Init(ctx)
		return c.adapter.Logout(ctx)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *client) printSignedIn() error {
	st := c.adapter.State()
	_, err := fmt.Fprintf(c.out, "signed in as %s (%s)\n", st.Email, st.PrimaryRole)
	return err
}

// hostedFlow prints the hosted page URL, then waits for the URL the browser
// was redirected to. Empty input leaves the login pending.
func (c *client) hostedFlow(ctx context.Context, start func(context.Context) error) error {
	if err := start(ctx); err != nil {
		return err
	}
	if c.in == nil {
		return nil
	}
	if _, err := fmt.Fprintln(c.out, "paste the URL you were redirected to:"); err != nil {
		return err
	}

	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read redirect URL: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if err := c.completeHosted(ctx, "", "", line); err != nil {
		return err
	}
	return c.printSignedIn()
}

// completeHosted exchanges the code of a hosted login. callback, when set,
// is the redirect URL carrying code and state.
func (c *client) completeHosted(ctx context.Context, code, state, callback string) error {
	if callback != "" {
		u, err := url.Parse(callback)
		if err != nil {
			return fmt.Errorf("invalid callback URL: %w", err)
		}
		q := u.Query()
		if e := q.Get("error"); e != "" {
			return fmt.Errorf("hosted login failed: %s", e)
		}
		code, state = q.Get("code"), q.Get("state")
	}
	if code == "" || state == "" {
		return errors.New("hosted login needs both code and state")
	}
	return c.adapter.CompleteLogin(ctx, code, state)
}

// ensureSession resumes a stored session or, with credentials, signs in
// through the API. It reports whether a session is active.
func (c *client) ensureSession(ctx context.Context, opts options) (bool, error) {
	if c.adapter.Init(ctx) {
		return true, nil
	}
	if opts.email == "" {
		return false, nil
	}
	if err := c.passwordLogin(ctx, opts.email, opts.password); err != nil {
		return false, err
	}
	return true, nil
}

func (c *client) passwordLogin(ctx context.Context, email, password string) error {
	body, err := json.Marshal(services.LoginRequest{Email: email, Password: password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/api/auth/login"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var envelope struct {
		Data services.LoginResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("invalid login response: %w", err)
	}
	login := envelope.Data

	info := session.UserInfo{
		Email:       login.UserInfo.Email,
		FirstName:   login.UserInfo.FirstName,
		LastName:    login.UserInfo.LastName,
		Roles:       login.UserInfo.Roles,
		PrimaryRole: login.UserInfo.PrimaryRole,
	}
	if err := c.adapter.SetCustomAuthTokens(login.AccessToken, login.RefreshToken, info); err != nil {
		return err
	}

	pair := &keycloak.TokenPair{
		AccessToken:  login.AccessToken,
		RefreshToken: login.RefreshToken,
		TokenType:    login.TokenType,
		ExpiresIn:    login.ExpiresIn,
		Expiry:       c.adapter.Session().Expiry,
	}
	if err := c.store.Save(ctx, pair); err != nil {
		c.logger.Warn("failed to persist session", zap.Error(err))
	}
	return nil
}

func (c *client) authenticatedGet(ctx context.Context, opts options, path string) error {
	ok, err := c.ensureSession(ctx, opts)
	if err != nil {
		return err
	}
	if !ok {
		return session.ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp)
	}

	var pretty bytes.Buffer
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = c.out.Write(raw)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(c.out)
	return err
}

func (c *client) apiURL(path string) string {
	return strings.TrimSuffix(c.cfg.Client.APIBaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// apiError turns an error envelope into an error.
func apiError(resp *http.Response) error {
	var e utils.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("API returned %s", resp.Status)
	}
	if e.Message != "" {
		return fmt.Errorf("API returned %s: %s", resp.Status, e.Message)
	}
	return fmt.Errorf("API returned %s: %s", resp.Status, e.Error)
}
