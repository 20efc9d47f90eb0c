// Package apiclient attaches session bearer tokens to outbound API calls.
package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPathPrefix marks request paths that belong to the protected API.
const DefaultPathPrefix = "/api/"

// TokenSource supplies access tokens. session.Adapter implements it.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Transport is an http.RoundTripper that adds "Authorization: Bearer" to
// requests aimed at the API. Requests elsewhere pass through untouched, and
// API requests go out unauthenticated when no token is available.
type Transport struct {
	Base       http.RoundTripper
	Tokens     TokenSource
	APIBase    *url.URL // scheme and host of the API; nil matches any origin
	PathPrefix string
}

// NewTransport creates a Transport for the API served at apiBase.
func NewTransport(tokens TokenSource, apiBase string, base http.RoundTripper) (*Transport, error) {
	if tokens == nil {
		return nil, errors.New("apiclient: token source is required")
	}
	t := &Transport{Base: base, Tokens: tokens, PathPrefix: DefaultPathPrefix}
	if apiBase != "" {
		u, err := url.Parse(apiBase)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("apiclient: api base must be an absolute URL")
		}
		t.APIBase = u
	}
	return t, nil
}

// NewClient returns an http.Client using a Transport over http.DefaultTransport.
func NewClient(tokens TokenSource, apiBase string, timeout time.Duration) (*http.Client, error) {
	t, err := NewTransport(tokens, apiBase, nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.protected(req.URL) {
		return t.base().RoundTrip(req)
	}

	token := t.Tokens.Token(req.Context())
	if token == "" {
		return t.base().RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(authed)
}

func (t *Transport) protected(u *url.URL) bool {
	if t.APIBase != nil {
		if !strings.EqualFold(u.Scheme, t.APIBase.Scheme) || !strings.EqualFold(u.Host, t.APIBase.Host) {
			return false
		}
	}
	prefix := t.PathPrefix
	if prefix == "" {
		prefix = DefaultPathPrefix
	}
	return strings.Contains(u.Path, prefix)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
