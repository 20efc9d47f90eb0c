package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTokenSource struct {
	mock.Mock
}

func (m *mockTokenSource) Token(ctx context.Context) string {
	return m.Called(ctx).String(0)
}

func echoAuthServer(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestTransport_AttachesToken(t *testing.T) {
	srv, seen := echoAuthServer(t)
	tokens := &mockTokenSource{}
	tokens.On("Token", mock.Anything).Return("abc").Once()

	client, err := NewClient(tokens, srv.URL, 5*time.Second)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/profile/me", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer abc", seen.Load())
	assert.Empty(t, req.Header.Get("Authorization"), "caller's request is not modified")
	tokens.AssertExpectations(t)
}

func TestTransport_EmptyTokenGoesOutUnauthenticated(t *testing.T) {
	srv, seen := echoAuthServer(t)
	tokens := &mockTokenSource{}
	tokens.On("Token", mock.Anything).Return("")

	client, err := NewClient(tokens, srv.URL, 5*time.Second)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL + "/api/admin/users")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "", seen.Load())
}

func TestTransport_NonAPIRequestsPassThrough(t *testing.T) {
	srv, seen := echoAuthServer(t)
	other, otherSeen := echoAuthServer(t)
	tokens := &mockTokenSource{}

	client, err := NewClient(tokens, srv.URL, 5*time.Second)
	require.NoError(t, err)

	t.Run("same origin, no api prefix", func(t *testing.T) {
		resp, err := client.Get(srv.URL + "/assets/logo.png")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "", seen.Load())
	})

	t.Run("foreign origin with api path", func(t *testing.T) {
		resp, err := client.Get(other.URL + "/api/leak")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "", otherSeen.Load())
	})

	tokens.AssertNotCalled(t, "Token", mock.Anything)
}

func TestTransport_AnyOriginWhenBaseUnset(t *testing.T) {
	srv, seen := echoAuthServer(t)
	tokens := &mockTokenSource{}
	tokens.On("Token", mock.Anything).Return("xyz")

	client, err := NewClient(tokens, "", time.Second)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL + "/v1/api/things")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer xyz", seen.Load())
}

func TestNewTransport_Validation(t *testing.T) {
	_, err := NewTransport(nil, "http://api", nil)
	assert.Error(t, err)

	_, err = NewTransport(&mockTokenSource{}, "not-absolute", nil)
	assert.Error(t, err)
}
