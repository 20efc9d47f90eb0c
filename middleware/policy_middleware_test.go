package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/internal/observability"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/services/audit"
	"go.uber.org/zap"
)

func serveWithIdentity(t *testing.T, mw func(http.Handler) http.Handler, identity *authz.Identity) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	if identity != nil {
		req = req.WithContext(WithIdentity(req.Context(), identity))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called
}

func identityWithRoles(roles ...string) *authz.Identity {
	return &authz.Identity{Subject: "user-1", Roles: authz.NewRoleSet(roles...)}
}

func TestRequirePolicy(t *testing.T) {
	pm := NewPolicyMiddleware(authz.NewEngine(), observability.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	tests := []struct {
		name       string
		policy     string
		identity   *authz.Identity
		wantStatus int
	}{
		{"no identity is 401", authz.PolicyAdminOnly, nil, http.StatusUnauthorized},
		{"admin on AdminOnly", authz.PolicyAdminOnly, identityWithRoles("admin"), http.StatusOK},
		{"manager on AdminOnly", authz.PolicyAdminOnly, identityWithRoles("manager"), http.StatusForbidden},
		{"driver on AdminOrManager", authz.PolicyAdminOrManager, identityWithRoles("driver"), http.StatusForbidden},
		{"admin on AdminOrManager", authz.PolicyAdminOrManager, identityWithRoles("admin"), http.StatusOK},
		{"manager on ManagerOnly", authz.PolicyManagerOnly, identityWithRoles("manager"), http.StatusOK},
		{"driver on DriverOnly", authz.PolicyDriverOnly, identityWithRoles("driver"), http.StatusOK},
		{"no roles on AllAuthenticated", authz.PolicyAllAuthenticated, identityWithRoles(), http.StatusOK},
		{"no identity on AllAuthenticated", authz.PolicyAllAuthenticated, nil, http.StatusUnauthorized},
		{"unknown policy fails closed", "SuperUsers", identityWithRoles("admin"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, called := serveWithIdentity(t, pm.RequirePolicy(tt.policy), tt.identity)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantStatus == http.StatusOK, called)
		})
	}
}

func TestRequirePolicy_NilMetrics(t *testing.T) {
	pm := NewPolicyMiddleware(authz.NewEngine(), nil, zap.NewNop())
	w, called := serveWithIdentity(t, pm.RequirePolicy(authz.PolicyDriverOnly), identityWithRoles("driver"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
}

func TestRequirePolicy_NilLogger(t *testing.T) {
	pm := NewPolicyMiddleware(authz.NewEngine(), nil, nil)

	w, called := serveWithIdentity(t, pm.RequirePolicy(authz.PolicyAdminOnly), identityWithRoles("driver"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, called)

	w, called = serveWithIdentity(t, pm.RequirePolicy(authz.PolicyAdminOnly), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

type auditSink struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (s *auditSink) Record(_ context.Context, log *models.AuditLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, log)
}

func TestRequirePolicy_AuditsDenials(t *testing.T) {
	t.Run("forbidden is recorded", func(t *testing.T) {
		sink := &auditSink{}
		pm := NewPolicyMiddleware(authz.NewEngine(authz.DefaultPolicies()...), nil, zap.NewNop()).WithAuditor(sink)

		w, _ := serveWithIdentity(t, pm.RequirePolicy(authz.PolicyAdminOnly), identityWithRoles("driver"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		require.Len(t, sink.entries, 1)
		entry := sink.entries[0]
		assert.Equal(t, models.AuditActionAccessDenied, entry.Action)
		assert.Equal(t, "user-1", entry.Subject)
		assert.Equal(t, "driver", entry.Role)

		var details map[string]string
		require.NoError(t, json.Unmarshal(entry.Details, &details))
		assert.Equal(t, authz.PolicyAdminOnly, details["policy"])
	})

	t.Run("unknown policy is recorded", func(t *testing.T) {
		sink := &auditSink{}
		pm := NewPolicyMiddleware(authz.NewEngine(), nil, zap.NewNop()).WithAuditor(sink)

		serveWithIdentity(t, pm.RequirePolicy("SuperUsers"), identityWithRoles("admin"))
		require.Len(t, sink.entries, 1)
	})

	t.Run("allowed and unauthenticated are not recorded", func(t *testing.T) {
		sink := &auditSink{}
		pm := NewPolicyMiddleware(authz.NewEngine(authz.DefaultPolicies()...), nil, zap.NewNop()).WithAuditor(sink)

		serveWithIdentity(t, pm.RequirePolicy(authz.PolicyAdminOnly), identityWithRoles("admin"))
		serveWithIdentity(t, pm.RequirePolicy(authz.PolicyAdminOnly), nil)
		assert.Empty(t, sink.entries)
	})
}

func TestAuditContext(t *testing.T) {
	var meta audit.RequestMeta
	handler := AuditContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, _ = audit.RequestMetaFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	req.Header.Set("User-Agent", "fleet-app/1.0")
	req = req.WithContext(WithRequestID(req.Context(), "req-42"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "req-42", meta.RequestID)
	assert.Equal(t, "10.1.2.3:5000", meta.IPAddress)
	assert.Equal(t, "fleet-app/1.0", meta.UserAgent)
}
