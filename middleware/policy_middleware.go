package middleware

import (
	"context"
	"net/http"

	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/internal/observability"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/utils"
	"go.uber.org/zap"
)

// PolicyMiddleware enforces named access policies on routes. It must run
// after AuthMiddleware.RequireAuth.
type PolicyMiddleware struct {
	engine  *authz.Engine
	metrics *observability.Metrics
	auditor Auditor
	logger  *zap.Logger
}

// Auditor receives an entry for every forbidden request.
type Auditor interface {
	Record(ctx context.Context, log *models.AuditLog)
}

// NewPolicyMiddleware creates a new PolicyMiddleware
func NewPolicyMiddleware(engine *authz.Engine, metrics *observability.Metrics, logger *zap.Logger) *PolicyMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyMiddleware{
		engine:  engine,
		metrics: metrics,
		logger:  logger,
	}
}

// WithAuditor makes the middleware record denied requests.
func (m *PolicyMiddleware) WithAuditor(a Auditor) *PolicyMiddleware {
	m.auditor = a
	return m
}

func (m *PolicyMiddleware) recordDenied(ctx context.Context, identity *authz.Identity, policy, reason string) {
	if m.auditor == nil {
		return
	}
	entry := models.NewAuditLog(models.AuditActionAccessDenied).
		WithDetails(map[string]string{"policy": policy, "reason": reason})
	if identity.Authenticated() {
		entry.WithSubject(identity.Subject, identity.PrimaryRole())
	}
	m.auditor.Record(ctx, entry)
}

// RequirePolicy returns a middleware that admits only identities satisfying
// the named policy. Missing identities get 401; everything else that is not
// allowed, including an unknown policy name, gets 403.
func (m *PolicyMiddleware) RequirePolicy(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)
			identity := GetIdentityFromContext(ctx)

			decision, err := m.engine.Evaluate(identity, name)
			if err != nil {
				m.logger.Error("policy evaluation failed",
					zap.String("request_id", requestID),
					zap.String("policy", name),
					zap.Error(err))
				m.metrics.RecordPolicyDecision(name, string(decision.Outcome))
				m.recordDenied(ctx, identity, name, err.Error())
				_ = utils.WriteForbidden(w, "Access denied")
				return
			}

			m.metrics.RecordPolicyDecision(name, string(decision.Outcome))

			switch decision.Outcome {
			case authz.OutcomeAllow:
				m.logger.Debug("policy check passed",
					zap.String("request_id", requestID),
					zap.String("policy", name),
					zap.String("sub", identity.Subject))
				next.ServeHTTP(w, r)

			case authz.OutcomeUnauthenticated:
				m.logger.Warn("unauthenticated request on protected route",
					zap.String("request_id", requestID),
					zap.String("policy", name))
				_ = utils.WriteUnauthorized(w, "Authentication required")

			default:
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("policy", name),
					zap.String("sub", identity.Subject),
					zap.String("reason", decision.Reason))
				m.recordDenied(ctx, identity, name, decision.Reason)
				_ = utils.WriteForbidden(w, "Insufficient permissions")
			}
		})
	}
}
