package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/upb/transport-identity/middleware"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"github.com/upb/transport-identity/utils"
	"go.uber.org/zap"
)

// MaxAuditLimit caps the number of entries a single query may return.
const MaxAuditLimit = 500

// AuditQuerier reads the identity audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error)
}

// AuditHandler serves the admin view of the audit trail.
type AuditHandler struct {
	audit  AuditQuerier
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit AuditQuerier, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// HandleList handles GET /api/admin/audit?subject=&action=&since=&limit=
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repositories.AuditFilter{
		Subject: q.Get("subject"),
		Action:  models.AuditAction(q.Get("action")),
	}

	if filter.Action != "" && !filter.Action.Valid() {
		_ = utils.WriteBadRequest(w, "Unknown audit action", map[string]interface{}{"action": string(filter.Action)})
		return
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "since must be an RFC 3339 timestamp", nil)
			return
		}
		filter.Since = since
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > MaxAuditLimit {
			_ = utils.WriteBadRequest(w, "limit must be between 1 and 500", nil)
			return
		}
		filter.Limit = limit
	}

	logs, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "An internal error occurred")
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}
	_ = utils.WriteOK(w, logs)
}
