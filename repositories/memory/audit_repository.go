package memory

import (
	"context"
	"sync"

	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"go.uber.org/zap"
)

// AuditRepository keeps the audit trail in insertion order.
type AuditRepository struct {
	mu     sync.RWMutex
	logs   []*models.AuditLog
	logger *zap.Logger
}

// NewAuditRepository creates an empty audit repository
func NewAuditRepository(logger *zap.Logger) *AuditRepository {
	return &AuditRepository{logger: logger}
}

func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := *log
	r.mu.Lock()
	r.logs = append(r.logs, &c)
	r.mu.Unlock()
	return nil
}

// List walks the trail backwards so the newest entries come first.
func (r *AuditRepository) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = repositories.DefaultAuditLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditLog, 0)
	for i := len(r.logs) - 1; i >= 0 && len(out) < limit; i-- {
		l := r.logs[i]
		if filter.Subject != "" && l.Subject != filter.Subject {
			continue
		}
		if filter.Action != "" && l.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && l.Timestamp.Before(filter.Since) {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

var _ repositories.AuditRepository = (*AuditRepository)(nil)
