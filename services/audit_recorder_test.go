package services

import (
	"context"
	"sync"

	"github.com/upb/transport-identity/models"
)

// recordingAuditor keeps every entry it is given.
type recordingAuditor struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (r *recordingAuditor) Record(_ context.Context, log *models.AuditLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
}

func (r *recordingAuditor) actions() []models.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditAction, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.Action)
	}
	return out
}

func (r *recordingAuditor) last() *models.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.logs) == 0 {
		return nil
	}
	return r.logs[len(r.logs)-1]
}
