package services

import (
	"context"

	"github.com/upb/transport-identity/models"
)

// AuditRecorder receives identity events. Record must not block on storage.
type AuditRecorder interface {
	Record(ctx context.Context, log *models.AuditLog)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, *models.AuditLog) {}

func recorderOrNop(r AuditRecorder) AuditRecorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
