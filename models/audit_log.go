package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of identity event being audited
type AuditAction string

const (
	AuditActionLoginSucceeded          AuditAction = "login_succeeded"
	AuditActionLoginFailed             AuditAction = "login_failed"
	AuditActionAccountRegistered       AuditAction = "account_registered"
	AuditActionRegistrationFailed      AuditAction = "registration_failed"
	AuditActionRegistrationCompensated AuditAction = "registration_compensated"
	AuditActionProfileCompleted        AuditAction = "profile_completed"
	AuditActionDriverAssigned          AuditAction = "driver_assigned"
	AuditActionAccessDenied            AuditAction = "access_denied"
)

// Valid reports whether a is one of the known actions.
func (a AuditAction) Valid() bool {
	switch a {
	case AuditActionLoginSucceeded, AuditActionLoginFailed,
		AuditActionAccountRegistered, AuditActionRegistrationFailed,
		AuditActionRegistrationCompensated, AuditActionProfileCompleted,
		AuditActionDriverAssigned,
		AuditActionAccessDenied:
		return true
	}
	return false
}

// AuditLog is one entry of the identity audit trail. Subject is the
// identity provider subject of the actor when known; Email is recorded for
// login attempts that never produced a subject.
type AuditLog struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Action    AuditAction     `json:"action" db:"action"`
	Subject   string          `json:"subject,omitempty" db:"subject_id"`
	Email     string          `json:"email,omitempty" db:"email"`
	Role      string          `json:"role,omitempty" db:"role"`
	ProfileID *uuid.UUID      `json:"profileId,omitempty" db:"profile_id"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	IPAddress string          `json:"ipAddress,omitempty" db:"ip_address"`
	UserAgent string          `json:"userAgent,omitempty" db:"user_agent"`
	RequestID string          `json:"requestId,omitempty" db:"request_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "identity_audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(action AuditAction) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// WithSubject sets the acting subject and its role
func (a *AuditLog) WithSubject(subject, role string) *AuditLog {
	a.Subject = subject
	a.Role = role
	return a
}

// WithEmail sets the email used in the attempt
func (a *AuditLog) WithEmail(email string) *AuditLog {
	a.Email = email
	return a
}

// WithProfile sets the affected profile
func (a *AuditLog) WithProfile(profileID uuid.UUID) *AuditLog {
	a.ProfileID = &profileID
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress, userAgent string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	return a
}
