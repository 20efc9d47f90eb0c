package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/transport-identity/models"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key (subject or email) already exists.
	ErrDuplicate = errors.New("record already exists")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// ProfileFilter narrows List. Zero values match everything.
type ProfileFilter struct {
	Role      string
	ManagerID *uuid.UUID
	Available *bool
}

// ProfileRepository handles user profile data operations
type ProfileRepository interface {
	// Create inserts a new profile. ErrDuplicate when the subject or email exists.
	Create(ctx context.Context, profile *models.UserProfile) error

	// GetByID retrieves a profile by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.UserProfile, error)

	// GetBySubject retrieves a profile by identity provider subject
	GetBySubject(ctx context.Context, subjectID string) (*models.UserProfile, error)

	// List returns profiles matching filter ordered by creation time
	List(ctx context.Context, filter ProfileFilter) ([]*models.UserProfile, error)

	// SetAvailability updates a driver's availability flag
	SetAvailability(ctx context.Context, id uuid.UUID, available bool) error

	// AssignManager links a driver to a manager
	AssignManager(ctx context.Context, driverID, managerID uuid.UUID) error

	// Delete removes a profile
	Delete(ctx context.Context, id uuid.UUID) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ProfileRepository
}

// AuditFilter narrows audit queries. Zero values match everything; Limit
// defaults to DefaultAuditLimit.
type AuditFilter struct {
	Subject string
	Action  models.AuditAction
	Since   time.Time
	Limit   int
}

// DefaultAuditLimit caps audit queries without an explicit limit.
const DefaultAuditLimit = 100

// AuditRepository stores the identity audit trail. Entries are append-only.
type AuditRepository interface {
	// Insert appends an entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// List returns matching entries, newest first
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error)
}

// Repositories groups the repositories handed to services
type Repositories struct {
	Profiles     ProfileRepository
	Audit        AuditRepository
	Transactions TransactionManager
}
