package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const profileColumns = `id, subject_id, email, first_name, last_name, role, phone_number,
		department, employee_id, zone, max_drivers_managed,
		license_number, vehicle_type, vehicle_plate, available, assigned_manager_id, created_at`

// ProfileRepository implements the repositories.ProfileRepository interface
type ProfileRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *DB, logger *zap.Logger) *ProfileRepository {
	return &ProfileRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*models.UserProfile, error) {
	p := &models.UserProfile{}
	var manager uuid.NullUUID
	err := row.Scan(
		&p.ID,
		&p.SubjectID,
		&p.Email,
		&p.FirstName,
		&p.LastName,
		&p.Role,
		&p.Phone,
		&p.Department,
		&p.EmployeeID,
		&p.Zone,
		&p.MaxDriversManaged,
		&p.LicenseNumber,
		&p.VehicleType,
		&p.VehiclePlate,
		&p.Available,
		&manager,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if manager.Valid {
		id := manager.UUID
		p.AssignedManagerID = &id
	}
	return p, nil
}

// Create inserts a new profile
func (r *ProfileRepository) Create(ctx context.Context, p *models.UserProfile) error {
	query := `
		INSERT INTO user_profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	var manager uuid.NullUUID
	if p.AssignedManagerID != nil {
		manager = uuid.NullUUID{UUID: *p.AssignedManagerID, Valid: true}
	}

	_, err := executorFor(ctx, r.tx, r.db).ExecContext(ctx, query,
		p.ID,
		p.SubjectID,
		p.Email,
		p.FirstName,
		p.LastName,
		p.Role,
		p.Phone,
		p.Department,
		p.EmployeeID,
		p.Zone,
		p.MaxDriversManaged,
		p.LicenseNumber,
		p.VehicleType,
		p.VehiclePlate,
		p.Available,
		manager,
		p.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("profile for %s: %w", p.Email, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}

	r.logger.Debug("profile created", zap.String("id", p.ID.String()), zap.String("role", p.Role))
	return nil
}

// GetByID retrieves a profile by ID
func (r *ProfileRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UserProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM user_profiles WHERE id = $1`

	p, err := scanProfile(executorFor(ctx, r.tx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// GetBySubject retrieves a profile by identity provider subject
func (r *ProfileRepository) GetBySubject(ctx context.Context, subjectID string) (*models.UserProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM user_profiles WHERE subject_id = $1`

	p, err := scanProfile(executorFor(ctx, r.tx, r.db).QueryRowContext(ctx, query, subjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile for subject %s: %w", subjectID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// List returns matching profiles ordered by creation time
func (r *ProfileRepository) List(ctx context.Context, filter repositories.ProfileFilter) ([]*models.UserProfile, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Role != "" {
		args = append(args, filter.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.ManagerID != nil {
		args = append(args, *filter.ManagerID)
		where = append(where, fmt.Sprintf("assigned_manager_id = $%d", len(args)))
	}
	if filter.Available != nil {
		args = append(args, *filter.Available)
		where = append(where, fmt.Sprintf("available = $%d", len(args)))
	}

	query := `SELECT ` + profileColumns + ` FROM user_profiles`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := executorFor(ctx, r.tx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profile rows: %w", err)
	}

	return profiles, nil
}

func (r *ProfileRepository) execOne(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	result, err := executorFor(ctx, r.tx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("profile %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

// SetAvailability updates a driver's availability flag
func (r *ProfileRepository) SetAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	return r.execOne(ctx, id, `UPDATE user_profiles SET available = $2 WHERE id = $1`, id, available)
}

// AssignManager links a driver to a manager
func (r *ProfileRepository) AssignManager(ctx context.Context, driverID, managerID uuid.UUID) error {
	return r.execOne(ctx, driverID, `UPDATE user_profiles SET assigned_manager_id = $2 WHERE id = $1`, driverID, managerID)
}

// Delete removes a profile
func (r *ProfileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.execOne(ctx, id, `DELETE FROM user_profiles WHERE id = $1`, id); err != nil {
		return err
	}
	r.logger.Debug("profile deleted", zap.String("id", id.String()))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *ProfileRepository) WithTx(tx repositories.Transaction) repositories.ProfileRepository {
	pgTx, _ := tx.(*Transaction)
	return &ProfileRepository{db: r.db, tx: pgTx, logger: r.logger}
}
