package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"go.uber.org/zap"
)

// CompleteProfileRequest is the body of POST /api/profile/register/{role}.
// It carries only the role-specific fields; name and email come from the
// caller's token.
type CompleteProfileRequest struct {
	Role        string `json:"-" validate:"required,role"`
	PhoneNumber string `json:"phoneNumber" validate:"required_unless=Role admin,max=50"`

	Department string `json:"department" validate:"required_if=Role admin,max=100"`
	EmployeeID string `json:"employeeId" validate:"required_if=Role admin,max=50"`

	Zone              string `json:"zone" validate:"required_if=Role manager,max=100"`
	MaxDriversManaged int    `json:"maxDriversManaged" validate:"gte=0,lte=1000"`

	LicenseNumber string `json:"licenseNumber" validate:"required_if=Role driver,max=50"`
	VehicleType   string `json:"vehicleType" validate:"required_if=Role driver,max=50"`
	VehiclePlate  string `json:"vehiclePlate" validate:"required_if=Role driver,max=20"`
}

// ProfileService answers the role dashboards and profile lookups.
type ProfileService struct {
	profiles repositories.ProfileRepository
	txMgr    repositories.TransactionManager
	audit    AuditRecorder
	logger   *zap.Logger
}

// NewProfileService creates a profile service
func NewProfileService(profiles repositories.ProfileRepository, txMgr repositories.TransactionManager, logger *zap.Logger) *ProfileService {
	return &ProfileService{profiles: profiles, txMgr: txMgr, audit: nopRecorder{}, logger: logger}
}

// WithAuditor sends profile completion and driver assignment events to r.
func (s *ProfileService) WithAuditor(r AuditRecorder) *ProfileService {
	s.audit = recorderOrNop(r)
	return s
}

func (s *ProfileService) mapRepoError(err error, op string) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrProfileNotFound.Wrap(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Error("profile repository error", zap.String("op", op), zap.Error(err))
	return ErrDatabaseError.Wrap(err)
}

// Me returns the stored profile of the authenticated subject.
func (s *ProfileService) Me(ctx context.Context, identity *authz.Identity) (*models.UserProfile, error) {
	if !identity.Authenticated() {
		return nil, ErrUnauthorized
	}
	p, err := s.profiles.GetBySubject(ctx, identity.Subject)
	if err != nil {
		return nil, s.mapRepoError(err, "me")
	}
	return p, nil
}

// ProfileForRole returns the subject's profile, which must hold role.
func (s *ProfileService) ProfileForRole(ctx context.Context, identity *authz.Identity, role string) (*models.UserProfile, error) {
	p, err := s.Me(ctx, identity)
	if err != nil {
		return nil, err
	}
	if p.Role != role {
		return nil, ErrProfileNotFound.Wrap(fmt.Errorf("subject %s has a %s profile, not %s", identity.Subject, p.Role, role))
	}
	return p, nil
}

// CompleteProfile stores the role profile of an account that was created
// outside the API, e.g. through hosted self-registration. The caller must
// already hold req.Role and must not have a profile yet.
func (s *ProfileService) CompleteProfile(ctx context.Context, identity *authz.Identity, req CompleteProfileRequest) (*models.UserProfile, error) {
	if !identity.Authenticated() {
		return nil, ErrUnauthorized
	}
	if !authz.KnownRole(req.Role) {
		return nil, ErrInvalidRole.Wrap(fmt.Errorf("role %q", req.Role))
	}
	if !identity.HasRole(req.Role) {
		return nil, ErrForbidden.Wrap(fmt.Errorf("subject %s does not hold %s", identity.Subject, req.Role))
	}

	profile := models.NewUserProfile(identity.Subject, identity.Email, identity.GivenName, identity.FamilyName, req.Role)
	profile.Phone = req.PhoneNumber
	switch req.Role {
	case authz.RoleAdmin:
		profile.Department = req.Department
		profile.EmployeeID = req.EmployeeID
	case authz.RoleManager:
		profile.Zone = req.Zone
		profile.MaxDriversManaged = req.MaxDriversManaged
		if profile.MaxDriversManaged == 0 {
			profile.MaxDriversManaged = defaultMaxDrivers
		}
	case authz.RoleDriver:
		profile.LicenseNumber = req.LicenseNumber
		profile.VehicleType = req.VehicleType
		profile.VehiclePlate = req.VehiclePlate
	}

	err := WithTransaction(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		repo := s.profiles.WithTx(tx)

		existing, err := repo.GetBySubject(ctx, identity.Subject)
		switch {
		case err == nil:
			return ErrProfileExists.Wrap(fmt.Errorf("subject %s already has a %s profile", identity.Subject, existing.Role))
		case !errors.Is(err, repositories.ErrNotFound):
			return s.mapRepoError(err, "complete_profile")
		}

		if err := repo.Create(ctx, profile); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrProfileExists.Wrap(err)
			}
			return s.mapRepoError(err, "complete_profile")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, models.NewAuditLog(models.AuditActionProfileCompleted).
		WithSubject(identity.Subject, req.Role).
		WithEmail(profile.Email).
		WithProfile(profile.ID))
	s.logger.Info("profile completed",
		zap.String("sub", identity.Subject),
		zap.String("role", req.Role),
		zap.String("profile_id", profile.ID.String()))
	return profile, nil
}

// AdminDashboard counts profiles by role.
func (s *ProfileService) AdminDashboard(ctx context.Context) (*models.AdminDashboard, error) {
	all, err := s.profiles.List(ctx, repositories.ProfileFilter{})
	if err != nil {
		return nil, s.mapRepoError(err, "admin_dashboard")
	}

	d := &models.AdminDashboard{TotalUsers: len(all)}
	for _, p := range all {
		switch p.Role {
		case authz.RoleAdmin:
			d.TotalAdmins++
		case authz.RoleManager:
			d.TotalManagers++
		case authz.RoleDriver:
			d.TotalDrivers++
			if p.Available {
				d.AvailableDrivers++
			}
		}
	}
	return d, nil
}

// ListUsers returns all profiles, optionally restricted to role.
func (s *ProfileService) ListUsers(ctx context.Context, role string) ([]*models.UserProfile, error) {
	if role != "" && !authz.KnownRole(role) {
		return nil, ErrInvalidRole.Wrap(fmt.Errorf("role %q", role))
	}
	profiles, err := s.profiles.List(ctx, repositories.ProfileFilter{Role: role})
	if err != nil {
		return nil, s.mapRepoError(err, "list_users")
	}
	if profiles == nil {
		profiles = []*models.UserProfile{}
	}
	return profiles, nil
}

// ManagerDrivers returns the drivers assigned to the calling manager.
func (s *ProfileService) ManagerDrivers(ctx context.Context, identity *authz.Identity) ([]*models.UserProfile, error) {
	manager, err := s.ProfileForRole(ctx, identity, authz.RoleManager)
	if err != nil {
		return nil, err
	}
	drivers, err := s.profiles.List(ctx, repositories.ProfileFilter{Role: authz.RoleDriver, ManagerID: &manager.ID})
	if err != nil {
		return nil, s.mapRepoError(err, "manager_drivers")
	}
	if drivers == nil {
		drivers = []*models.UserProfile{}
	}
	return drivers, nil
}

// ManagerDashboard summarises the calling manager's drivers.
func (s *ProfileService) ManagerDashboard(ctx context.Context, identity *authz.Identity) (*models.ManagerDashboard, error) {
	manager, err := s.ProfileForRole(ctx, identity, authz.RoleManager)
	if err != nil {
		return nil, err
	}
	drivers, err := s.profiles.List(ctx, repositories.ProfileFilter{Role: authz.RoleDriver, ManagerID: &manager.ID})
	if err != nil {
		return nil, s.mapRepoError(err, "manager_dashboard")
	}

	d := &models.ManagerDashboard{Zone: manager.Zone, ManagedDrivers: len(drivers)}
	for _, p := range drivers {
		if p.Available {
			d.AvailableDrivers++
		}
	}
	return d, nil
}

// SetDriverAvailability updates the calling driver's availability.
func (s *ProfileService) SetDriverAvailability(ctx context.Context, identity *authz.Identity, available bool) (*models.UserProfile, error) {
	driver, err := s.ProfileForRole(ctx, identity, authz.RoleDriver)
	if err != nil {
		return nil, err
	}
	if err := s.profiles.SetAvailability(ctx, driver.ID, available); err != nil {
		return nil, s.mapRepoError(err, "set_availability")
	}
	driver.Available = available
	return driver, nil
}

// AssignDriver links a driver profile to a manager profile on behalf of
// actor, which may be nil. Both profiles must exist with the expected roles.
func (s *ProfileService) AssignDriver(ctx context.Context, actor *authz.Identity, driverID, managerID uuid.UUID) error {
	err := WithTransaction(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		repo := s.profiles.WithTx(tx)

		driver, err := repo.GetByID(ctx, driverID)
		if err != nil {
			return s.mapRepoError(err, "assign_driver")
		}
		if driver.Role != authz.RoleDriver {
			return ErrInvalidInput.Wrap(fmt.Errorf("profile %s is a %s", driverID, driver.Role)).
				WithDetail("driverId", "must reference a driver")
		}

		manager, err := repo.GetByID(ctx, managerID)
		if err != nil {
			return s.mapRepoError(err, "assign_driver")
		}
		if manager.Role != authz.RoleManager {
			return ErrInvalidInput.Wrap(fmt.Errorf("profile %s is a %s", managerID, manager.Role)).
				WithDetail("managerId", "must reference a manager")
		}

		if err := repo.AssignManager(ctx, driverID, managerID); err != nil {
			return s.mapRepoError(err, "assign_driver")
		}
		s.logger.Info("driver assigned",
			zap.String("driver_id", driverID.String()),
			zap.String("manager_id", managerID.String()))
		return nil
	})
	if err != nil {
		return err
	}

	entry := models.NewAuditLog(models.AuditActionDriverAssigned).
		WithProfile(driverID).
		WithDetails(map[string]string{"managerId": managerID.String()})
	if actor.Authenticated() {
		entry.WithSubject(actor.Subject, actor.PrimaryRole())
	}
	s.audit.Record(ctx, entry)
	return nil
}

// StaffDirectory lists managers and drivers for admins and managers.
func (s *ProfileService) StaffDirectory(ctx context.Context) ([]models.StaffEntry, error) {
	all, err := s.profiles.List(ctx, repositories.ProfileFilter{})
	if err != nil {
		return nil, s.mapRepoError(err, "staff_directory")
	}
	entries := make([]models.StaffEntry, 0, len(all))
	for _, p := range all {
		if p.Role == authz.RoleManager || p.Role == authz.RoleDriver {
			entries = append(entries, models.NewStaffEntry(p))
		}
	}
	return entries, nil
}
