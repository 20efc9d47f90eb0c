package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"github.com/upb/transport-identity/repositories/memory"
	"go.uber.org/zap"
)

type profileFixture struct {
	repo    *memory.ProfileRepository
	service *ProfileService

	admin     *models.UserProfile
	manager   *models.UserProfile
	driver    *models.UserProfile
	freelance *models.UserProfile
}

func newProfileFixture(t *testing.T) *profileFixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewProfileRepository(zap.NewNop())

	f := &profileFixture{
		repo:    repo,
		service: NewProfileService(repo, memory.NewTransactionManager(zap.NewNop()), zap.NewNop()),
	}

	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	mk := func(sub, email, role string, offset int) *models.UserProfile {
		p := models.NewUserProfile(sub, email, "First", "Last", role)
		p.CreatedAt = base.Add(time.Duration(offset) * time.Minute)
		return p
	}

	f.admin = mk("kc-admin", "admin@example.com", authz.RoleAdmin, 0)
	f.manager = mk("kc-manager", "manager@example.com", authz.RoleManager, 1)
	f.manager.Zone = "North"
	f.driver = mk("kc-driver", "driver@example.com", authz.RoleDriver, 2)
	f.driver.AssignedManagerID = &f.manager.ID
	f.freelance = mk("kc-free", "free@example.com", authz.RoleDriver, 3)
	f.freelance.Available = false

	for _, p := range []*models.UserProfile{f.admin, f.manager, f.driver, f.freelance} {
		require.NoError(t, repo.Create(ctx, p))
	}
	return f
}

func identityFor(sub string, roles ...string) *authz.Identity {
	return &authz.Identity{Subject: sub, Roles: authz.NewRoleSet(roles...)}
}

// failingProfiles fails every List call.
type failingProfiles struct {
	repositories.ProfileRepository
}

func (failingProfiles) List(ctx context.Context, filter repositories.ProfileFilter) ([]*models.UserProfile, error) {
	return nil, errors.New("connection reset")
}

func TestProfileService_Me(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	t.Run("returns own profile", func(t *testing.T) {
		p, err := f.service.Me(ctx, identityFor("kc-driver", authz.RoleDriver))
		require.NoError(t, err)
		assert.Equal(t, f.driver.ID, p.ID)
	})

	t.Run("anonymous", func(t *testing.T) {
		_, err := f.service.Me(ctx, nil)
		assert.ErrorIs(t, err, ErrUnauthorized)

		_, err = f.service.Me(ctx, &authz.Identity{})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("no stored profile", func(t *testing.T) {
		_, err := f.service.Me(ctx, identityFor("kc-ghost", authz.RoleDriver))
		assert.ErrorIs(t, err, ErrProfileNotFound)
		assert.True(t, IsNotFoundError(err))
	})
}

func TestProfileService_ProfileForRole(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	p, err := f.service.ProfileForRole(ctx, identityFor("kc-manager", authz.RoleManager), authz.RoleManager)
	require.NoError(t, err)
	assert.Equal(t, "North", p.Zone)

	_, err = f.service.ProfileForRole(ctx, identityFor("kc-manager", authz.RoleManager), authz.RoleDriver)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileService_AdminDashboard(t *testing.T) {
	f := newProfileFixture(t)

	d, err := f.service.AdminDashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &models.AdminDashboard{
		TotalUsers:       4,
		TotalAdmins:      1,
		TotalManagers:    1,
		TotalDrivers:     2,
		AvailableDrivers: 1,
	}, d)
}

func TestProfileService_ListUsers(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		role    string
		wantLen int
		wantErr error
	}{
		{"all", "", 4, nil},
		{"drivers", authz.RoleDriver, 2, nil},
		{"admins", authz.RoleAdmin, 1, nil},
		{"unknown role", "pilot", 0, ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := f.service.ListUsers(ctx, tt.role)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, users, tt.wantLen)
		})
	}

	t.Run("empty store yields empty slice", func(t *testing.T) {
		svc := NewProfileService(memory.NewProfileRepository(zap.NewNop()), memory.NewTransactionManager(zap.NewNop()), zap.NewNop())
		users, err := svc.ListUsers(ctx, "")
		require.NoError(t, err)
		assert.NotNil(t, users)
		assert.Empty(t, users)
	})

	t.Run("repository failure is a database error", func(t *testing.T) {
		svc := NewProfileService(failingProfiles{f.repo}, memory.NewTransactionManager(zap.NewNop()), zap.NewNop())
		_, err := svc.ListUsers(ctx, "")
		assert.ErrorIs(t, err, ErrDatabaseError)
		assert.Equal(t, "Database error", PublicMessage(err))
	})
}

func TestProfileService_Manager(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()
	manager := identityFor("kc-manager", authz.RoleManager)

	drivers, err := f.service.ManagerDrivers(ctx, manager)
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	assert.Equal(t, f.driver.ID, drivers[0].ID)

	d, err := f.service.ManagerDashboard(ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, &models.ManagerDashboard{Zone: "North", ManagedDrivers: 1, AvailableDrivers: 1}, d)

	_, err = f.service.ManagerDrivers(ctx, identityFor("kc-driver", authz.RoleDriver))
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileService_SetDriverAvailability(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	p, err := f.service.SetDriverAvailability(ctx, identityFor("kc-driver", authz.RoleDriver), false)
	require.NoError(t, err)
	assert.False(t, p.Available)

	stored, err := f.repo.GetByID(ctx, f.driver.ID)
	require.NoError(t, err)
	assert.False(t, stored.Available)

	_, err = f.service.SetDriverAvailability(ctx, identityFor("kc-admin", authz.RoleAdmin), true)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileService_AssignDriver(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns", func(t *testing.T) {
		f := newProfileFixture(t)
		auditor := &recordingAuditor{}
		f.service.WithAuditor(auditor)

		admin := identityFor("kc-admin", authz.RoleAdmin)
		require.NoError(t, f.service.AssignDriver(ctx, admin, f.freelance.ID, f.manager.ID))

		stored, err := f.repo.GetByID(ctx, f.freelance.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.AssignedManagerID)
		assert.Equal(t, f.manager.ID, *stored.AssignedManagerID)

		entry := auditor.last()
		require.NotNil(t, entry)
		assert.Equal(t, models.AuditActionDriverAssigned, entry.Action)
		assert.Equal(t, "kc-admin", entry.Subject)
		assert.Equal(t, authz.RoleAdmin, entry.Role)
		require.NotNil(t, entry.ProfileID)
		assert.Equal(t, f.freelance.ID, *entry.ProfileID)
		assert.JSONEq(t, `{"managerId":"`+f.manager.ID.String()+`"}`, string(entry.Details))
	})

	t.Run("no audit entry on failure", func(t *testing.T) {
		f := newProfileFixture(t)
		auditor := &recordingAuditor{}
		f.service.WithAuditor(auditor)

		err := f.service.AssignDriver(ctx, nil, uuid.New(), f.manager.ID)
		require.Error(t, err)
		assert.Empty(t, auditor.actions())
	})

	t.Run("target must be a driver", func(t *testing.T) {
		f := newProfileFixture(t)
		err := f.service.AssignDriver(ctx, nil, f.admin.ID, f.manager.ID)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Contains(t, GetErrorDetails(err), "driverId")
	})

	t.Run("manager must be a manager", func(t *testing.T) {
		f := newProfileFixture(t)
		err := f.service.AssignDriver(ctx, nil, f.freelance.ID, f.driver.ID)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Contains(t, GetErrorDetails(err), "managerId")

		stored, getErr := f.repo.GetByID(ctx, f.freelance.ID)
		require.NoError(t, getErr)
		assert.Nil(t, stored.AssignedManagerID)
	})

	t.Run("missing profile", func(t *testing.T) {
		f := newProfileFixture(t)
		err := f.service.AssignDriver(ctx, nil, uuid.New(), f.manager.ID)
		assert.ErrorIs(t, err, ErrProfileNotFound)
	})
}

func TestProfileService_CompleteProfile(t *testing.T) {
	ctx := context.Background()

	hosted := func(roles ...string) *authz.Identity {
		return &authz.Identity{
			Subject:    "kc-hosted",
			Email:      "hosted@example.com",
			GivenName:  "Hana",
			FamilyName: "Lopez",
			Roles:      authz.NewRoleSet(roles...),
		}
	}

	t.Run("manager profile from token claims", func(t *testing.T) {
		f := newProfileFixture(t)
		auditor := &recordingAuditor{}
		f.service.WithAuditor(auditor)

		p, err := f.service.CompleteProfile(ctx, hosted(authz.RoleManager), CompleteProfileRequest{
			Role:        authz.RoleManager,
			PhoneNumber: "555",
			Zone:        "East",
		})
		require.NoError(t, err)
		assert.Equal(t, "hosted@example.com", p.Email)
		assert.Equal(t, "Hana", p.FirstName)
		assert.Equal(t, "Lopez", p.LastName)
		assert.Equal(t, "East", p.Zone)
		assert.Equal(t, defaultMaxDrivers, p.MaxDriversManaged)

		stored, err := f.repo.GetBySubject(ctx, "kc-hosted")
		require.NoError(t, err)
		assert.Equal(t, p.ID, stored.ID)

		entry := auditor.last()
		require.NotNil(t, entry)
		assert.Equal(t, models.AuditActionProfileCompleted, entry.Action)
		assert.Equal(t, "kc-hosted", entry.Subject)
		assert.Equal(t, authz.RoleManager, entry.Role)
		require.NotNil(t, entry.ProfileID)
		assert.Equal(t, p.ID, *entry.ProfileID)
	})

	t.Run("admin fields", func(t *testing.T) {
		f := newProfileFixture(t)
		p, err := f.service.CompleteProfile(ctx, hosted(authz.RoleAdmin), CompleteProfileRequest{
			Role:       authz.RoleAdmin,
			Department: "Ops",
			EmployeeID: "E-7",
		})
		require.NoError(t, err)
		assert.Equal(t, "Ops", p.Department)
		assert.Equal(t, "E-7", p.EmployeeID)
		assert.Empty(t, p.Zone)
	})

	t.Run("existing profile conflicts", func(t *testing.T) {
		f := newProfileFixture(t)
		auditor := &recordingAuditor{}
		f.service.WithAuditor(auditor)

		_, err := f.service.CompleteProfile(ctx, identityFor("kc-driver", authz.RoleDriver), CompleteProfileRequest{
			Role:          authz.RoleDriver,
			LicenseNumber: "L-1",
		})
		assert.ErrorIs(t, err, ErrProfileExists)
		assert.True(t, IsConflictError(err))
		assert.Empty(t, auditor.actions())
	})

	t.Run("role not held", func(t *testing.T) {
		f := newProfileFixture(t)
		_, err := f.service.CompleteProfile(ctx, hosted(authz.RoleDriver), CompleteProfileRequest{Role: authz.RoleAdmin})
		assert.ErrorIs(t, err, ErrForbidden)

		_, getErr := f.repo.GetBySubject(ctx, "kc-hosted")
		assert.ErrorIs(t, getErr, repositories.ErrNotFound)
	})

	t.Run("unknown role", func(t *testing.T) {
		f := newProfileFixture(t)
		_, err := f.service.CompleteProfile(ctx, hosted(authz.RoleDriver), CompleteProfileRequest{Role: "pilot"})
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("anonymous", func(t *testing.T) {
		f := newProfileFixture(t)
		_, err := f.service.CompleteProfile(ctx, nil, CompleteProfileRequest{Role: authz.RoleDriver})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestProfileService_StaffDirectory(t *testing.T) {
	f := newProfileFixture(t)

	entries, err := f.service.StaffDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, authz.RoleManager, entries[0].Role)
	assert.Nil(t, entries[0].Available)
	require.NotNil(t, entries[1].Available)
	assert.True(t, *entries[1].Available)
	require.NotNil(t, entries[2].Available)
	assert.False(t, *entries[2].Available)
}
