package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/middleware"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/services"
	"github.com/upb/transport-identity/utils"
	"go.uber.org/zap"
)

// ProfileService defines the profile and dashboard operations behind the
// role-scoped endpoints.
type ProfileService interface {
	Me(ctx context.Context, identity *authz.Identity) (*models.UserProfile, error)
	ProfileForRole(ctx context.Context, identity *authz.Identity, role string) (*models.UserProfile, error)
	CompleteProfile(ctx context.Context, identity *authz.Identity, req services.CompleteProfileRequest) (*models.UserProfile, error)
	AdminDashboard(ctx context.Context) (*models.AdminDashboard, error)
	ListUsers(ctx context.Context, role string) ([]*models.UserProfile, error)
	AssignDriver(ctx context.Context, actor *authz.Identity, driverID, managerID uuid.UUID) error
	ManagerDrivers(ctx context.Context, identity *authz.Identity) ([]*models.UserProfile, error)
	ManagerDashboard(ctx context.Context, identity *authz.Identity) (*models.ManagerDashboard, error)
	SetDriverAvailability(ctx context.Context, identity *authz.Identity, available bool) (*models.UserProfile, error)
	StaffDirectory(ctx context.Context) ([]models.StaffEntry, error)
}

// MeResponse is the body of GET /api/profile/me. Everything except Profile
// comes from the verified token.
type MeResponse struct {
	KeycloakID        string              `json:"keycloakId"`
	Email             string              `json:"email"`
	FirstName         string              `json:"firstName"`
	LastName          string              `json:"lastName"`
	PreferredUsername string              `json:"preferredUsername,omitempty"`
	Roles             []string            `json:"roles"`
	PrimaryRole       string              `json:"primaryRole"`
	Profile           *models.UserProfile `json:"profile,omitempty"`
}

// AssignDriverRequest is the body of POST /api/admin/assign-driver
type AssignDriverRequest struct {
	DriverID  uuid.UUID `json:"driverId" validate:"required"`
	ManagerID uuid.UUID `json:"managerId" validate:"required"`
}

// AvailabilityRequest is the body of PUT /api/driver/availability
type AvailabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

// ProfileHandler serves the profile, dashboard and directory endpoints.
// Route-level policies are enforced by middleware before these run.
type ProfileHandler struct {
	profiles ProfileService
	logger   *zap.Logger
}

// NewProfileHandler creates a new ProfileHandler
func NewProfileHandler(profiles ProfileService, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{
		profiles: profiles,
		logger:   logger,
	}
}

// identity returns the caller or writes a 401.
func (h *ProfileHandler) identity(w http.ResponseWriter, r *http.Request) (*authz.Identity, bool) {
	identity := middleware.GetIdentityFromContext(r.Context())
	if !identity.Authenticated() {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	return identity, true
}

// HandleMe handles GET /api/profile/me
func (h *ProfileHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	resp := MeResponse{
		KeycloakID:        identity.Subject,
		Email:             identity.Email,
		FirstName:         identity.GivenName,
		LastName:          identity.FamilyName,
		PreferredUsername: identity.PreferredUsername,
		Roles:             identity.Roles.Slice(),
		PrimaryRole:       identity.PrimaryRole(),
	}

	profile, err := h.profiles.Me(r.Context(), identity)
	switch {
	case err == nil:
		resp.Profile = profile
	case errors.Is(err, services.ErrProfileNotFound):
		// accounts created outside registration have no stored profile
	default:
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// HandleCompleteProfile returns the handler for
// POST /api/profile/register/{role}. The route policy guarantees the caller
// holds role.
func (h *ProfileHandler) HandleCompleteProfile(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := h.identity(w, r)
		if !ok {
			return
		}

		var req services.CompleteProfileRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid request body", nil)
			return
		}
		req.Role = role

		if err := utils.ValidateStruct(&req); err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}

		p, err := h.profiles.CompleteProfile(r.Context(), identity, req)
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteCreated(w, p)
	}
}

// HandleAdminDashboard handles GET /api/admin/dashboard
func (h *ProfileHandler) HandleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.profiles.AdminDashboard(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, d)
}

// HandleListUsers handles GET /api/admin/users?role=
func (h *ProfileHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.profiles.ListUsers(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, users)
}

// HandleAssignDriver handles POST /api/admin/assign-driver
func (h *ProfileHandler) HandleAssignDriver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssignDriverRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.profiles.AssignDriver(ctx, middleware.GetIdentityFromContext(ctx), req.DriverID, req.ManagerID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("driver assignment updated",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("driver_id", req.DriverID.String()),
		zap.String("manager_id", req.ManagerID.String()))

	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse{Message: "Driver assigned successfully"})
}

// HandleManagerProfile handles GET /api/manager/profile
func (h *ProfileHandler) HandleManagerProfile(w http.ResponseWriter, r *http.Request) {
	h.roleProfile(w, r, authz.RoleManager)
}

// HandleDriverProfile handles GET /api/driver/profile
func (h *ProfileHandler) HandleDriverProfile(w http.ResponseWriter, r *http.Request) {
	h.roleProfile(w, r, authz.RoleDriver)
}

func (h *ProfileHandler) roleProfile(w http.ResponseWriter, r *http.Request, role string) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	p, err := h.profiles.ProfileForRole(r.Context(), identity, role)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleManagerDrivers handles GET /api/manager/drivers
func (h *ProfileHandler) HandleManagerDrivers(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	drivers, err := h.profiles.ManagerDrivers(r.Context(), identity)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, drivers)
}

// HandleManagerDashboard handles GET /api/manager/dashboard
func (h *ProfileHandler) HandleManagerDashboard(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	d, err := h.profiles.ManagerDashboard(r.Context(), identity)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, d)
}

// HandleSetAvailability handles PUT /api/driver/availability
func (h *ProfileHandler) HandleSetAvailability(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req AvailabilityRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	p, err := h.profiles.SetDriverAvailability(r.Context(), identity, *req.Available)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleStaffDirectory handles GET /api/staff/directory
func (h *ProfileHandler) HandleStaffDirectory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.profiles.StaffDirectory(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, entries)
}
