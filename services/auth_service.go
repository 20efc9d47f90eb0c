package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/internal/observability"
	"github.com/upb/transport-identity/keycloak"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"go.uber.org/zap"
)

// CredentialBroker is the identity provider surface used for login and
// registration.
type CredentialBroker interface {
	ExchangeForToken(ctx context.Context, identifier, secret string) (*keycloak.TokenPair, error)
	ProvisionAccount(ctx context.Context, acct keycloak.Account) (*keycloak.ProvisionResult, error)
	RemoveAccount(ctx context.Context, subjectID string) error
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UserInfo is the identity summary returned alongside tokens.
type UserInfo struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	Roles       []string `json:"roles"`
	PrimaryRole string   `json:"primaryRole"`
}

// NewUserInfo builds the summary for identity.
func NewUserInfo(identity *authz.Identity) UserInfo {
	return UserInfo{
		ID:          identity.Subject,
		Email:       identity.Email,
		FirstName:   identity.GivenName,
		LastName:    identity.FamilyName,
		Roles:       identity.Roles.Slice(),
		PrimaryRole: identity.PrimaryRole(),
	}
}

// LoginResponse carries the token pair and the caller's identity.
type LoginResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	ExpiresIn    int      `json:"expiresIn"`
	TokenType    string   `json:"tokenType"`
	UserInfo     UserInfo `json:"userInfo"`
}

// RegisterRequest is the body of POST /api/auth/register/{role}. Role comes
// from the path; the role-specific fields are required only for that role.
type RegisterRequest struct {
	Role        string `json:"-" validate:"required,role"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	FirstName   string `json:"firstName" validate:"required,max=100"`
	LastName    string `json:"lastName" validate:"required,max=100"`
	PhoneNumber string `json:"phoneNumber" validate:"required_unless=Role admin,max=50"`

	Department string `json:"department" validate:"required_if=Role admin"`
	EmployeeID string `json:"employeeId" validate:"required_if=Role admin"`

	Zone              string `json:"zone" validate:"required_if=Role manager"`
	MaxDriversManaged int    `json:"maxDriversManaged" validate:"gte=0,lte=1000"`

	LicenseNumber     string     `json:"licenseNumber" validate:"required_if=Role driver"`
	VehicleType       string     `json:"vehicleType" validate:"required_if=Role driver"`
	VehiclePlate      string     `json:"vehiclePlate" validate:"required_if=Role driver"`
	AssignedManagerID *uuid.UUID `json:"assignedManagerId"`
}

// RegisterResponse is returned after a successful registration.
type RegisterResponse struct {
	Message   string    `json:"message"`
	ProfileID uuid.UUID `json:"profileId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
}

const defaultMaxDrivers = 10

// AuthService orchestrates password login and self registration.
type AuthService struct {
	broker     CredentialBroker
	normalizer *keycloak.ClaimsNormalizer
	profiles   repositories.ProfileRepository
	txMgr      repositories.TransactionManager
	metrics    *observability.Metrics
	audit      AuditRecorder
	logger     *zap.Logger
}

// NewAuthService creates an auth service. metrics may be nil.
func NewAuthService(
	broker CredentialBroker,
	profiles repositories.ProfileRepository,
	txMgr repositories.TransactionManager,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		broker:     broker,
		normalizer: keycloak.NewClaimsNormalizer(logger),
		profiles:   profiles,
		txMgr:      txMgr,
		metrics:    metrics,
		audit:      nopRecorder{},
		logger:     logger,
	}
}

// WithAuditor sends login and registration events to r.
func (s *AuthService) WithAuditor(r AuditRecorder) *AuthService {
	s.audit = recorderOrNop(r)
	return s
}

func (s *AuthService) loginFailed(ctx context.Context, email, reason string) {
	s.metrics.RecordLogin(observability.OutcomeFailure)
	s.audit.Record(ctx, models.NewAuditLog(models.AuditActionLoginFailed).
		WithEmail(email).
		WithDetails(map[string]string{"reason": reason}))
}

// Login exchanges credentials for tokens and reports the caller's roles.
// Every failure is reported as ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	email := strings.TrimSpace(req.Email)

	pair, err := s.broker.ExchangeForToken(ctx, email, req.Password)
	if err != nil {
		s.loginFailed(ctx, email, "credentials_rejected")
		return nil, ErrInvalidCredentials.Wrap(err)
	}

	claims, err := keycloak.ParseUnverified(pair.AccessToken)
	if err != nil {
		s.loginFailed(ctx, email, "unreadable_token")
		s.logger.Error("identity provider returned an unreadable access token", zap.Error(err))
		return nil, ErrInvalidCredentials.Wrap(err)
	}

	identity := s.normalizer.Normalize(claims)
	if !identity.Authenticated() {
		s.loginFailed(ctx, email, "missing_subject")
		return nil, ErrInvalidCredentials.Wrap(errors.New("access token has no subject"))
	}

	s.metrics.RecordLogin(observability.OutcomeSuccess)
	s.audit.Record(ctx, models.NewAuditLog(models.AuditActionLoginSucceeded).
		WithSubject(identity.Subject, identity.PrimaryRole()).
		WithEmail(email))
	s.logger.Info("user logged in",
		zap.String("sub", identity.Subject),
		zap.String("primary_role", identity.PrimaryRole()))

	return &LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		TokenType:    pair.TokenType,
		UserInfo:     NewUserInfo(identity),
	}, nil
}

// Register provisions an identity provider account with the requested role
// and stores its profile. When the profile cannot be stored the account is
// removed again.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if !authz.KnownRole(req.Role) {
		return nil, ErrInvalidRole.Wrap(fmt.Errorf("role %q", req.Role))
	}
	logger := s.logger.With(zap.String("role", req.Role))

	result, err := s.broker.ProvisionAccount(ctx, keycloak.Account{
		Email:     strings.TrimSpace(req.Email),
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	})
	if err != nil {
		outcome := observability.OutcomeFailure
		var partial *keycloak.PartialProvisionError
		if errors.As(err, &partial) {
			outcome = observability.OutcomePartial
		}
		s.metrics.RecordProvisioning(req.Role, outcome)
		s.audit.Record(ctx, models.NewAuditLog(models.AuditActionRegistrationFailed).
			WithEmail(strings.TrimSpace(req.Email)).
			WithDetails(map[string]string{"role": req.Role, "outcome": outcome}))
		logger.Warn("account provisioning failed", zap.Error(err))
		return nil, ErrRegistrationFailed.Wrap(err)
	}

	profile := profileFromRequest(result.SubjectID, req)

	err = WithTransaction(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		repo := s.profiles.WithTx(tx)
		if profile.AssignedManagerID != nil {
			manager, err := repo.GetByID(ctx, *profile.AssignedManagerID)
			if err != nil || manager.Role != authz.RoleManager {
				return ErrInvalidInput.Wrap(fmt.Errorf("assigned manager %s: %v", profile.AssignedManagerID, err)).
					WithDetail("assignedManagerId", "must reference an existing manager")
			}
		}
		return repo.Create(ctx, profile)
	})
	if err != nil {
		s.metrics.RecordProvisioning(req.Role, observability.OutcomePartial)
		rmErr := s.broker.RemoveAccount(context.WithoutCancel(ctx), result.SubjectID)
		if rmErr != nil {
			logger.Error("failed to remove account after profile error",
				zap.String("sub", result.SubjectID),
				zap.Error(err),
				zap.NamedError("remove_error", rmErr))
		}
		s.audit.Record(ctx, models.NewAuditLog(models.AuditActionRegistrationCompensated).
			WithSubject(result.SubjectID, req.Role).
			WithEmail(profile.Email).
			WithDetails(map[string]bool{"accountRemoved": rmErr == nil}))
		if IsValidationError(err) {
			return nil, err
		}
		logger.Warn("profile creation failed", zap.String("sub", result.SubjectID), zap.Error(err))
		return nil, ErrRegistrationFailed.Wrap(err)
	}

	s.metrics.RecordProvisioning(req.Role, observability.OutcomeSuccess)
	s.audit.Record(ctx, models.NewAuditLog(models.AuditActionAccountRegistered).
		WithSubject(result.SubjectID, req.Role).
		WithEmail(profile.Email).
		WithProfile(profile.ID))
	logger.Info("user registered", zap.String("sub", result.SubjectID), zap.String("profile_id", profile.ID.String()))

	return &RegisterResponse{
		Message:   fmt.Sprintf("%s registered successfully", displayRole(req.Role)),
		ProfileID: profile.ID,
		UserID:    result.SubjectID,
		Role:      req.Role,
	}, nil
}

func profileFromRequest(subjectID string, req RegisterRequest) *models.UserProfile {
	p := models.NewUserProfile(subjectID, strings.TrimSpace(req.Email), req.FirstName, req.LastName, req.Role)
	p.Phone = req.PhoneNumber

	switch req.Role {
	case authz.RoleAdmin:
		p.Department = req.Department
		p.EmployeeID = req.EmployeeID
	case authz.RoleManager:
		p.Zone = req.Zone
		p.MaxDriversManaged = req.MaxDriversManaged
		if p.MaxDriversManaged == 0 {
			p.MaxDriversManaged = defaultMaxDrivers
		}
	case authz.RoleDriver:
		p.LicenseNumber = req.LicenseNumber
		p.VehicleType = req.VehicleType
		p.VehiclePlate = req.VehiclePlate
		p.AssignedManagerID = req.AssignedManagerID
	}
	return p
}

func displayRole(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}
