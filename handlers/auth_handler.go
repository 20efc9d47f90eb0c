package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/upb/transport-identity/middleware"
	"github.com/upb/transport-identity/services"
	"github.com/upb/transport-identity/utils"
	"go.uber.org/zap"
)

// AuthService is the login and registration surface used by AuthHandler.
type AuthService interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResponse, error)
	Register(ctx context.Context, req services.RegisterRequest) (*services.RegisterResponse, error)
}

// AuthHandler handles the unauthenticated /api/auth endpoints
type AuthHandler struct {
	auth   AuthService
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(auth AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   auth,
		logger: logger,
	}
}

// HandleLogin handles POST /api/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req services.LoginRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("failed to parse login body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	resp, err := h.auth.Login(ctx, req)
	if err != nil {
		h.logger.Info("login rejected",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// HandleRegister handles POST /api/auth/register/{role}
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req services.RegisterRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("failed to parse registration body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	req.Role = strings.ToLower(chi.URLParam(r, "role"))

	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	resp, err := h.auth.Register(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("registration completed",
		zap.String("request_id", requestID),
		zap.String("role", resp.Role),
		zap.String("profile_id", resp.ProfileID.String()))

	_ = utils.WriteCreated(w, resp)
}
