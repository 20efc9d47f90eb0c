package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/transport-identity/app"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/internal/observability"
	"github.com/upb/transport-identity/middleware"
	"github.com/upb/transport-identity/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AuditContext)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(deps.Config.Server.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)
	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", observability.Handler(deps.Registry))
	}

	r.Route("/api", func(r chi.Router) {
		// Public
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.LoginLimiter.Middleware).Post("/login", deps.AuthHandler.HandleLogin)
			r.Post("/register/{role}", deps.AuthHandler.HandleRegister)
		})

		// Everything else needs a verified bearer token
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			policy := deps.PolicyMiddleware.RequirePolicy

			r.Route("/profile", func(r chi.Router) {
				r.With(policy(authz.PolicyAllAuthenticated)).Get("/me", deps.ProfileHandler.HandleMe)
				r.With(policy(authz.PolicyAdminOnly)).Post("/register/admin", deps.ProfileHandler.HandleCompleteProfile(authz.RoleAdmin))
				r.With(policy(authz.PolicyManagerOnly)).Post("/register/manager", deps.ProfileHandler.HandleCompleteProfile(authz.RoleManager))
				r.With(policy(authz.PolicyDriverOnly)).Post("/register/driver", deps.ProfileHandler.HandleCompleteProfile(authz.RoleDriver))
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(policy(authz.PolicyAdminOnly))
				r.Get("/dashboard", deps.ProfileHandler.HandleAdminDashboard)
				r.Get("/users", deps.ProfileHandler.HandleListUsers)
				r.Post("/assign-driver", deps.ProfileHandler.HandleAssignDriver)
				r.Get("/audit", deps.AuditHandler.HandleList)
			})

			r.Route("/manager", func(r chi.Router) {
				r.Use(policy(authz.PolicyManagerOnly))
				r.Get("/profile", deps.ProfileHandler.HandleManagerProfile)
				r.Get("/drivers", deps.ProfileHandler.HandleManagerDrivers)
				r.Get("/dashboard", deps.ProfileHandler.HandleManagerDashboard)
			})

			r.Route("/driver", func(r chi.Router) {
				r.Use(policy(authz.PolicyDriverOnly))
				r.Get("/profile", deps.ProfileHandler.HandleDriverProfile)
				r.Put("/availability", deps.ProfileHandler.HandleSetAvailability)
			})

			r.With(policy(authz.PolicyAdminOrManager)).Get("/staff/directory", deps.ProfileHandler.HandleStaffDirectory)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
