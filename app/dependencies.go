package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/upb/transport-identity/config"
	"github.com/upb/transport-identity/handlers"
	"github.com/upb/transport-identity/internal/authz"
	"github.com/upb/transport-identity/internal/observability"
	"github.com/upb/transport-identity/keycloak"
	"github.com/upb/transport-identity/middleware"
	"github.com/upb/transport-identity/repositories"
	"github.com/upb/transport-identity/repositories/memory"
	"github.com/upb/transport-identity/repositories/postgres"
	"github.com/upb/transport-identity/services"
	"github.com/upb/transport-identity/services/audit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Storage; RepoFactory and DB are nil with the memory store
	RepoFactory *postgres.RepositoryFactory
	DB          *sql.DB
	Redis       redis.UniversalClient
	Profiles    repositories.ProfileRepository
	TxManager   repositories.TransactionManager
	AuditRepo   repositories.AuditRepository

	// Identity
	Broker *keycloak.Broker
	Engine *authz.Engine

	// Middleware
	AuthMiddleware   *middleware.AuthMiddleware
	PolicyMiddleware *middleware.PolicyMiddleware
	LoginLimiter     *middleware.LoginRateLimiter

	// Services
	Audit          *audit.Service
	AuthService    *services.AuthService
	ProfileService *services.ProfileService

	// Handlers
	AuthHandler    *handlers.AuthHandler
	ProfileHandler *handlers.ProfileHandler
	AuditHandler   *handlers.AuditHandler
	HealthHandler  *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics()

	if err := deps.initStorage(ctx); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initIdentity(ctx); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	if err := deps.initServices(); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("profile_store", cfg.ProfileStore),
		zap.Bool("redis", deps.Redis != nil))
	return deps, nil
}

func (d *Dependencies) initMetrics() {
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.Registry)
}

// initStorage selects the profile store and connects the optional Redis client
func (d *Dependencies) initStorage(ctx context.Context) error {
	switch d.Config.ProfileStore {
	case config.StorePostgres:
		factory, err := postgres.NewRepositoryFactory(d.Config, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory
		d.DB = factory.GetDB().DB

		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		repos := factory.NewRepositories()
		d.Profiles = repos.Profiles
		d.TxManager = repos.Transactions
		d.AuditRepo = repos.Audit

	default:
		d.Profiles = memory.NewProfileRepository(d.Logger)
		d.TxManager = memory.NewTransactionManager(d.Logger)
		d.AuditRepo = memory.NewAuditRepository(d.Logger)
		d.Logger.Warn("using in-memory profile store, profiles are lost on restart")
	}

	if d.Config.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     d.Config.Redis.Addr,
			Password: d.Config.Redis.Password,
			DB:       d.Config.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}
		d.Redis = client
		d.Logger.Info("redis connection established", zap.String("addr", d.Config.Redis.Addr))
	}

	return nil
}

// initIdentity builds the token validator, the credential broker and the
// policy engine.
func (d *Dependencies) initIdentity(ctx context.Context) error {
	kc := d.Config.KeycloakSettings()

	var tokenValidator middleware.TokenValidator
	validator, err := keycloak.NewValidator(ctx, kc, d.Logger)
	switch {
	case err == nil:
		tokenValidator = validator
	case d.Config.IsProduction():
		return err
	default:
		// Use reject-all validator so protected routes return 401
		d.Logger.Warn("keycloak discovery failed, protected routes will reject all tokens",
			zap.String("issuer", kc.Issuer()),
			zap.Error(err))
		tokenValidator = rejectAllValidator{}
	}

	d.Broker = keycloak.NewBroker(kc, d.Logger)
	d.Engine = authz.NewEngine(authz.DefaultPolicies()...)

	d.AuthMiddleware = middleware.NewAuthMiddleware(tokenValidator, d.Logger)
	d.PolicyMiddleware = middleware.NewPolicyMiddleware(d.Engine, d.Metrics, d.Logger)
	d.LoginLimiter = middleware.NewLoginRateLimiter(middleware.RateLimiterConfig{
		Rate:            rate.Limit(float64(d.Config.RateLimit.LoginPerMinute) / 60.0),
		Burst:           d.Config.RateLimit.LoginBurst,
		CleanupInterval: d.Config.RateLimit.CleanupInterval,
	}, d.Metrics, d.Logger)

	return nil
}

func (d *Dependencies) initServices() error {
	d.Audit = audit.NewService(d.AuditRepo, d.Metrics, d.Logger, audit.DefaultConfig())
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}
	d.PolicyMiddleware.WithAuditor(d.Audit)

	d.AuthService = services.NewAuthService(d.Broker, d.Profiles, d.TxManager, d.Metrics, d.Logger).
		WithAuditor(d.Audit)
	d.ProfileService = services.NewProfileService(d.Profiles, d.TxManager, d.Logger).
		WithAuditor(d.Audit)

	d.AuthHandler = handlers.NewAuthHandler(d.AuthService, d.Logger)
	d.ProfileHandler = handlers.NewProfileHandler(d.ProfileService, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Audit, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(d.DB, d.Redis, d.Logger)
	return nil
}

// rejectAllValidator rejects all tokens (used when Keycloak cannot be reached
// outside production)
type rejectAllValidator struct{}

func (rejectAllValidator) ValidateToken(context.Context, string) (jwt.MapClaims, error) {
	return nil, keycloak.ErrInvalidToken
}

// abort releases what a partial initialization started.
func (d *Dependencies) abort() {
	if d.LoginLimiter != nil {
		d.LoginLimiter.Stop()
	}
	for _, err := range d.closeStorage() {
		d.Logger.Warn("cleanup after failed initialization", zap.Error(err))
	}
}

func (d *Dependencies) closeStorage() []error {
	var errs []error

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
		d.DB = nil
	}

	return errs
}

// Close gracefully shuts down all dependencies. It is safe to call twice.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	if d.LoginLimiter != nil {
		d.LoginLimiter.Stop()
	}

	var errs []error
	if d.Audit != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if err := d.Audit.Stop(timeout); err != nil && !errors.Is(err, audit.ErrNotStarted) {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
		d.Audit = nil
	}

	errs = append(errs, d.closeStorage()...)

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}
	return nil
}
