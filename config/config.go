package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/transport-identity/keycloak"
)

// Profile storage backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Keycloak      KeycloakConfig
	Client        ClientConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
	ProfileStore  string // memory or postgres
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig configures the persisted session store. An empty Addr
// keeps sessions in memory.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionKey string
	SessionTTL time.Duration
}

// KeycloakConfig holds the realm, client and administrative credentials.
type KeycloakConfig struct {
	URL           string
	Realm         string
	ClientID      string
	ClientSecret  string
	AdminRealm    string
	AdminClientID string
	AdminUsername string
	AdminPassword string
	Audiences     []string
	HTTPTimeout   time.Duration
}

// ClientConfig holds settings for embedded client sessions.
type ClientConfig struct {
	AppOrigin        string
	APIBaseURL       string
	LandingPath      string
	RefreshLookahead time.Duration
	RefreshTimeout   time.Duration
}

// RateLimitConfig bounds login attempts per client address.
type RateLimitConfig struct {
	LoginPerMinute  int
	LoginBurst      int
	CleanupInterval time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		ProfileStore: strings.ToLower(getEnv("PROFILE_STORE", StoreMemory)),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 20*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:4200"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvAsInt("REDIS_DB", 0),
			SessionKey: getEnv("REDIS_SESSION_KEY", "transport-identity:session"),
			SessionTTL: getEnvAsDuration("REDIS_SESSION_TTL", 30*time.Minute),
		},
		Keycloak: KeycloakConfig{
			URL:           getEnv("KEYCLOAK_URL", "http://localhost:8080"),
			Realm:         getEnv("KEYCLOAK_REALM", "transport-realm"),
			ClientID:      getEnv("KEYCLOAK_CLIENT_ID", "transport-app"),
			ClientSecret:  getEnv("KEYCLOAK_CLIENT_SECRET", ""),
			AdminRealm:    getEnv("KEYCLOAK_ADMIN_REALM", "master"),
			AdminClientID: getEnv("KEYCLOAK_ADMIN_CLIENT_ID", "admin-cli"),
			AdminUsername: getEnv("KEYCLOAK_ADMIN_USERNAME", "admin"),
			AdminPassword: getEnv("KEYCLOAK_ADMIN_PASSWORD", ""),
			Audiences:     getEnvAsList("KEYCLOAK_AUDIENCES", []string{"account"}),
			HTTPTimeout:   getEnvAsDuration("KEYCLOAK_HTTP_TIMEOUT", 10*time.Second),
		},
		Client: ClientConfig{
			AppOrigin:        getEnv("APP_ORIGIN", "http://localhost:4200"),
			APIBaseURL:       getEnv("API_BASE_URL", "http://localhost:5000"),
			LandingPath:      getEnv("CLIENT_LANDING_PATH", "/dashboard"),
			RefreshLookahead: getEnvAsDuration("CLIENT_REFRESH_LOOKAHEAD", 30*time.Second),
			RefreshTimeout:   getEnvAsDuration("CLIENT_REFRESH_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			LoginPerMinute:  getEnvAsInt("LOGIN_RATE_PER_MINUTE", 10),
			LoginBurst:      getEnvAsInt("LOGIN_RATE_BURST", 10),
			CleanupInterval: getEnvAsDuration("LOGIN_RATE_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.ProfileStore {
	case StoreMemory:
	case StorePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unknown profile store %q", c.ProfileStore)
	}

	if c.Keycloak.URL == "" {
		return fmt.Errorf("keycloak URL is required")
	}
	if _, err := url.ParseRequestURI(c.Keycloak.URL); err != nil {
		return fmt.Errorf("invalid keycloak URL: %w", err)
	}
	if c.Keycloak.Realm == "" {
		return fmt.Errorf("keycloak realm is required")
	}
	if c.Keycloak.ClientID == "" {
		return fmt.Errorf("keycloak client ID is required")
	}
	if c.IsProduction() && c.Keycloak.AdminPassword == "" {
		return fmt.Errorf("keycloak admin password is required in production")
	}

	if c.RateLimit.LoginPerMinute <= 0 {
		return fmt.Errorf("login rate must be positive")
	}
	if c.Client.RefreshLookahead < 0 {
		return fmt.Errorf("refresh lookahead cannot be negative")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// KeycloakSettings converts the section into the keycloak package config.
func (c *Config) KeycloakSettings() keycloak.Config {
	return keycloak.Config{
		BaseURL:       c.Keycloak.URL,
		Realm:         c.Keycloak.Realm,
		ClientID:      c.Keycloak.ClientID,
		ClientSecret:  c.Keycloak.ClientSecret,
		AdminRealm:    c.Keycloak.AdminRealm,
		AdminClientID: c.Keycloak.AdminClientID,
		AdminUsername: c.Keycloak.AdminUsername,
		AdminPassword: c.Keycloak.AdminPassword,
		Audiences:     c.Keycloak.Audiences,
		HTTPTimeout:   c.Keycloak.HTTPTimeout,
	}
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "transport"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "transport"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 5000)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 5000
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
