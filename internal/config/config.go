package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Bastion server and CLI.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Security   SecurityConfig
	Errors     ErrorsConfig
	Webhooks   WebhooksConfig
	Audit      AuditConfig
	RateLimits RateLimitConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
	// CORSOrigins enables CORS for browser clients using public tokens.
	// Empty disables it.
	CORSOrigins []string
}

// IsProduction reports whether the server runs in the production serving
// context, where only live tokens are accepted.
func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

// SlogLevel maps LogLevel onto slog; unknown values fall back to info.
func (s ServerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AuthConfig carries the server secret and token defaults.
type AuthConfig struct {
	AppKey              string
	TokenExpirationDays int
}

// DefaultTokenTTL is zero when tokens do not expire by default.
func (a AuthConfig) DefaultTokenTTL() time.Duration {
	return time.Duration(a.TokenExpirationDays) * 24 * time.Hour
}

type SecurityConfig struct {
	PreventTestTokensInProduction bool
	EnableAuditLogging            bool
}

type ErrorsConfig struct {
	UseRFC7807 bool
	BaseURL    string
}

type WebhooksConfig struct {
	MaxFailures int
	Timeout     time.Duration
}

type AuditConfig struct {
	RetentionDays int
}

type RateLimitConfig struct {
	Test int
	Live int
	IP   int
}

// settings maps viper keys to their environment variable and default.
var settings = []struct {
	key string
	env string
	def any
}{
	{"server.port", "BASTION_PORT", 8080},
	{"server.env", "BASTION_ENV", "development"},
	{"server.log_level", "LOG_LEVEL", "info"},
	{"server.cors_origins", "CORS_ALLOWED_ORIGINS", ""},
	{"database.driver", "DATABASE_DRIVER", DriverPostgres},
	{"database.url", "DATABASE_URL", ""},
	{"database.max_open_conns", "DATABASE_MAX_OPEN_CONNS", 25},
	{"database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS", 5},
	{"database.conn_max_lifetime", "DATABASE_CONN_MAX_LIFETIME", 5 * time.Minute},
	{"redis.url", "REDIS_URL", ""},
	{"auth.app_key", "APP_KEY", ""},
	{"auth.token_expiration_days", "TOKEN_EXPIRATION_DAYS", 0},
	{"security.prevent_test_tokens_in_production", "SECURITY_PREVENT_TEST_TOKENS_IN_PRODUCTION", true},
	{"security.enable_audit_logging", "SECURITY_ENABLE_AUDIT_LOGGING", true},
	{"errors.use_rfc7807", "ERRORS_USE_RFC7807", true},
	{"errors.base_url", "ERRORS_BASE_URL", "https://bastion.dev/errors/"},
	{"webhooks.max_failures", "WEBHOOKS_MAX_FAILURES", 10},
	{"webhooks.timeout", "WEBHOOKS_TIMEOUT", 30 * time.Second},
	{"audit.retention_days", "AUDIT_LOG_RETENTION_DAYS", 90},
	{"rate_limits.test", "RATE_LIMIT_TEST", 100},
	{"rate_limits.live", "RATE_LIMIT_LIVE", 60},
	{"rate_limits.ip", "IP_RATE_LIMIT", 300},
}

// Bind registers defaults and environment bindings on v. Values from a config
// file read into v are overridden by the environment.
func Bind(v *viper.Viper) {
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		_ = v.BindEnv(s.key, s.env)
	}
}

// Load reads configuration through v and returns a validated Config. A nil v
// reads the environment only. Returns an error with a descriptive message if
// any required value is missing or invalid.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	Bind(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetInt("server.port"),
			Env:         v.GetString("server.env"),
			LogLevel:    v.GetString("server.log_level"),
			CORSOrigins: splitList(v.GetString("server.cors_origins")),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(v.GetString("database.driver")),
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis.url"),
		},
		Auth: AuthConfig{
			AppKey:              v.GetString("auth.app_key"),
			TokenExpirationDays: v.GetInt("auth.token_expiration_days"),
		},
		Security: SecurityConfig{
			PreventTestTokensInProduction: v.GetBool("security.prevent_test_tokens_in_production"),
			EnableAuditLogging:            v.GetBool("security.enable_audit_logging"),
		},
		Errors: ErrorsConfig{
			UseRFC7807: v.GetBool("errors.use_rfc7807"),
			BaseURL:    v.GetString("errors.base_url"),
		},
		Webhooks: WebhooksConfig{
			MaxFailures: v.GetInt("webhooks.max_failures"),
			Timeout:     v.GetDuration("webhooks.timeout"),
		},
		Audit: AuditConfig{
			RetentionDays: v.GetInt("audit.retention_days"),
		},
		RateLimits: RateLimitConfig{
			Test: v.GetInt("rate_limits.test"),
			Live: v.GetInt("rate_limits.live"),
			IP:   v.GetInt("rate_limits.ip"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// splitList parses a comma-separated setting, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Auth.AppKey == "" {
		return fmt.Errorf("APP_KEY is required")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is postgres")
		}
		if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
			return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", c.Database.URL)
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("BASTION_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Auth.TokenExpirationDays < 0 {
		return fmt.Errorf("TOKEN_EXPIRATION_DAYS must not be negative, got %d", c.Auth.TokenExpirationDays)
	}
	if c.Webhooks.MaxFailures <= 0 {
		return fmt.Errorf("WEBHOOKS_MAX_FAILURES must be positive, got %d", c.Webhooks.MaxFailures)
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("AUDIT_LOG_RETENTION_DAYS must be positive, got %d", c.Audit.RetentionDays)
	}
	if c.RateLimits.Test <= 0 || c.RateLimits.Live <= 0 || c.RateLimits.IP <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}

	return nil
}
