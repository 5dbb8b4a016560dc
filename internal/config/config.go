package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	Database     DatabaseConfig
	Server       ServerConfig
	Protection   ProtectionConfig
	Identity     IdentityConfig
	Notification NotificationConfig
	Admin        AdminConfig
}

type DatabaseConfig struct {
	Driver            string
	AutoMigrate       bool
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port               string
	Env                string
	LogLevel           string
	LogFormat          string
	TrustedProxies     []string
	HTTPRateLimit      int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MinFailureResponse time.Duration
}

// ProtectionConfig is the lockout and rate limit policy. Every field can be
// overridden by the [protection] table of the optional policy file.
type ProtectionConfig struct {
	MaxAttempts            int             `toml:"max_attempts"`
	MaxAttemptsPerIP       int             `toml:"max_attempts_per_ip"`
	LockoutDuration        time.Duration   `toml:"lockout_duration"`
	ProgressiveLockout     bool            `toml:"progressive_lockout"`
	ProgressiveMultiplier  int             `toml:"progressive_multiplier"`
	MaxLockoutTier         int             `toml:"max_lockout_tier"`
	FailureInactivityReset time.Duration   `toml:"failure_inactivity_reset"`
	LockIPOnUserLockout    bool            `toml:"lock_ip_on_user_lockout"`
	RetentionDays          int             `toml:"retention_days"`
	CleanupInterval        time.Duration   `toml:"cleanup_interval"`
	RateLimits             RateLimitPolicy `toml:"rate_limits"`
}

// RateLimitPolicy holds an independent limit per attempt kind.
type RateLimitPolicy struct {
	Login         RateLimitRule `toml:"login"`
	Registration  RateLimitRule `toml:"registration"`
	LostPassword  RateLimitRule `toml:"lost_password"`
	PasswordReset RateLimitRule `toml:"password_reset"`
}

// RateLimitRule allows Limit attempts per Window. A zero Limit disables the rule.
type RateLimitRule struct {
	Limit  int           `toml:"limit"`
	Window time.Duration `toml:"window"`
}

type IdentityConfig struct {
	VerifyURL       string
	VerifierTimeout time.Duration
}

type NotificationConfig struct {
	NotifyLockout bool
	AdminEmail    string
	FromEmail     string
	SiteName      string
	AWSRegion     string
	RatePerMinute int
	QueueSize     int
	Workers       int
}

type AdminConfig struct {
	JWTSecret string
}

type policyFile struct {
	Protection *ProtectionConfig `toml:"protection"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:            getEnv("STORAGE_DRIVER", StorageDriverPostgres),
			AutoMigrate:       getEnvAsBool("DB_AUTO_MIGRATE", true),
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "login_protection"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			Env:                env,
			LogLevel:           getEnv("LOG_LEVEL", "info"),
			LogFormat:          getEnv("LOG_FORMAT", "json"),
			TrustedProxies:     getEnvAsSlice("TRUSTED_PROXIES", nil),
			HTTPRateLimit:      getEnvAsInt("HTTP_RATE_LIMIT_PER_MINUTE", 300),
			ReadTimeout:        getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:        getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			MinFailureResponse: getEnvAsDuration("MIN_FAILURE_RESPONSE", 500*time.Millisecond),
		},
		Protection: ProtectionConfig{
			MaxAttempts:            getEnvAsInt("MAX_ATTEMPTS", 5),
			MaxAttemptsPerIP:       getEnvAsInt("MAX_ATTEMPTS_PER_IP", 20),
			LockoutDuration:        getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),
			ProgressiveLockout:     getEnvAsBool("PROGRESSIVE_LOCKOUT", true),
			ProgressiveMultiplier:  getEnvAsInt("PROGRESSIVE_MULTIPLIER", 2),
			MaxLockoutTier:         getEnvAsInt("MAX_LOCKOUT_TIER", 5),
			FailureInactivityReset: getEnvAsDuration("FAILURE_INACTIVITY_RESET", 24*time.Hour),
			LockIPOnUserLockout:    getEnvAsBool("LOCK_IP_ON_USER_LOCKOUT", false),
			RetentionDays:          getEnvAsInt("RETENTION_DAYS", 30),
			CleanupInterval:        getEnvAsDuration("CLEANUP_INTERVAL", 24*time.Hour),
			RateLimits: RateLimitPolicy{
				Login: RateLimitRule{
					Limit:  getEnvAsInt("RATE_LIMIT_PER_MINUTE", 20),
					Window: time.Minute,
				},
				Registration: RateLimitRule{
					Limit:  getEnvAsInt("REGISTRATION_LIMIT_PER_HOUR", 0),
					Window: time.Hour,
				},
				LostPassword: RateLimitRule{
					Limit:  getEnvAsInt("LOST_PASSWORD_LIMIT_PER_HOUR", 3),
					Window: time.Hour,
				},
				PasswordReset: RateLimitRule{
					Limit:  getEnvAsInt("PASSWORD_RESET_LIMIT_PER_HOUR", 0),
					Window: time.Hour,
				},
			},
		},
		Identity: IdentityConfig{
			VerifyURL:       getEnv("IDENTITY_VERIFY_URL", ""),
			VerifierTimeout: getEnvAsDuration("VERIFIER_TIMEOUT", 5*time.Second),
		},
		Notification: NotificationConfig{
			NotifyLockout: getEnvAsBool("NOTIFY_LOCKOUT", true),
			AdminEmail:    getEnv("NOTIFY_ADMIN_EMAIL", ""),
			FromEmail:     getEnv("EMAIL_FROM", ""),
			SiteName:      getEnv("SITE_NAME", "Login Protection"),
			AWSRegion:     getEnv("AWS_REGION", ""),
			RatePerMinute: getEnvAsInt("NOTIFY_RATE_PER_MINUTE", 30),
			QueueSize:     getEnvAsInt("EVENT_QUEUE_SIZE", 1024),
			Workers:       getEnvAsInt("EVENT_WORKERS", 2),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		},
	}

	if path := getEnv("POLICY_FILE", ""); path != "" {
		if err := loadPolicyFile(path, &cfg.Protection); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadPolicyFile overlays the [protection] table of a TOML file onto p.
// Keys absent from the file keep their environment values.
func loadPolicyFile(path string, p *ProtectionConfig) error {
	pf := policyFile{Protection: p}
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return fmt.Errorf("failed to load policy file %s: %w", path, err)
	}
	return nil
}

// Validate checks required values and policy ranges.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case StorageDriverPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.Database.Driver)
	}

	if c.Admin.JWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required")
	}
	if err := validateJWTSecret(c.Admin.JWTSecret, c.Server.Env); err != nil {
		return err
	}

	if c.Identity.VerifyURL == "" {
		return fmt.Errorf("IDENTITY_VERIFY_URL is required")
	}

	return c.Protection.Validate()
}

// Validate enforces the accepted policy ranges.
func (p *ProtectionConfig) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 20 {
		return fmt.Errorf("max attempts must be between 1 and 20 (got %d)", p.MaxAttempts)
	}
	if p.MaxAttemptsPerIP < 0 {
		return fmt.Errorf("max attempts per IP cannot be negative")
	}
	if p.LockoutDuration < 5*time.Minute || p.LockoutDuration > 24*time.Hour {
		return fmt.Errorf("lockout duration must be between 5m and 24h (got %s)", p.LockoutDuration)
	}
	if p.ProgressiveMultiplier < 1 || p.ProgressiveMultiplier > 10 {
		return fmt.Errorf("progressive multiplier must be between 1 and 10 (got %d)", p.ProgressiveMultiplier)
	}
	if p.MaxLockoutTier < 0 || p.MaxLockoutTier > 20 {
		return fmt.Errorf("max lockout tier must be between 0 and 20 (got %d)", p.MaxLockoutTier)
	}
	if p.FailureInactivityReset <= 0 {
		return fmt.Errorf("failure inactivity reset must be positive")
	}
	if p.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}
	if p.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}

	rules := map[string]RateLimitRule{
		"login":          p.RateLimits.Login,
		"registration":   p.RateLimits.Registration,
		"lost_password":  p.RateLimits.LostPassword,
		"password_reset": p.RateLimits.PasswordReset,
	}
	for kind, rule := range rules {
		if rule.Limit < 0 {
			return fmt.Errorf("%s rate limit cannot be negative", kind)
		}
		if rule.Limit > 0 && rule.Window <= 0 {
			return fmt.Errorf("%s rate limit window must be positive", kind)
		}
	}

	return nil
}

// Retention is the ledger and event retention period.
func (p *ProtectionConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// validateJWTSecret enforces minimum security standards for the admin token secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("ADMIN_JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
