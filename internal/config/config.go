// Package config reads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	SentryDSN   string
	RedisURL    string
	CronSecret  string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	AdminEmail    string
	AdminPassword string
	AdminName     string

	Security Security
	Cleanup  Cleanup

	GoogleClientID string

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
}

// Security mirrors the knobs the authentication core accepts.
type Security struct {
	FederationAllowList []string
	AccountCapacity     int
	LoginMaxAttempts    int
	LoginLockDuration   time.Duration
	SessionTTL          time.Duration
	MFAPendingTTL       time.Duration
	ResetTokenTTL       time.Duration
	TOTPIssuer          string
}

type Cleanup struct {
	LoginAttemptRetention time.Duration
	BatchSize             int
}

func Load() (Config, error) {
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}
	if len(jwtSecret) < 32 {
		return Config{}, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	cfg := Config{
		AppEnv:      envOrDefault("APP_ENV", "development"),
		Port:        envOrDefault("PORT", "8080"),
		DatabaseURL: databaseURL,
		JWTSecret:   jwtSecret,
		SentryDSN:   strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		CronSecret:  strings.TrimSpace(os.Getenv("CRON_SECRET")),

		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),

		AdminEmail:    strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		AdminName:     strings.TrimSpace(os.Getenv("ADMIN_NAME")),

		Security: Security{
			FederationAllowList: envList("OAUTH_ALLOWED_EMAILS"),
			AccountCapacity:     envIntOrDefault("ACCOUNT_CAPACITY", 5),
			LoginMaxAttempts:    envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			LoginLockDuration:   envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
			SessionTTL:          envMinutesOrDefault("SESSION_TOKEN_TTL_MINUTES", 8*60),
			MFAPendingTTL:       envMinutesOrDefault("MFA_PENDING_TTL_MINUTES", 5),
			ResetTokenTTL:       envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 60),
			TOTPIssuer:          envOrDefault("TOTP_ISSUER", "Admin Console"),
		},
		Cleanup: Cleanup{
			LoginAttemptRetention: envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
			BatchSize:             envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		},

		GoogleClientID: strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),

		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	}

	return cfg, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

// envList splits a comma separated variable, dropping blanks.
func envList(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}

	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
