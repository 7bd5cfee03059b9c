package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Admin JWT secret
	if len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, "ADMIN_JWT_SECRET must be at least 32 characters")
	}

	// Store backend
	switch c.Store.Backend {
	case "memory", "file", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("STORE_BACKEND must be one of memory, file, redis, postgres, got %q", c.Store.Backend))
	}
	if c.Store.Backend == "file" && c.Store.FilePath == "" {
		errs = append(errs, "STORE_FILE_PATH is required for the file backend")
	}
	if c.Store.Backend == "postgres" && c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required for the postgres backend")
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, "STORE_TIMEOUT must be positive")
	}
	if c.Store.WriteRetries < 0 {
		errs = append(errs, fmt.Sprintf("STORE_WRITE_RETRIES must not be negative, got %d", c.Store.WriteRetries))
	}

	// Quota
	if c.Quota.DailyRequestLimit <= 0 {
		errs = append(errs, "DAILY_REQUEST_LIMIT must be positive")
	}
	if c.Quota.DefaultGranularity != "daily" && c.Quota.DefaultGranularity != "monthly" {
		errs = append(errs, fmt.Sprintf("DEFAULT_GRANULARITY must be daily or monthly, got %q", c.Quota.DefaultGranularity))
	}
	if c.Quota.PolicyWatch && c.Quota.PolicyFile == "" {
		errs = append(errs, "QUOTA_POLICY_WATCH requires QUOTA_POLICY_FILE")
	}
	if _, err := cron.ParseStandard(c.Quota.RolloverSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("ROLLOVER_SCHEDULE is not a valid cron expression: %v", err))
	}
	if !c.Quota.SafetyEnabled {
		slog.Warn("SAFETY_ENABLED is off: admission checks always allow")
	}

	// Alert webhook
	if c.Alert.WebhookURL != "" {
		u, err := url.Parse(c.Alert.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "USAGE_ALERT_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}
	if c.Alert.WebhookTimeout <= 0 {
		errs = append(errs, "WEBHOOK_TIMEOUT must be positive")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Rate limit
	if c.RateLimit.Requests < 1 || c.RateLimit.WindowSec < 1 {
		errs = append(errs, "RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_SEC must be positive")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
