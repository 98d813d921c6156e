package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "queue.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDrivers returns the list of valid broker drivers
func ValidDrivers() []string {
	return []string{DriverMemory, DriverRedis}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateQueue()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateNotify()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Session.Shell) == "" {
		errors = append(errors, ValidationError{
			Field:   "session.shell",
			Value:   c.Session.Shell,
			Message: "must not be empty",
		})
	}

	if c.Session.CommandTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.command_timeout_seconds",
			Value:   c.Session.CommandTimeoutSeconds,
			Message: "must be positive",
		})
	}

	nonNegative := []struct {
		field string
		value int
	}{
		{"session.idle_timeout_minutes", c.Session.IdleTimeoutMinutes},
		{"session.stderr_grace_ms", c.Session.StderrGraceMs},
		{"session.wait_delay_ms", c.Session.WaitDelayMs},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errors = append(errors, ValidationError{Field: f.field, Value: f.value, Message: "must be non-negative"})
		}
	}

	for i, kv := range c.Session.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("session.env[%d]", i),
				Value:   kv,
				Message: "must have the form KEY=value",
			})
		}
	}

	return errors
}

func (c *Config) validateQueue() []ValidationError {
	var errors []ValidationError
	q := c.Queue

	if len(q.Categories) == 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.categories",
			Value:   q.Categories,
			Message: "must list at least one category",
		})
	}
	seen := make(map[string]bool, len(q.Categories))
	for _, cat := range q.Categories {
		name := strings.TrimSpace(cat)
		switch {
		case name == "":
			errors = append(errors, ValidationError{Field: "queue.categories", Value: cat, Message: "category name must not be empty"})
		case seen[name]:
			errors = append(errors, ValidationError{Field: "queue.categories", Value: cat, Message: "duplicate category"})
		}
		seen[name] = true
	}
	for _, p := range q.Paused {
		if !seen[strings.TrimSpace(p)] {
			errors = append(errors, ValidationError{Field: "queue.paused", Value: p, Message: "not a configured category"})
		}
	}

	if q.Concurrency < 1 {
		errors = append(errors, ValidationError{Field: "queue.concurrency", Value: q.Concurrency, Message: "must be at least 1"})
	}
	if q.MaxAttempts < 1 {
		errors = append(errors, ValidationError{Field: "queue.max_attempts", Value: q.MaxAttempts, Message: "must be at least 1"})
	}
	if q.BackoffMultiplier < 1 {
		errors = append(errors, ValidationError{Field: "queue.backoff_multiplier", Value: q.BackoffMultiplier, Message: "must be at least 1"})
	}
	if q.BackoffJitter < 0 || q.BackoffJitter >= 1 {
		errors = append(errors, ValidationError{Field: "queue.backoff_jitter", Value: q.BackoffJitter, Message: "must be in [0, 1)"})
	}

	nonNegative := []struct {
		field string
		value int
	}{
		{"queue.backoff_base_ms", q.BackoffBaseMs},
		{"queue.backoff_max_ms", q.BackoffMaxMs},
		{"queue.keep_completed", q.KeepCompleted},
		{"queue.keep_failed", q.KeepFailed},
		{"queue.retention_hours", q.RetentionHours},
		{"queue.attempt_timeout_minutes", q.AttemptTimeoutMinutes},
		{"queue.shutdown_timeout_seconds", q.ShutdownTimeoutSeconds},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errors = append(errors, ValidationError{Field: f.field, Value: f.value, Message: "must be non-negative"})
		}
	}

	if q.BackoffMaxMs > 0 && q.BackoffMaxMs < q.BackoffBaseMs {
		errors = append(errors, ValidationError{
			Field:   "queue.backoff_max_ms",
			Value:   q.BackoffMaxMs,
			Message: "must not be smaller than queue.backoff_base_ms",
		})
	}

	return errors
}

func (c *Config) validateBroker() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidDrivers(), c.Broker.Driver) {
		errors = append(errors, ValidationError{
			Field:   "broker.driver",
			Value:   c.Broker.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDrivers(), ", ")),
		})
	}

	if c.Broker.Driver == DriverRedis && strings.TrimSpace(c.Broker.Redis.Addr) == "" {
		errors = append(errors, ValidationError{
			Field:   "broker.redis.addr",
			Value:   c.Broker.Redis.Addr,
			Message: "is required for the redis driver",
		})
	}

	if c.Broker.Redis.DB < 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.redis.db",
			Value:   c.Broker.Redis.DB,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.CLITool) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.cli_tool",
			Value:   c.Agent.CLITool,
			Message: "must not be empty",
		})
	}
	if c.Agent.SessionTTLHours < 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.session_ttl_hours",
			Value:   c.Agent.SessionTTLHours,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateNotify() []ValidationError {
	var errors []ValidationError

	if c.Notify.WebhookURL != "" {
		u, err := url.Parse(c.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "notify.webhook_url",
				Value:   c.Notify.WebhookURL,
				Message: "must be an http or https URL",
			})
		}
	}

	if c.Notify.WebhookTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "notify.webhook_timeout_seconds",
			Value:   c.Notify.WebhookTimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
