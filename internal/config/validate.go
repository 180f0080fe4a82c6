package config

import "fmt"

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const maxPort = 65535

// Validate checks a defaulted Config.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > maxPort {
		return &ValidationError{Field: "service.port", Message: "must be between 1 and 65535"}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return &ValidationError{Field: "logging.level", Message: "must be one of: debug, info, warn, error, fatal"}
	}
	if c.Database.Host == "" {
		return &ValidationError{Field: "database.host", Message: "is required"}
	}
	if c.Database.Database == "" {
		return &ValidationError{Field: "database.database", Message: "is required"}
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.RateLimits.validate(); err != nil {
		return err
	}
	if c.ErrorLog.Capacity < 1 {
		return &ValidationError{Field: "error_log.capacity", Message: "must be positive"}
	}
	if c.Platforms.PublishURL == "" {
		return &ValidationError{Field: "platforms.publish_url", Message: "is required"}
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.MaxRetries < 1 {
		return &ValidationError{Field: "scheduler.max_retries", Message: "must be at least 1"}
	}
	if s.BatchSize < 1 {
		return &ValidationError{Field: "scheduler.batch_size", Message: "must be at least 1"}
	}
	if s.Concurrency < 1 {
		return &ValidationError{Field: "scheduler.concurrency", Message: "must be at least 1"}
	}
	if s.PublishTimeout <= 0 {
		return &ValidationError{Field: "scheduler.publish_timeout", Message: "must be positive"}
	}
	if s.JobTimeout < s.CycleBudget() {
		return &ValidationError{
			Field:   "scheduler.job_timeout",
			Message: "must cover ceil(batch_size/concurrency) * publish_timeout (" + s.CycleBudget().String() + ")",
		}
	}
	if s.ClaimLease <= s.JobTimeout {
		return &ValidationError{Field: "scheduler.claim_lease", Message: "must exceed scheduler.job_timeout"}
	}
	switch s.PartialSuccessPolicy {
	case "accept", "retry_failed":
	default:
		return &ValidationError{Field: "scheduler.partial_success_policy", Message: "must be one of: accept, retry_failed"}
	}
	if s.Retention < 0 {
		return &ValidationError{Field: "scheduler.retention", Message: "must not be negative"}
	}
	return nil
}

func (rl *RateLimitConfig) validate() error {
	if rl.Hourly < 1 {
		return &ValidationError{Field: "rate_limits.hourly", Message: "must be at least 1"}
	}
	if rl.Daily < rl.Hourly {
		return &ValidationError{Field: "rate_limits.daily", Message: "must be at least rate_limits.hourly"}
	}
	if rl.PerDestination < 0 {
		return &ValidationError{Field: "rate_limits.per_destination", Message: "must not be negative"}
	}
	if rl.WarningThreshold <= 0 || rl.WarningThreshold > 1 {
		return &ValidationError{Field: "rate_limits.warning_threshold", Message: "must be in (0, 1]"}
	}
	return nil
}
