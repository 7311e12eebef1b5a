package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrInvalidConfig is wrapped by every ValidationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g., "engine.workers").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

func (e ValidationError) Unwrap() error { return ErrInvalidConfig }

// Validate checks the configuration and returns a ValidationError listing
// every problem, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateActions(&cfg.Actions)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateRules(&cfg.Rules)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateTracing(&cfg.Tracing)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateEngine(cfg *EngineConfig) []FieldError {
	var errs []FieldError
	if cfg.Workers < 1 {
		errs = append(errs, FieldError{Field: "engine.workers", Message: "must be at least 1"})
	}
	if cfg.PassTimeout < 0 {
		errs = append(errs, FieldError{Field: "engine.pass_timeout", Message: "must not be negative"})
	}
	if cfg.AuditTimeout < 0 {
		errs = append(errs, FieldError{Field: "engine.audit_timeout", Message: "must not be negative"})
	}
	return errs
}

func validateCache(cfg *CacheConfig) []FieldError {
	var errs []FieldError
	if cfg.MaxEntries < 1 {
		errs = append(errs, FieldError{Field: "cache.max_entries", Message: "must be at least 1"})
	}
	if cfg.AdvisoryTTL < 0 {
		errs = append(errs, FieldError{Field: "cache.advisory_ttl", Message: "must not be negative"})
	}
	if cfg.SideEffectingTTL < 0 {
		errs = append(errs, FieldError{Field: "cache.side_effecting_ttl", Message: "must not be negative"})
	}
	if cfg.SideEffectingTTL > cfg.AdvisoryTTL {
		errs = append(errs, FieldError{Field: "cache.side_effecting_ttl", Message: "must not exceed advisory_ttl"})
	}
	return errs
}

func validateActions(cfg *ActionsConfig) []FieldError {
	var errs []FieldError
	if cfg.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "actions.timeout", Message: "must be positive"})
	}
	if cfg.NotificationRate < 0 {
		errs = append(errs, FieldError{Field: "actions.notification_rate", Message: "must not be negative"})
	}
	if cfg.NotificationBurst < 1 {
		errs = append(errs, FieldError{Field: "actions.notification_burst", Message: "must be at least 1"})
	}
	return errs
}

func validateMetrics(cfg *MetricsConfig) []FieldError {
	var errs []FieldError
	if cfg.Namespace == "" {
		errs = append(errs, FieldError{Field: "metrics.namespace", Message: "must not be empty"})
	}
	for i := 1; i < len(cfg.DurationBuckets); i++ {
		if cfg.DurationBuckets[i] <= cfg.DurationBuckets[i-1] {
			errs = append(errs, FieldError{Field: "metrics.duration_buckets", Message: "must be strictly increasing"})
			break
		}
	}
	if cfg.MaxRuleLabels < 1 {
		errs = append(errs, FieldError{Field: "metrics.max_rule_labels", Message: "must be at least 1"})
	}
	if cfg.ErrorRateThreshold <= 0 || cfg.ErrorRateThreshold > 1 {
		errs = append(errs, FieldError{Field: "metrics.error_rate_threshold", Message: "must be in (0, 1]"})
	}
	if cfg.BaselineDelta < 0 || cfg.BaselineDelta > 1 {
		errs = append(errs, FieldError{Field: "metrics.baseline_delta", Message: "must be in [0, 1]"})
	}
	if cfg.MinSamples < 1 {
		errs = append(errs, FieldError{Field: "metrics.min_samples", Message: "must be at least 1"})
	}
	if cfg.HistoryLimit < 0 {
		errs = append(errs, FieldError{Field: "metrics.history_limit", Message: "must not be negative"})
	}
	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError
	switch cfg.Driver {
	case "memory":
	case "sqlite", "sqlite3", "postgres":
		if cfg.DSN == "" {
			errs = append(errs, FieldError{Field: "storage.dsn", Message: fmt.Sprintf("is required for driver %q", cfg.Driver)})
		}
	default:
		errs = append(errs, FieldError{Field: "storage.driver", Message: fmt.Sprintf("unknown driver %q (want memory, sqlite, sqlite3 or postgres)", cfg.Driver)})
	}
	if cfg.MaxOpenConns < 1 {
		errs = append(errs, FieldError{Field: "storage.max_open_conns", Message: "must be at least 1"})
	}
	return errs
}

func validateRules(cfg *RulesConfig) []FieldError {
	var errs []FieldError
	if cfg.Watch && cfg.Path == "" {
		errs = append(errs, FieldError{Field: "rules.watch", Message: "requires rules.path"})
	}
	if cfg.Debounce < 0 {
		errs = append(errs, FieldError{Field: "rules.debounce", Message: "must not be negative"})
	}
	return errs
}

func validateScheduler(cfg *SchedulerConfig) []FieldError {
	var errs []FieldError
	specs := []struct {
		field string
		spec  string
	}{
		{"scheduler.metrics_snapshot", cfg.MetricsSnapshot},
		{"scheduler.cache_sweep", cfg.CacheSweep},
		{"scheduler.audit_retention", cfg.AuditRetention},
	}
	for _, s := range specs {
		if _, err := cron.ParseStandard(s.spec); err != nil {
			errs = append(errs, FieldError{Field: s.field, Message: fmt.Sprintf("invalid cron expression: %v", err)})
		}
	}
	if cfg.RetentionDays < 0 {
		errs = append(errs, FieldError{Field: "scheduler.retention_days", Message: "must not be negative"})
	}
	return errs
}

func validateLogging(cfg *LoggingConfig) []FieldError {
	var errs []FieldError
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", cfg.Level)})
	}
	switch cfg.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", cfg.Format)})
	}
	return errs
}

func validateTracing(cfg *TracingConfig) []FieldError {
	var errs []FieldError
	switch cfg.Sampler {
	case "always", "never", "ratio":
	default:
		errs = append(errs, FieldError{Field: "tracing.sampler", Message: fmt.Sprintf("unknown sampler %q", cfg.Sampler)})
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		errs = append(errs, FieldError{Field: "tracing.sample_ratio", Message: "must be in [0, 1]"})
	}
	if cfg.Enabled && cfg.Endpoint == "" {
		errs = append(errs, FieldError{Field: "tracing.endpoint", Message: "is required when tracing is enabled"})
	}
	return errs
}
