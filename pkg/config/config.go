package config

import "time"

// Config is the root configuration for rulecore.
type Config struct {
	// Engine controls pass execution.
	Engine EngineConfig `yaml:"engine"`

	// Cache controls the result cache.
	Cache CacheConfig `yaml:"cache"`

	// Actions controls the action executor.
	Actions ActionsConfig `yaml:"actions"`

	// Metrics controls metrics collection and alert thresholds.
	Metrics MetricsConfig `yaml:"metrics"`

	// Storage selects the audit and metrics history backend.
	Storage StorageConfig `yaml:"storage"`

	// Rules points at the rule definition file.
	Rules RulesConfig `yaml:"rules"`

	// Scheduler controls periodic maintenance jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging controls structured logging output.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing controls OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing"`
}

// EngineConfig contains rule engine settings.
type EngineConfig struct {
	// Workers bounds concurrent rule evaluation within a pass.
	// Default: 4
	Workers int `yaml:"workers"`

	// PassTimeout bounds a whole evaluation pass (0 = no limit).
	// Default: 30s
	PassTimeout time.Duration `yaml:"pass_timeout"`

	// CostLimit bounds the evaluation cost of a single condition.
	// Default: 1000000
	CostLimit uint64 `yaml:"cost_limit"`

	// AuditTimeout bounds persisting the audit record after a pass.
	// Default: 5s
	AuditTimeout time.Duration `yaml:"audit_timeout"`
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	// Enabled controls whether results are cached.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// MaxEntries caps the number of cached results.
	// Default: 10000
	MaxEntries int `yaml:"max_entries"`

	// AdvisoryTTL applies to rules whose actions only observe.
	// Default: 10m
	AdvisoryTTL time.Duration `yaml:"advisory_ttl"`

	// SideEffectingTTL applies to rules that alert, notify or schedule.
	// Default: 30s
	SideEffectingTTL time.Duration `yaml:"side_effecting_ttl"`
}

// ActionsConfig contains action executor settings.
type ActionsConfig struct {
	// Timeout bounds a single action call.
	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`

	// NotificationRate is sustained notifications per second (0 = unlimited).
	// Default: 10
	NotificationRate float64 `yaml:"notification_rate"`

	// NotificationBurst is the notification limiter burst.
	// Default: 20
	NotificationBurst int `yaml:"notification_burst"`
}

// MetricsConfig contains metrics collection settings.
type MetricsConfig struct {
	// Enabled controls whether Prometheus metrics are recorded. Summaries and
	// alerts are always available.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	// Default: "rulecore"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name.
	// Default: "engine"
	Subsystem string `yaml:"subsystem"`

	// DurationBuckets defines histogram buckets for evaluation time (seconds).
	DurationBuckets []float64 `yaml:"duration_buckets"`

	// MaxRuleLabels caps the number of distinct rule label values.
	// Default: 1000
	MaxRuleLabels int `yaml:"max_rule_labels"`

	// SlowRuleThreshold raises a slow_execution alert when a rule's average
	// evaluation time exceeds it.
	// Default: 250ms
	SlowRuleThreshold time.Duration `yaml:"slow_rule_threshold"`

	// ErrorRateThreshold raises an error_rate alert above this fraction.
	// Default: 0.1
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`

	// MinSamples is the minimum evaluations before rate alerts fire.
	// Default: 20
	MinSamples int `yaml:"min_samples"`

	// BaselineDelta is how far above the historical error rate the current
	// rate may drift before error_rate_regression fires.
	// Default: 0.05
	BaselineDelta float64 `yaml:"baseline_delta"`

	// HistoryLimit is the number of stored snapshots loaded as baseline.
	// Default: 100
	HistoryLimit int `yaml:"history_limit"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite, sqlite3 or postgres.
	// Default: "memory"
	Driver string `yaml:"driver"`

	// DSN is the data source name. For sqlite drivers it is a file path.
	DSN string `yaml:"dsn"`

	// MaxOpenConns bounds the connection pool.
	// Default: 4
	MaxOpenConns int `yaml:"max_open_conns"`

	// BusyTimeout is the SQLite busy timeout.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RulesConfig points at rule definitions.
type RulesConfig struct {
	// Path is the YAML rule file. Empty means rules are registered in code.
	Path string `yaml:"path"`

	// Watch reloads the rule file when it changes.
	Watch bool `yaml:"watch"`

	// Debounce collapses bursts of file events.
	// Default: 200ms
	Debounce time.Duration `yaml:"debounce"`
}

// SchedulerConfig contains periodic job schedules (standard 5-field cron).
type SchedulerConfig struct {
	// Enabled starts the scheduler.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// MetricsSnapshot persists a metrics snapshot.
	// Default: "*/5 * * * *"
	MetricsSnapshot string `yaml:"metrics_snapshot"`

	// CacheSweep removes expired cache entries.
	// Default: "* * * * *"
	CacheSweep string `yaml:"cache_sweep"`

	// AuditRetention prunes old audit records.
	// Default: "0 3 * * *"
	AuditRetention string `yaml:"audit_retention"`

	// RetentionDays is how long audit records are kept (0 = forever).
	// Default: 90
	RetentionDays int `yaml:"retention_days"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is json or text.
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes the source file and line in each record.
	AddSource bool `yaml:"add_source"`

	// RedactPII masks emails, phone numbers and secrets in log attributes.
	RedactPII bool `yaml:"redact_pii"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	// Enabled exports spans over OTLP/gRPC. When false spans are no-ops.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Sampler is always, never or ratio.
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of passes traced when Sampler is ratio.
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName is the service.name resource attribute.
	// Default: "rulecore"
	ServiceName string `yaml:"service_name"`
}
