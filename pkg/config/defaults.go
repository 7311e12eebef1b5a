package config

import "time"

// Default configuration values.
const (
	// Engine defaults
	DefaultEngineWorkers      = 4
	DefaultEnginePassTimeout  = 30 * time.Second
	DefaultEngineCostLimit    = 1_000_000
	DefaultEngineAuditTimeout = 5 * time.Second

	// Cache defaults
	DefaultCacheEnabled          = true
	DefaultCacheMaxEntries       = 10000
	DefaultCacheAdvisoryTTL      = 10 * time.Minute
	DefaultCacheSideEffectingTTL = 30 * time.Second

	// Action defaults
	DefaultActionTimeout           = 5 * time.Second
	DefaultActionNotificationRate  = 10.0
	DefaultActionNotificationBurst = 20

	// Metrics defaults
	DefaultMetricsEnabled            = true
	DefaultMetricsNamespace          = "rulecore"
	DefaultMetricsSubsystem          = "engine"
	DefaultMetricsMaxRuleLabels      = 1000
	DefaultMetricsSlowRuleThreshold  = 250 * time.Millisecond
	DefaultMetricsErrorRateThreshold = 0.1
	DefaultMetricsMinSamples         = 20
	DefaultMetricsBaselineDelta      = 0.05
	DefaultMetricsHistoryLimit       = 100

	// Storage defaults
	DefaultStorageDriver       = "memory"
	DefaultStorageMaxOpenConns = 4
	DefaultStorageBusyTimeout  = 5 * time.Second

	// Rules defaults
	DefaultRulesDebounce = 200 * time.Millisecond

	// Scheduler defaults
	DefaultSchedulerEnabled         = true
	DefaultSchedulerMetricsSnapshot = "*/5 * * * *"
	DefaultSchedulerCacheSweep      = "* * * * *"
	DefaultSchedulerAuditRetention  = "0 3 * * *"
	DefaultSchedulerRetentionDays   = 90

	// Logging defaults
	DefaultLoggingLevel  = "info"
	DefaultLoggingFormat = "json"

	// Tracing defaults
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingTimeout     = 10 * time.Second
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingServiceName = "rulecore"
)

// DefaultDurationBuckets covers sub-millisecond conditions up to multi-second
// passes.
var DefaultDurationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Default returns a configuration with every field set to its default. YAML
// is decoded on top of it, so boolean defaults survive absent keys.
func Default() *Config {
	cfg := &Config{
		Cache: CacheConfig{Enabled: DefaultCacheEnabled},
		Metrics: MetricsConfig{
			Enabled: DefaultMetricsEnabled,
		},
		Scheduler: SchedulerConfig{Enabled: DefaultSchedulerEnabled},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	// Engine
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = DefaultEngineWorkers
	}
	if cfg.Engine.PassTimeout == 0 {
		cfg.Engine.PassTimeout = DefaultEnginePassTimeout
	}
	if cfg.Engine.CostLimit == 0 {
		cfg.Engine.CostLimit = DefaultEngineCostLimit
	}
	if cfg.Engine.AuditTimeout == 0 {
		cfg.Engine.AuditTimeout = DefaultEngineAuditTimeout
	}

	// Cache
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if cfg.Cache.AdvisoryTTL == 0 {
		cfg.Cache.AdvisoryTTL = DefaultCacheAdvisoryTTL
	}
	if cfg.Cache.SideEffectingTTL == 0 {
		cfg.Cache.SideEffectingTTL = DefaultCacheSideEffectingTTL
	}

	// Actions
	if cfg.Actions.Timeout == 0 {
		cfg.Actions.Timeout = DefaultActionTimeout
	}
	if cfg.Actions.NotificationRate == 0 {
		cfg.Actions.NotificationRate = DefaultActionNotificationRate
	}
	if cfg.Actions.NotificationBurst == 0 {
		cfg.Actions.NotificationBurst = DefaultActionNotificationBurst
	}

	// Metrics
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.Subsystem == "" {
		cfg.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(cfg.Metrics.DurationBuckets) == 0 {
		cfg.Metrics.DurationBuckets = append([]float64(nil), DefaultDurationBuckets...)
	}
	if cfg.Metrics.MaxRuleLabels == 0 {
		cfg.Metrics.MaxRuleLabels = DefaultMetricsMaxRuleLabels
	}
	if cfg.Metrics.SlowRuleThreshold == 0 {
		cfg.Metrics.SlowRuleThreshold = DefaultMetricsSlowRuleThreshold
	}
	if cfg.Metrics.ErrorRateThreshold == 0 {
		cfg.Metrics.ErrorRateThreshold = DefaultMetricsErrorRateThreshold
	}
	if cfg.Metrics.MinSamples == 0 {
		cfg.Metrics.MinSamples = DefaultMetricsMinSamples
	}
	if cfg.Metrics.BaselineDelta == 0 {
		cfg.Metrics.BaselineDelta = DefaultMetricsBaselineDelta
	}
	if cfg.Metrics.HistoryLimit == 0 {
		cfg.Metrics.HistoryLimit = DefaultMetricsHistoryLimit
	}

	// Storage
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = DefaultStorageMaxOpenConns
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = DefaultStorageBusyTimeout
	}

	// Rules
	if cfg.Rules.Debounce == 0 {
		cfg.Rules.Debounce = DefaultRulesDebounce
	}

	// Scheduler
	if cfg.Scheduler.MetricsSnapshot == "" {
		cfg.Scheduler.MetricsSnapshot = DefaultSchedulerMetricsSnapshot
	}
	if cfg.Scheduler.CacheSweep == "" {
		cfg.Scheduler.CacheSweep = DefaultSchedulerCacheSweep
	}
	if cfg.Scheduler.AuditRetention == "" {
		cfg.Scheduler.AuditRetention = DefaultSchedulerAuditRetention
	}
	if cfg.Scheduler.RetentionDays == 0 {
		cfg.Scheduler.RetentionDays = DefaultSchedulerRetentionDays
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}

	// Tracing
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Tracing.Timeout == 0 {
		cfg.Tracing.Timeout = DefaultTracingTimeout
	}
	if cfg.Tracing.Sampler == "" {
		cfg.Tracing.Sampler = DefaultTracingSampler
	}
	if cfg.Tracing.SampleRatio == 0 && cfg.Tracing.Sampler == "ratio" {
		cfg.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultTracingServiceName
	}
}
