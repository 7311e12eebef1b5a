package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RULECORE_"

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates the result. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration and applies RULECORE_*
// environment overrides. An empty path starts from the defaults.
//
// The loading sequence is:
//  1. Load YAML from file (if any)
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		cfg, err = LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies RULECORE_SECTION_FIELD variables. Values that do
// not parse are ignored.
func applyEnvOverrides(cfg *Config) {
	// Engine
	envInt("ENGINE_WORKERS", &cfg.Engine.Workers)
	envDuration("ENGINE_PASS_TIMEOUT", &cfg.Engine.PassTimeout)
	if val := getenv("ENGINE_COST_LIMIT"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			cfg.Engine.CostLimit = n
		}
	}
	envDuration("ENGINE_AUDIT_TIMEOUT", &cfg.Engine.AuditTimeout)

	// Cache
	envBool("CACHE_ENABLED", &cfg.Cache.Enabled)
	envInt("CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	envDuration("CACHE_ADVISORY_TTL", &cfg.Cache.AdvisoryTTL)
	envDuration("CACHE_SIDE_EFFECTING_TTL", &cfg.Cache.SideEffectingTTL)

	// Actions
	envDuration("ACTIONS_TIMEOUT", &cfg.Actions.Timeout)
	envFloat("ACTIONS_NOTIFICATION_RATE", &cfg.Actions.NotificationRate)
	envInt("ACTIONS_NOTIFICATION_BURST", &cfg.Actions.NotificationBurst)

	// Metrics
	envBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("METRICS_NAMESPACE", &cfg.Metrics.Namespace)
	envString("METRICS_SUBSYSTEM", &cfg.Metrics.Subsystem)
	envDuration("METRICS_SLOW_RULE_THRESHOLD", &cfg.Metrics.SlowRuleThreshold)
	envFloat("METRICS_ERROR_RATE_THRESHOLD", &cfg.Metrics.ErrorRateThreshold)
	envInt("METRICS_MIN_SAMPLES", &cfg.Metrics.MinSamples)

	// Storage
	envString("STORAGE_DRIVER", &cfg.Storage.Driver)
	envString("STORAGE_DSN", &cfg.Storage.DSN)
	envInt("STORAGE_MAX_OPEN_CONNS", &cfg.Storage.MaxOpenConns)

	// Rules
	envString("RULES_PATH", &cfg.Rules.Path)
	envBool("RULES_WATCH", &cfg.Rules.Watch)

	// Scheduler
	envBool("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	envInt("SCHEDULER_RETENTION_DAYS", &cfg.Scheduler.RetentionDays)

	// Tracing
	envBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	envString("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	envFloat("TRACING_SAMPLE_RATIO", &cfg.Tracing.SampleRatio)

	// Logging
	envBool("LOGGING_REDACT_PII", &cfg.Logging.RedactPII)
	if val := getenv("LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
	}
	if val := getenv("LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = strings.ToLower(val)
	}
}

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func envString(key string, dst *string) {
	if val := getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if val := getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if val := getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
