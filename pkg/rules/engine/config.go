package engine

import (
	"fmt"
	"time"

	"impactlab/rulecore/pkg/config"
	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/actions"
	"impactlab/rulecore/pkg/rules/cache"
)

// Config contains configuration for the rule engine.
type Config struct {
	// Workers bounds how many independent rules run concurrently within a
	// pass. 1 evaluates every rule sequentially.
	// Default: 4.
	Workers int

	// PassTimeout bounds a whole evaluation pass (0 = no bound beyond the
	// caller's context).
	// Default: 30s.
	PassTimeout time.Duration

	// CostLimit is the per-evaluation CEL cost budget.
	// Default: 1,000,000.
	CostLimit uint64

	// AuditTimeout bounds the PersistAudit call made after each pass.
	// Default: 5s.
	AuditTimeout time.Duration

	// CacheEnabled turns the result cache on.
	// Default: true.
	CacheEnabled bool

	// Cache configures capacity and TTLs of the result cache.
	Cache cache.Config

	// Actions configures the action executor built when none is supplied.
	Actions actions.Config
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      config.DefaultEngineWorkers,
		PassTimeout:  config.DefaultEnginePassTimeout,
		CostLimit:    config.DefaultEngineCostLimit,
		AuditTimeout: config.DefaultEngineAuditTimeout,
		CacheEnabled: true,
		Cache: cache.Config{
			MaxEntries: config.DefaultCacheMaxEntries,
			TTL:        cache.DefaultTTLPolicy(),
		},
		Actions: actions.DefaultConfig(),
	}
}

// FromConfig builds an engine configuration from the application config.
func FromConfig(cfg *config.Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return &Config{
		Workers:      cfg.Engine.Workers,
		PassTimeout:  cfg.Engine.PassTimeout,
		CostLimit:    cfg.Engine.CostLimit,
		AuditTimeout: cfg.Engine.AuditTimeout,
		CacheEnabled: cfg.Cache.Enabled,
		Cache: cache.Config{
			MaxEntries: cfg.Cache.MaxEntries,
			TTL: cache.TTLPolicy{
				Advisory:      cfg.Cache.AdvisoryTTL,
				SideEffecting: cfg.Cache.SideEffectingTTL,
			},
		},
		Actions: actions.Config{
			Timeout:           cfg.Actions.Timeout,
			NotificationRate:  cfg.Actions.NotificationRate,
			NotificationBurst: cfg.Actions.NotificationBurst,
		},
	}
}

// Validate validates the engine configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", rules.ErrInvalidConfig)
	}
	if c.PassTimeout < 0 {
		return fmt.Errorf("%w: pass timeout cannot be negative", rules.ErrInvalidConfig)
	}
	if c.CostLimit == 0 {
		return fmt.Errorf("%w: cost limit must be positive", rules.ErrInvalidConfig)
	}
	if c.AuditTimeout <= 0 {
		return fmt.Errorf("%w: audit timeout must be positive", rules.ErrInvalidConfig)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("%w: cache max entries cannot be negative", rules.ErrInvalidConfig)
	}
	if c.Cache.TTL.Advisory < 0 || c.Cache.TTL.SideEffecting < 0 {
		return fmt.Errorf("%w: cache TTLs cannot be negative", rules.ErrInvalidConfig)
	}
	if c.Actions.Timeout < 0 {
		return fmt.Errorf("%w: action timeout cannot be negative", rules.ErrInvalidConfig)
	}
	return nil
}

// WithWorkers sets the worker pool size.
func (c *Config) WithWorkers(n int) *Config {
	c.Workers = n
	return c
}

// WithPassTimeout sets the pass timeout.
func (c *Config) WithPassTimeout(timeout time.Duration) *Config {
	c.PassTimeout = timeout
	return c
}

// WithCostLimit sets the CEL cost budget.
func (c *Config) WithCostLimit(limit uint64) *Config {
	c.CostLimit = limit
	return c
}

// WithCache enables or disables result caching.
func (c *Config) WithCache(enabled bool) *Config {
	c.CacheEnabled = enabled
	return c
}

// WithTTLPolicy sets the cache TTL policy.
func (c *Config) WithTTLPolicy(p cache.TTLPolicy) *Config {
	c.Cache.TTL = p
	return c
}

// WithActionTimeout sets the per-action timeout.
func (c *Config) WithActionTimeout(timeout time.Duration) *Config {
	c.Actions.Timeout = timeout
	return c
}
