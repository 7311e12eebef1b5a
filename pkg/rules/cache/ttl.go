package cache

import (
	"time"

	"impactlab/rulecore/pkg/rules"
)

// TTLPolicy assigns cache lifetimes by rule volatility. Mutating rules are
// never cached regardless of the policy.
type TTLPolicy struct {
	// Advisory applies to rules whose actions only log or produce output.
	Advisory time.Duration `yaml:"advisory"`

	// SideEffecting applies to rules that raise alerts, notify or schedule
	// follow-ups. A hit within this window suppresses the repeat delivery.
	SideEffecting time.Duration `yaml:"side_effecting"`
}

// DefaultTTLPolicy returns the default lifetimes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Advisory:      10 * time.Minute,
		SideEffecting: 30 * time.Second,
	}
}

// For returns the TTL for v. Zero means the result must not be cached.
func (p TTLPolicy) For(v rules.Volatility) time.Duration {
	switch v {
	case rules.Advisory:
		return p.Advisory
	case rules.SideEffecting:
		return p.SideEffecting
	default:
		return 0
	}
}
