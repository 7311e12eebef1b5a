package scheduler

import (
	"context"
	"log/slog"
	"time"

	"impactlab/rulecore/pkg/config"
	"impactlab/rulecore/pkg/rules/cache"
	"impactlab/rulecore/pkg/storage"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

// Built-in job names.
const (
	JobMetricsSnapshot = "metrics_snapshot"
	JobCacheSweep      = "cache_sweep"
	JobAuditRetention  = "audit_retention"
)

// MetricsSnapshotJob closes the collector's current window and saves it, so
// later runs start with a baseline.
func MetricsSnapshotJob(c *metrics.Collector, store storage.Store) JobFunc {
	return func(ctx context.Context) error {
		snap := c.TakeSnapshot()
		return store.SaveMetricsSnapshot(ctx, snap)
	}
}

// CacheSweepJob removes expired cache entries. A nil cache makes it a no-op.
func CacheSweepJob(c *cache.Cache, logger *slog.Logger) JobFunc {
	return func(context.Context) error {
		if c == nil {
			return nil
		}
		if n := c.RemoveExpired(); n > 0 {
			logger.Debug("expired cache entries removed", "removed", n, "remaining", c.Len())
		}
		return nil
	}
}

// AuditRetentionJob deletes audit records older than days. Zero days keeps
// records forever.
func AuditRetentionJob(store storage.Store, days int, now func() time.Time) JobFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		if days <= 0 {
			return nil
		}
		_, err := store.PruneAudit(ctx, now().AddDate(0, 0, -days))
		return err
	}
}

// Deps are the components the built-in jobs maintain.
type Deps struct {
	Metrics *metrics.Collector
	Cache   *cache.Cache
	Store   storage.Store
}

// FromConfig creates a scheduler with the built-in jobs on the configured
// schedules.
func FromConfig(cfg config.SchedulerConfig, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	s := New(logger)
	jobs := []struct {
		name string
		spec string
		fn   JobFunc
	}{
		{JobMetricsSnapshot, cfg.MetricsSnapshot, MetricsSnapshotJob(deps.Metrics, deps.Store)},
		{JobCacheSweep, cfg.CacheSweep, CacheSweepJob(deps.Cache, s.logger)},
		{JobAuditRetention, cfg.AuditRetention, AuditRetentionJob(deps.Store, cfg.RetentionDays, nil)},
	}
	for _, j := range jobs {
		if err := s.AddJob(j.name, j.spec, j.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}
