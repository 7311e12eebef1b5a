package metrics

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"impactlab/rulecore/pkg/config"
	"impactlab/rulecore/pkg/rules"
)

// Collector records evaluation results, exposes them as Prometheus metrics
// on a private registry and keeps in-process aggregates for summaries and
// threshold alerts.
//
// No method panics or returns an error: a failure while recording is logged
// as a *rules.MetricsError and counted, and evaluation carries on.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry
	logger   *slog.Logger
	now      func() time.Time

	ruleMetrics  *RuleMetrics
	cacheMetrics *CacheMetrics

	// Cardinality tracking for the rule label
	cardinalityLimiter *CardinalityLimiter

	mu          sync.Mutex
	started     time.Time
	total       counters
	rules       map[string]*ruleCounters
	passTime    time.Duration
	windowStart time.Time
	window      counters
	windowRules map[string]*ruleCounters
	baseline    Baseline
}

type counters struct {
	evaluations    int64
	successes      int64
	failures       int64
	conditionsMet  int64
	cacheHits      int64
	actions        int64
	actionFailures int64
	passes         int64
	// executed excludes cache hits
	executed  int64
	totalTime time.Duration
}

type ruleCounters struct {
	counters
	maxTime time.Duration
	last    time.Time
}

func (c *counters) add(r rules.EvaluationResult) {
	c.evaluations++
	if r.Success {
		c.successes++
	} else {
		c.failures++
	}
	if r.ConditionsMet {
		c.conditionsMet++
	}
	if r.CacheHit {
		c.cacheHits++
		return
	}
	c.executed++
	c.totalTime += r.ExecutionTime
	for _, a := range r.Actions {
		c.actions++
		if !a.Success {
			c.actionFailures++
		}
	}
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger for recording failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector. A nil cfg uses the defaults; a nil
// registry gets a fresh private one. Zero-valued fields of cfg are filled
// with defaults on a copy, the caller's config is not modified.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry, opts ...Option) *Collector {
	var mc config.MetricsConfig
	if cfg == nil {
		mc = config.Default().Metrics
	} else {
		mc = *cfg
		withDefaults := config.Config{Metrics: mc}
		config.ApplyDefaults(&withDefaults)
		mc = withDefaults.Metrics
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		config:             &mc,
		registry:           registry,
		logger:             slog.Default(),
		now:                time.Now,
		cardinalityLimiter: NewCardinalityLimiter(mc.MaxRuleLabels),
		rules:              make(map[string]*ruleCounters),
		windowRules:        make(map[string]*ruleCounters),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "metrics")
	c.started = c.now()
	c.windowStart = c.started

	c.ruleMetrics = NewRuleMetrics(c.config, registry)
	c.cacheMetrics = NewCacheMetrics(c.config, registry)

	return c
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Record adds one evaluation result.
func (c *Collector) Record(r rules.EvaluationResult) {
	defer c.recoverOp("record")

	c.update(func() {
		now := c.now()
		c.total.add(r)
		c.window.add(r)
		for _, m := range []map[string]*ruleCounters{c.rules, c.windowRules} {
			rc, ok := m[r.RuleName]
			if !ok {
				rc = &ruleCounters{}
				m[r.RuleName] = rc
			}
			rc.add(r)
			rc.last = now
			if !r.CacheHit && r.ExecutionTime > rc.maxTime {
				rc.maxTime = r.ExecutionTime
			}
		}
	})

	if !c.config.Enabled {
		return
	}

	rule := c.cardinalityLimiter.Label(r.RuleName)
	outcome := "success"
	switch {
	case r.CacheHit:
		outcome = "cache_hit"
	case !r.Success:
		outcome = "error"
	}
	c.ruleMetrics.RecordEvaluation(rule, outcome, r.ExecutionTime, r.ConditionsMet)
	if !r.CacheHit {
		for _, a := range r.Actions {
			c.ruleMetrics.RecordAction(a.Action, a.Success)
		}
	}
}

// RecordPass records a completed pass over n rules.
func (c *Collector) RecordPass(duration time.Duration, n int) {
	defer c.recoverOp("record_pass")

	c.update(func() {
		c.total.passes++
		c.window.passes++
		c.passTime += duration
	})

	if c.config.Enabled {
		c.ruleMetrics.RecordPass(duration)
	}
	c.logger.Debug("pass recorded", "duration", duration, "rules", n)
}

// Summary returns the aggregates recorded since the collector started.
func (c *Collector) Summary() (s Summary) {
	defer c.recoverOp("summary")

	c.mu.Lock()
	defer c.mu.Unlock()

	s = Summary{
		Since:           c.started,
		Evaluations:     c.total.evaluations,
		Successes:       c.total.successes,
		Failures:        c.total.failures,
		ConditionsMet:   c.total.conditionsMet,
		CacheHits:       c.total.cacheHits,
		ActionsExecuted: c.total.actions,
		ActionFailures:  c.total.actionFailures,
		Passes:          c.total.passes,
		ErrorRate:       ratio(c.total.failures, c.total.evaluations),
		CacheHitRate:    ratio(c.total.cacheHits, c.total.evaluations),
		Baseline:        c.baseline,
	}
	if c.total.executed > 0 {
		s.AverageExecution = c.total.totalTime / time.Duration(c.total.executed)
	}
	if c.total.passes > 0 {
		s.AveragePass = c.passTime / time.Duration(c.total.passes)
	}

	s.Rules = make([]RuleSummary, 0, len(c.rules))
	for _, name := range sortedKeys(c.rules) {
		rc := c.rules[name]
		rs := RuleSummary{
			Rule:          name,
			Evaluations:   rc.evaluations,
			Failures:      rc.failures,
			ConditionsMet: rc.conditionsMet,
			CacheHits:     rc.cacheHits,
			ErrorRate:     ratio(rc.failures, rc.evaluations),
			MaxExecution:  rc.maxTime,
			LastEvaluated: rc.last,
		}
		if rc.executed > 0 {
			rs.AverageExecution = rc.totalTime / time.Duration(rc.executed)
		}
		s.Rules = append(s.Rules, rs)
	}
	return s
}

// Alerts returns every configured threshold currently exceeded: engine-wide
// alerts first, then per-rule alerts ordered by rule name.
func (c *Collector) Alerts() (alerts []Alert) {
	defer c.recoverOp("alerts")

	c.mu.Lock()
	defer c.mu.Unlock()

	minSamples := int64(c.config.MinSamples)
	threshold := c.config.ErrorRateThreshold

	if c.total.evaluations >= minSamples {
		rate := ratio(c.total.failures, c.total.evaluations)
		if rate > threshold {
			alerts = append(alerts, Alert{
				Kind:      AlertErrorRate,
				Message:   fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", rate*100, threshold*100),
				Value:     rate,
				Threshold: threshold,
			})
		}
		if c.baseline.Evaluations >= minSamples {
			limit := c.baseline.ErrorRate + c.config.BaselineDelta
			if rate > limit {
				alerts = append(alerts, Alert{
					Kind:      AlertErrorRateRegression,
					Message:   fmt.Sprintf("error rate %.1f%% regressed from baseline %.1f%%", rate*100, c.baseline.ErrorRate*100),
					Value:     rate,
					Threshold: limit,
				})
			}
		}
	}

	slow := c.config.SlowRuleThreshold
	for _, name := range sortedKeys(c.rules) {
		rc := c.rules[name]
		if rc.executed > 0 {
			avg := rc.totalTime / time.Duration(rc.executed)
			if avg > slow {
				alerts = append(alerts, Alert{
					Kind:      AlertSlowExecution,
					Rule:      name,
					Message:   fmt.Sprintf("rule %q averages %s, above %s", name, avg, slow),
					Value:     avg.Seconds(),
					Threshold: slow.Seconds(),
				})
			}
		}
		if rc.evaluations >= minSamples {
			rate := ratio(rc.failures, rc.evaluations)
			if rate > threshold {
				alerts = append(alerts, Alert{
					Kind:      AlertErrorRate,
					Rule:      name,
					Message:   fmt.Sprintf("rule %q error rate %.1f%% exceeds %.1f%%", name, rate*100, threshold*100),
					Value:     rate,
					Threshold: threshold,
				})
			}
		}
	}
	return alerts
}

// TakeSnapshot returns the counters accumulated since the previous snapshot
// and starts a new window.
func (c *Collector) TakeSnapshot() (s Snapshot) {
	defer c.recoverOp("snapshot")

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s = Snapshot{
		ID:             uuid.NewString(),
		TakenAt:        now,
		WindowStart:    c.windowStart,
		Evaluations:    c.window.evaluations,
		Failures:       c.window.failures,
		ConditionsMet:  c.window.conditionsMet,
		CacheHits:      c.window.cacheHits,
		ActionFailures: c.window.actionFailures,
		Passes:         c.window.passes,
		TotalTime:      c.window.totalTime,
	}
	for _, name := range sortedKeys(c.windowRules) {
		rc := c.windowRules[name]
		s.Rules = append(s.Rules, RuleSnapshot{
			Rule:        name,
			Evaluations: rc.evaluations,
			Failures:    rc.failures,
			TotalTime:   rc.totalTime,
		})
	}

	c.window = counters{}
	c.windowRules = make(map[string]*ruleCounters)
	c.windowStart = now
	return s
}

// LoadHistory replaces the baseline with the aggregate of history.
func (c *Collector) LoadHistory(history []Snapshot) {
	defer c.recoverOp("load_history")

	var b Baseline
	for _, s := range history {
		b.Snapshots++
		b.Evaluations += s.Evaluations
		b.Failures += s.Failures
	}
	b.ErrorRate = ratio(b.Failures, b.Evaluations)

	c.update(func() { c.baseline = b })
	c.logger.Info("metrics baseline loaded",
		"snapshots", b.Snapshots,
		"evaluations", b.Evaluations,
		"error_rate", b.ErrorRate,
	)
}

// CacheHit implements cache.Observer.
func (c *Collector) CacheHit(rule string) {
	defer c.recoverOp("cache_hit")
	if c.config.Enabled {
		c.cacheMetrics.RecordHit(c.cardinalityLimiter.Label(rule))
	}
}

// CacheMiss implements cache.Observer.
func (c *Collector) CacheMiss() {
	defer c.recoverOp("cache_miss")
	if c.config.Enabled {
		c.cacheMetrics.RecordMiss()
	}
}

// CacheEviction implements cache.Observer.
func (c *Collector) CacheEviction(reason string) {
	defer c.recoverOp("cache_eviction")
	if c.config.Enabled {
		c.cacheMetrics.RecordEviction(reason)
	}
}

// CacheSize implements cache.Observer.
func (c *Collector) CacheSize(entries int) {
	defer c.recoverOp("cache_size")
	if c.config.Enabled {
		c.cacheMetrics.UpdateSize(entries)
	}
}

func (c *Collector) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// recoverOp must be deferred directly.
func (c *Collector) recoverOp(op string) {
	r := recover()
	if r == nil {
		return
	}
	err := &rules.MetricsError{Op: op, Cause: fmt.Errorf("panic: %v", r)}
	c.logger.Error("metrics recording failed", "error", err)
	if c.config.Enabled && c.ruleMetrics != nil {
		c.ruleMetrics.RecordError()
	}
}

func sortedKeys(m map[string]*ruleCounters) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
