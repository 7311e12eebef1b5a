package metrics

import (
	"time"
)

// Summary aggregates everything recorded since the collector started.
type Summary struct {
	Since time.Time `json:"since"`

	Evaluations     int64 `json:"evaluations"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	ConditionsMet   int64 `json:"conditions_met"`
	CacheHits       int64 `json:"cache_hits"`
	ActionsExecuted int64 `json:"actions_executed"`
	ActionFailures  int64 `json:"action_failures"`
	Passes          int64 `json:"passes"`

	ErrorRate    float64 `json:"error_rate"`
	CacheHitRate float64 `json:"cache_hit_rate"`

	// AverageExecution excludes cache hits.
	AverageExecution time.Duration `json:"average_execution_ns"`
	AveragePass      time.Duration `json:"average_pass_ns"`

	// Rules is sorted by rule name.
	Rules []RuleSummary `json:"rules"`

	Baseline Baseline `json:"baseline"`
}

// RuleSummary aggregates one rule.
type RuleSummary struct {
	Rule             string        `json:"rule"`
	Evaluations      int64         `json:"evaluations"`
	Failures         int64         `json:"failures"`
	ConditionsMet    int64         `json:"conditions_met"`
	CacheHits        int64         `json:"cache_hits"`
	ErrorRate        float64       `json:"error_rate"`
	AverageExecution time.Duration `json:"average_execution_ns"`
	MaxExecution     time.Duration `json:"max_execution_ns"`
	LastEvaluated    time.Time     `json:"last_evaluated"`
}

// Baseline is the historical error rate computed from stored snapshots.
type Baseline struct {
	Snapshots   int     `json:"snapshots"`
	Evaluations int64   `json:"evaluations"`
	Failures    int64   `json:"failures"`
	ErrorRate   float64 `json:"error_rate"`
}

// AlertKind names a threshold.
type AlertKind string

const (
	// AlertSlowExecution fires when a rule's average execution time exceeds
	// the slow rule threshold.
	AlertSlowExecution AlertKind = "slow_execution"

	// AlertErrorRate fires when the error rate, overall or for one rule,
	// exceeds the configured threshold.
	AlertErrorRate AlertKind = "error_rate"

	// AlertErrorRateRegression fires when the overall error rate exceeds the
	// historical baseline by more than the configured delta.
	AlertErrorRateRegression AlertKind = "error_rate_regression"
)

// Alert is a threshold breach. Rule is empty for engine-wide alerts.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Rule      string    `json:"rule,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

// Snapshot holds the counters accumulated between two TakeSnapshot calls. A
// series of snapshots is the metrics history kept in storage.
type Snapshot struct {
	ID             string         `json:"id"`
	TakenAt        time.Time      `json:"taken_at"`
	WindowStart    time.Time      `json:"window_start"`
	Evaluations    int64          `json:"evaluations"`
	Failures       int64          `json:"failures"`
	ConditionsMet  int64          `json:"conditions_met"`
	CacheHits      int64          `json:"cache_hits"`
	ActionFailures int64          `json:"action_failures"`
	Passes         int64          `json:"passes"`
	TotalTime      time.Duration  `json:"total_time_ns"`
	Rules          []RuleSnapshot `json:"rules,omitempty"`
}

// ErrorRate returns Failures/Evaluations, or 0 for an empty window.
func (s Snapshot) ErrorRate() float64 {
	return ratio(s.Failures, s.Evaluations)
}

// RuleSnapshot is one rule's share of a Snapshot.
type RuleSnapshot struct {
	Rule        string        `json:"rule"`
	Evaluations int64         `json:"evaluations"`
	Failures    int64         `json:"failures"`
	TotalTime   time.Duration `json:"total_time_ns"`
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
