package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"impactlab/rulecore/pkg/config"
)

// RuleMetrics tracks rule evaluation metrics.
//
// Metrics:
//   - rulecore_engine_rule_evaluations_total: evaluations by rule and outcome
//   - rulecore_engine_rule_evaluation_duration_seconds: evaluation time by rule
//   - rulecore_engine_rule_conditions_met_total: evaluations whose conditions held
//   - rulecore_engine_action_executions_total: action calls by action and status
//   - rulecore_engine_passes_total: completed evaluation passes
//   - rulecore_engine_pass_duration_seconds: wall time of a pass
//   - rulecore_engine_recording_errors_total: recording failures swallowed by the collector
type RuleMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	conditionsMet      *prometheus.CounterVec
	actionsTotal       *prometheus.CounterVec
	passesTotal        prometheus.Counter
	passDuration       prometheus.Histogram
	recordingErrors    prometheus.Counter
}

// NewRuleMetrics creates and registers rule metrics with the provided registry.
func NewRuleMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RuleMetrics {
	rm := &RuleMetrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rule_evaluations_total",
				Help:      "Total number of rule evaluations",
			},
			[]string{"rule", "outcome"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rule_evaluation_duration_seconds",
				Help:      "Duration of rule evaluation in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"rule"},
		),

		conditionsMet: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rule_conditions_met_total",
				Help:      "Total number of evaluations whose conditions all held",
			},
			[]string{"rule"},
		),

		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "action_executions_total",
				Help:      "Total number of action executions",
			},
			[]string{"action", "status"},
		),

		passesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "passes_total",
				Help:      "Total number of evaluation passes",
			},
		),

		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "pass_duration_seconds",
				Help:      "Duration of an evaluation pass in seconds",
				Buckets:   cfg.DurationBuckets,
			},
		),

		recordingErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "recording_errors_total",
				Help:      "Total number of metric recording failures",
			},
		),
	}

	registry.MustRegister(
		rm.evaluationsTotal,
		rm.evaluationDuration,
		rm.conditionsMet,
		rm.actionsTotal,
		rm.passesTotal,
		rm.passDuration,
		rm.recordingErrors,
	)

	return rm
}

// RecordEvaluation records one rule evaluation. outcome is one of success,
// error or cache_hit.
func (rm *RuleMetrics) RecordEvaluation(rule, outcome string, duration time.Duration, conditionsMet bool) {
	rm.evaluationsTotal.WithLabelValues(rule, outcome).Inc()
	rm.evaluationDuration.WithLabelValues(rule).Observe(duration.Seconds())
	if conditionsMet {
		rm.conditionsMet.WithLabelValues(rule).Inc()
	}
}

// RecordAction records one action execution.
func (rm *RuleMetrics) RecordAction(action string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	rm.actionsTotal.WithLabelValues(action, status).Inc()
}

// RecordPass records a completed pass.
func (rm *RuleMetrics) RecordPass(duration time.Duration) {
	rm.passesTotal.Inc()
	rm.passDuration.Observe(duration.Seconds())
}

// RecordError counts a swallowed recording failure.
func (rm *RuleMetrics) RecordError() {
	rm.recordingErrors.Inc()
}
