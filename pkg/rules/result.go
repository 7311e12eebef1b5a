package rules

import (
	"reflect"
	"time"
)

// Metadata snapshot keys stamped on every EvaluationResult.
const (
	MetaContextType   = "context_type"
	MetaContextID     = "context_id"
	MetaCorrelationID = "correlation_id"
	MetaVolatility    = "volatility"
)

// ActionResult is the outcome of one action execution.
type ActionResult struct {
	Action   string         `json:"action"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Output   map[string]any `json:"output,omitempty"`
}

// EvaluationResult is the outcome of one rule in one pass.
type EvaluationResult struct {
	RuleName string `json:"rule_name"`

	// Success is false when a condition failed to evaluate or an action failed.
	Success bool `json:"success"`

	// ConditionsMet is true when every condition evaluated to true.
	ConditionsMet bool `json:"conditions_met"`

	Actions []ActionResult `json:"actions,omitempty"`

	// Error describes the first failure, empty when Success is true.
	Error string `json:"error,omitempty"`

	ExecutionTime time.Duration `json:"execution_time_ns"`

	Priority int `json:"priority"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// CacheHit is set when the result was served from the rule cache.
	CacheHit bool `json:"cache_hit"`
}

// Clone returns a deep copy of the result.
func (r EvaluationResult) Clone() EvaluationResult {
	out := r
	if r.Actions != nil {
		out.Actions = make([]ActionResult, len(r.Actions))
		for i, a := range r.Actions {
			out.Actions[i] = a
			if a.Output != nil {
				out.Actions[i].Output = cloneValue(a.Output).(map[string]any)
			}
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Outcome returns a copy with timing and cache bookkeeping cleared, leaving
// only what the rule computed. Two evaluations of the same rule over the same
// context content have equal outcomes.
func (r EvaluationResult) Outcome() EvaluationResult {
	out := r.Clone()
	out.ExecutionTime = 0
	out.CacheHit = false
	for i := range out.Actions {
		out.Actions[i].Duration = 0
	}
	return out
}

// SameOutcome reports whether two results are identical apart from timing and
// cache bookkeeping.
func SameOutcome(a, b EvaluationResult) bool {
	return reflect.DeepEqual(a.Outcome(), b.Outcome())
}
