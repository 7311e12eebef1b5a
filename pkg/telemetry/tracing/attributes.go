package tracing

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys set on engine spans.
const (
	AttrContextType   = "rulecore.context.type"
	AttrContextID     = "rulecore.context.id"
	AttrCorrelationID = "rulecore.correlation_id"

	AttrRule          = "rulecore.rule"
	AttrRulePriority  = "rulecore.rule.priority"
	AttrConditionsMet = "rulecore.rule.conditions_met"
	AttrCacheHit      = "rulecore.cache.hit"

	AttrRulesSelected = "rulecore.pass.rules_selected"
	AttrStages        = "rulecore.pass.stages"
)

// PassAttributes describes the context a pass runs against.
func PassAttributes(contextType, contextID, correlationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrContextType, contextType),
		attribute.String(AttrContextID, contextID),
		attribute.String(AttrCorrelationID, correlationID),
	}
}

// RuleAttributes describes one rule evaluation.
func RuleAttributes(rule string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRule, rule),
		attribute.Int(AttrRulePriority, priority),
	}
}

// OutcomeAttributes describes a finished rule evaluation.
func OutcomeAttributes(conditionsMet, cacheHit bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(AttrConditionsMet, conditionsMet),
		attribute.Bool(AttrCacheHit, cacheHit),
	}
}
