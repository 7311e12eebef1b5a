package rules

import (
	"fmt"
	"strings"
)

// AnyContextType matches every context type when listed in Rule.ContextTypes.
const AnyContextType = "*"

// Priority presets. Any integer is accepted; higher runs first.
const (
	PriorityHigh   = 100
	PriorityMedium = 50
	PriorityLow    = 10
)

// Rule is a named set of conditions and the actions to run when all of them hold.
// A rule is immutable once registered. Updates replace it wholesale.
type Rule struct {
	// Name uniquely identifies the rule within an engine.
	Name string `json:"name" yaml:"name"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Priority orders rules within a pass; higher values run first.
	Priority int `json:"priority" yaml:"priority"`

	// ContextTypes lists the context type tags this rule applies to.
	ContextTypes []string `json:"context_types" yaml:"context_types"`

	// Conditions are ANDed, with short-circuit on the first false.
	Conditions []Condition `json:"conditions" yaml:"conditions"`

	// Actions run in order once every condition holds.
	Actions []Action `json:"actions,omitempty" yaml:"actions,omitempty"`

	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Enabled bool `json:"enabled" yaml:"enabled"`

	// DependsOn names rules that must run before this one when both apply
	// to the same pass. Names that are not registered are ignored.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// NoCache opts the rule out of result caching.
	NoCache bool `json:"no_cache,omitempty" yaml:"no_cache,omitempty"`
}

// Condition is a boolean expression evaluated against context data.
type Condition struct {
	Expression  string `json:"expression" yaml:"expression"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Action names a registered handler and the parameters passed to it.
type Action struct {
	Name       string         `json:"name" yaml:"name"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// AppliesTo reports whether the rule is enabled for the given context type.
func (r *Rule) AppliesTo(contextType string) bool {
	if !r.Enabled {
		return false
	}
	for _, t := range r.ContextTypes {
		if t == contextType || t == AnyContextType {
			return true
		}
	}
	return false
}

// Validate checks the structure of the rule. Expressions and action names are
// verified separately by the engine because they need the evaluator and the
// action registry.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &RegistrationError{Reason: "rule name is required"}
	}
	if len(r.ContextTypes) == 0 {
		return &RegistrationError{Rule: r.Name, Reason: "at least one context type is required"}
	}
	for i, t := range r.ContextTypes {
		if strings.TrimSpace(t) == "" {
			return &RegistrationError{Rule: r.Name, Reason: fmt.Sprintf("context_types[%d] is empty", i)}
		}
	}
	if len(r.Conditions) == 0 {
		return &RegistrationError{Rule: r.Name, Reason: "at least one condition is required"}
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Expression) == "" {
			return &RegistrationError{Rule: r.Name, Reason: fmt.Sprintf("conditions[%d] has an empty expression", i)}
		}
	}
	for i, a := range r.Actions {
		if strings.TrimSpace(a.Name) == "" {
			return &RegistrationError{Rule: r.Name, Reason: fmt.Sprintf("actions[%d] has no name", i)}
		}
	}
	seen := make(map[string]bool, len(r.DependsOn))
	for _, dep := range r.DependsOn {
		if dep == r.Name {
			return &RegistrationError{Rule: r.Name, Reason: "rule cannot depend on itself", Cause: ErrDependencyCycle}
		}
		if seen[dep] {
			return &RegistrationError{Rule: r.Name, Reason: fmt.Sprintf("duplicate dependency %q", dep)}
		}
		seen[dep] = true
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	out := r
	out.ContextTypes = append([]string(nil), r.ContextTypes...)
	out.Conditions = append([]Condition(nil), r.Conditions...)
	out.Tags = append([]string(nil), r.Tags...)
	out.DependsOn = append([]string(nil), r.DependsOn...)
	if r.Actions != nil {
		out.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			out.Actions[i] = Action{Name: a.Name, Parameters: cloneValue(a.Parameters).(map[string]any)}
		}
	}
	return out
}

// cloneValue deep-copies JSON-like values. Other values are returned as is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		if t == nil {
			return []any(nil)
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
