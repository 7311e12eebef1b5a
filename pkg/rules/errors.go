package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrUnknownAction indicates an action name with no registered handler.
	ErrUnknownAction = errors.New("unknown action")

	// ErrDuplicateAction indicates a handler name that is already taken.
	ErrDuplicateAction = errors.New("action already registered")

	// ErrActionTimeout indicates an action exceeded its timeout.
	ErrActionTimeout = errors.New("action timed out")

	// ErrDependencyCycle indicates rules that depend on each other.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrInvalidConfig indicates invalid engine configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPassCancelled indicates a pass stopped before every rule ran.
	ErrPassCancelled = errors.New("evaluation pass cancelled")

	// ErrUndefinedField indicates a condition referenced a field missing from the context.
	ErrUndefinedField = errors.New("undefined field")
)

// RegistrationError is returned when a rule cannot be registered: invalid
// structure, an unsafe or malformed condition, an unknown action or a
// dependency cycle. It blocks only the offending rule.
type RegistrationError struct {
	Rule   string
	Reason string
	Cause  error
}

func (e *RegistrationError) Error() string {
	var b strings.Builder
	b.WriteString("registration failed")
	if e.Rule != "" {
		fmt.Fprintf(&b, " for rule %q", e.Rule)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *RegistrationError) Unwrap() error {
	return e.Cause
}

// CycleError lists the rules forming a dependency cycle, first rule repeated last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// EvaluationError is a condition that could not be evaluated: an undefined
// field, a runtime type error or a non-boolean result.
type EvaluationError struct {
	Rule       string
	Expression string
	// Field is set when the failure is a missing context field.
	Field  string
	Reason string
	Cause  error
}

func (e *EvaluationError) Error() string {
	var b strings.Builder
	b.WriteString("evaluation failed")
	if e.Rule != "" {
		fmt.Fprintf(&b, " in rule %q", e.Rule)
	}
	if e.Expression != "" {
		fmt.Fprintf(&b, " for %q", e.Expression)
	}
	b.WriteString(": ")
	if e.Field != "" {
		fmt.Fprintf(&b, "field %q: ", e.Field)
	}
	b.WriteString(e.Reason)
	return b.String()
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// ActionError is a failed action: handler error, panic, unknown name or timeout.
type ActionError struct {
	Rule   string
	Action string
	Reason string
	Cause  error
}

func (e *ActionError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("action %q in rule %q failed: %s", e.Action, e.Rule, e.Reason)
	}
	return fmt.Sprintf("action %q failed: %s", e.Action, e.Reason)
}

func (e *ActionError) Unwrap() error {
	return e.Cause
}

// CacheError is a recoverable cache failure such as an unhashable context projection.
type CacheError struct {
	Op    string
	Cause error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Cause)
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

// MetricsError is a recoverable metrics failure. It is logged, never returned
// to evaluation callers.
type MetricsError struct {
	Op    string
	Cause error
}

func (e *MetricsError) Error() string {
	return fmt.Sprintf("metrics %s: %v", e.Op, e.Cause)
}

func (e *MetricsError) Unwrap() error {
	return e.Cause
}

// IsRegistrationError reports whether err is or wraps a RegistrationError.
func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}
