package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"impactlab/rulecore/pkg/rules"
)

// Built-in action names.
const (
	ActionLog              = "log"
	ActionUpdateField      = "update_context_field"
	ActionRaiseAlert       = "raise_alert"
	ActionScheduleFollowUp = "schedule_follow_up"
	ActionEmitNotification = "emit_notification"
)

// Handler runs one action. It returns output describing what it did; a
// non-nil error marks the action as failed. Handlers must honour ctx, which
// carries the per-action timeout.
type Handler interface {
	Handle(ctx context.Context, call *Call) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (map[string]any, error)

// Handle calls f(ctx, call).
func (f HandlerFunc) Handle(ctx context.Context, call *Call) (map[string]any, error) {
	return f(ctx, call)
}

// Helper is a pure function handed to actions, such as a currency or
// spelling validator supplied by the host application.
type Helper func(value any) (any, error)

type registration struct {
	handler    Handler
	volatility rules.Volatility
	builtin    bool
}

// Registry maps action names to handlers. Built-ins are registered when the
// executor is created and cannot be replaced.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register adds a handler under a unique name. The volatility declares what
// the handler does to the context and decides cacheability of rules using it.
func (r *Registry) Register(name string, h Handler, v rules.Volatility) error {
	return r.register(name, h, v, false)
}

func (r *Registry) register(name string, h Handler, v rules.Volatility, builtin bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("action name is required")
	}
	if h == nil {
		return fmt.Errorf("action %q: handler is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("action %q: %w", name, rules.ErrDuplicateAction)
	}
	r.handlers[name] = registration{handler: h, volatility: v, builtin: builtin}
	return nil
}

// Lookup returns the handler and volatility registered under name.
func (r *Registry) Lookup(name string) (Handler, rules.Volatility, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg.handler, reg.volatility, ok
}

// IsBuiltin reports whether name is one of the fixed built-in actions.
func (r *Registry) IsBuiltin(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name].builtin
}

// Names returns every registered action name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call is what a handler receives: resolved parameters, the shared context
// and the helpers registered with the executor.
type Call struct {
	// Action is the name the handler was invoked under.
	Action string

	// Rule is the rule the action belongs to, empty outside a pass.
	Rule string

	// Params holds parameters with templates already resolved.
	Params map[string]any

	// Context is the pass's execution context. Mutations through Set or
	// Update are visible to later rules in the pass.
	Context *rules.ExecutionContext

	helpers map[string]Helper
}

// Helper returns the named helper.
func (c *Call) Helper(name string) (Helper, bool) {
	h, ok := c.helpers[name]
	return h, ok
}

// Param returns a raw parameter.
func (c *Call) Param(key string) (any, bool) {
	v, ok := c.Params[key]
	return v, ok
}

// String returns a string parameter, or def when it is absent.
func (c *Call) String(key, def string) (string, error) {
	v, ok := c.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", key, v)
	}
	return s, nil
}

// RequiredString returns a non-empty string parameter.
func (c *Call) RequiredString(key string) (string, error) {
	s, err := c.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	return s, nil
}

type ruleKey struct{}

// WithRule records the rule being executed in ctx so handlers can attribute
// their output.
func WithRule(ctx context.Context, rule string) context.Context {
	return context.WithValue(ctx, ruleKey{}, rule)
}

// RuleFromContext returns the rule recorded by WithRule.
func RuleFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ruleKey{}).(string)
	return s
}
