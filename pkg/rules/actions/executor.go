package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"impactlab/rulecore/pkg/rules"
)

// DefaultTimeout bounds each action when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Config configures an Executor.
type Config struct {
	// Timeout bounds a single action call.
	Timeout time.Duration

	// NotificationRate is the sustained notifications per second allowed
	// across all rules (0 = unlimited).
	NotificationRate float64

	// NotificationBurst is the limiter burst size (minimum 1).
	NotificationBurst int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		NotificationRate:  10,
		NotificationBurst: 20,
	}
}

// Executor dispatches actions by name. Execute never returns an error: every
// failure becomes a failed ActionResult so one action cannot abort a pass.
type Executor struct {
	registry  *Registry
	timeout   time.Duration
	logger    *slog.Logger
	alerts    AlertSink
	followUps FollowUpSink
	notifier  Notifier
	limiter   *rate.Limiter
	helpers   map[string]Helper
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used by the executor and the log action.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAlertSink delivers raise_alert output to s.
func WithAlertSink(s AlertSink) Option {
	return func(e *Executor) { e.alerts = s }
}

// WithFollowUpSink delivers schedule_follow_up output to s.
func WithFollowUpSink(s FollowUpSink) Option {
	return func(e *Executor) { e.followUps = s }
}

// WithNotifier delivers emit_notification output to n.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithHelper makes a helper function available to handlers under name.
func WithHelper(name string, h Helper) Option {
	return func(e *Executor) { e.helpers[name] = h }
}

// NewExecutor creates an executor with the built-in actions registered.
func NewExecutor(cfg Config, opts ...Option) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	e := &Executor{
		registry: NewRegistry(),
		timeout:  cfg.Timeout,
		logger:   slog.Default(),
		helpers:  make(map[string]Helper),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "actions")

	sink := NewLogSink(e.logger)
	if e.alerts == nil {
		e.alerts = sink
	}
	if e.followUps == nil {
		e.followUps = sink
	}
	if e.notifier == nil {
		e.notifier = sink
	}

	limit := rate.Inf
	if cfg.NotificationRate > 0 {
		limit = rate.Limit(cfg.NotificationRate)
	}
	burst := cfg.NotificationBurst
	if burst < 1 {
		burst = 1
	}
	e.limiter = rate.NewLimiter(limit, burst)

	e.registerBuiltins()
	return e
}

// Registry returns the executor's action registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Register adds a custom action handler.
func (e *Executor) Register(name string, h Handler, v rules.Volatility) error {
	return e.registry.Register(name, h, v)
}

// Volatility returns the declared volatility of the named action.
func (e *Executor) Volatility(name string) (rules.Volatility, error) {
	_, v, ok := e.registry.Lookup(name)
	if !ok {
		return rules.Advisory, fmt.Errorf("action %q: %w", name, rules.ErrUnknownAction)
	}
	return v, nil
}

type outcome struct {
	output map[string]any
	err    error
}

// Execute runs action against ectx, bounded by the executor timeout.
func (e *Executor) Execute(ctx context.Context, action rules.Action, ectx *rules.ExecutionContext) rules.ActionResult {
	start := time.Now()
	rule := RuleFromContext(ctx)

	fail := func(reason string, cause error) rules.ActionResult {
		err := &rules.ActionError{Rule: rule, Action: action.Name, Reason: reason, Cause: cause}
		e.logger.Warn("action failed",
			"rule", rule,
			"action", action.Name,
			"error", err,
			"correlation_id", ectx.Metadata.CorrelationID,
		)
		return rules.ActionResult{
			Action:   action.Name,
			Success:  false,
			Error:    err.Error(),
			Duration: time.Since(start),
		}
	}

	h, _, ok := e.registry.Lookup(action.Name)
	if !ok {
		return fail("no handler registered", rules.ErrUnknownAction)
	}

	params, err := resolveParams(action.Parameters, ectx)
	if err != nil {
		return fail(err.Error(), err)
	}

	call := &Call{
		Action:  action.Name,
		Rule:    rule,
		Params:  params,
		Context: ectx,
		helpers: e.helpers,
	}

	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		out, err := h.Handle(actx, call)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return fail(fmt.Sprintf("timed out after %s", e.timeout), rules.ErrActionTimeout)
			}
			return fail(o.err.Error(), o.err)
		}
		e.logger.Debug("action executed",
			"rule", rule,
			"action", action.Name,
			"correlation_id", ectx.Metadata.CorrelationID,
		)
		return rules.ActionResult{
			Action:   action.Name,
			Success:  true,
			Duration: time.Since(start),
			Output:   o.output,
		}
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fail(fmt.Sprintf("timed out after %s", e.timeout), rules.ErrActionTimeout)
		}
		return fail("cancelled", actx.Err())
	}
}
