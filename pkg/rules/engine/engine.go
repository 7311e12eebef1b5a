package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/actions"
	"impactlab/rulecore/pkg/rules/cache"
	"impactlab/rulecore/pkg/rules/expr"
	"impactlab/rulecore/pkg/telemetry/logging"
	"impactlab/rulecore/pkg/telemetry/metrics"
	"impactlab/rulecore/pkg/telemetry/tracing"
)

// Storage persists audit records and serves metric history. Implementations
// live in pkg/storage.
type Storage interface {
	// PersistAudit stores the results of one pass.
	PersistAudit(ctx context.Context, results []rules.EvaluationResult) error

	// LoadMetricsHistory returns previously saved metric snapshots, oldest first.
	LoadMetricsHistory(ctx context.Context) ([]metrics.Snapshot, error)
}

// RuleSource provides rules to the engine.
type RuleSource interface {
	// LoadRules loads all rules from the source.
	LoadRules(ctx context.Context) ([]rules.Rule, error)

	// Watch watches for rule changes and sends events on the returned channel.
	// The channel is closed when the context is cancelled.
	Watch(ctx context.Context) (<-chan RuleEvent, error)
}

// RuleEvent represents a rule file change event.
type RuleEvent struct {
	// Type is the event type ("created", "modified", "deleted").
	Type RuleEventType

	// Path is the file path that changed.
	Path string

	// Error is any error that occurred while processing the event.
	Error error
}

// RuleEventType represents the type of rule file event.
type RuleEventType string

const (
	RuleEventCreated  RuleEventType = "created"
	RuleEventModified RuleEventType = "modified"
	RuleEventDeleted  RuleEventType = "deleted"
)

// Engine evaluates registered rules against execution contexts.
//
// Registration is synchronous and is the only place errors surface: a rule
// with an invalid condition, an unknown action or a dependency cycle is
// rejected. Evaluation failures are reported per rule inside the results.
type Engine struct {
	config    *Config
	logger    *slog.Logger
	evaluator *expr.Evaluator
	executor  *actions.Executor
	cache     *cache.Cache
	metrics   *metrics.Collector
	storage   Storage
	source    RuleSource
	tracer    trace.Tracer

	// mu protects rules, fromSource and nextSeq
	mu         sync.RWMutex
	rules      map[string]*compiledRule
	fromSource map[string]bool
	nextSeq    uint64

	// reloadMu serializes Reload
	reloadMu sync.Mutex

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStorage sets the audit and metric history store.
func WithStorage(s Storage) Option {
	return func(e *Engine) { e.storage = s }
}

// WithMetrics sets the metrics collector. The engine creates one on a
// private registry when none is given.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithExecutor sets the action executor. Config.Actions is ignored when an
// executor is supplied.
func WithExecutor(x *actions.Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithSource sets the rule source used by Reload and Watch.
func WithSource(s RuleSource) Option {
	return func(e *Engine) { e.source = s }
}

// WithTracer sets the tracer for pass and rule spans. The global provider
// is used by default.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates a rule engine. When a storage backend is configured its metric
// history seeds the collector's baseline; a failure to load it is logged.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		config:     cfg,
		logger:     slog.Default(),
		rules:      make(map[string]*compiledRule),
		fromSource: make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	evaluator, err := expr.NewEvaluator(expr.WithCostLimit(cfg.CostLimit))
	if err != nil {
		return nil, fmt.Errorf("create evaluator: %w", err)
	}
	e.evaluator = evaluator

	if e.executor == nil {
		e.executor = actions.NewExecutor(cfg.Actions, actions.WithLogger(e.logger))
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector(nil, nil, metrics.WithLogger(e.logger))
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracing.InstrumentationName)
	}
	if cfg.CacheEnabled {
		e.cache = cache.New(cfg.Cache, cache.WithObserver(e.metrics))
	}

	if e.storage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.AuditTimeout)
		history, err := e.storage.LoadMetricsHistory(ctx)
		cancel()
		if err != nil {
			e.logger.Warn("failed to load metrics history", "error", err)
		} else {
			e.metrics.LoadHistory(history)
			e.logger.Debug("loaded metrics history", "snapshots", len(history))
		}
	}

	return e, nil
}

// Register validates, compiles and adds a rule. Registering a definition
// identical to the registered one is a no-op. A changed definition replaces
// the rule in place, keeping its position among equal priorities, and drops
// its cached results.
func (e *Engine) Register(r rules.Rule) error {
	return e.register(r, false)
}

func (e *Engine) register(r rules.Rule, fromSource bool) error {
	cr, err := e.compile(r)
	if err != nil {
		e.logger.Warn("rule rejected", "rule", r.Name, "error", err)
		return err
	}

	e.mu.Lock()
	old, exists := e.rules[r.Name]
	if exists && old.hash == cr.hash {
		if fromSource {
			e.fromSource[r.Name] = true
		}
		e.mu.Unlock()
		return nil
	}
	if err := detectCycle(e.rules, cr.rule); err != nil {
		e.mu.Unlock()
		regErr := &rules.RegistrationError{Rule: r.Name, Reason: "dependency cycle", Cause: err}
		e.logger.Warn("rule rejected", "rule", r.Name, "error", regErr)
		return regErr
	}
	if exists {
		cr.seq = old.seq
	} else {
		e.nextSeq++
		cr.seq = e.nextSeq
	}
	e.rules[r.Name] = cr
	if fromSource {
		e.fromSource[r.Name] = true
	}
	e.mu.Unlock()

	if exists {
		dropped := e.invalidate(r.Name)
		e.logger.Info("rule replaced", "rule", r.Name, "invalidated", dropped)
	} else {
		e.logger.Debug("rule registered",
			"rule", r.Name,
			"priority", r.Priority,
			"volatility", cr.volatility.String(),
		)
	}
	return nil
}

// RegisterAll registers each rule in order. Rules that fail do not block the
// others; their errors are joined.
func (e *Engine) RegisterAll(list []rules.Rule) error {
	var errs []error
	for _, r := range list {
		if err := e.Register(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister removes a rule and its cached results. It reports whether the
// rule was registered.
func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	_, ok := e.rules[name]
	delete(e.rules, name)
	delete(e.fromSource, name)
	e.mu.Unlock()

	if ok {
		e.invalidate(name)
		e.logger.Info("rule unregistered", "rule", name)
	}
	return ok
}

// Rules returns copies of the registered rules in registration order.
func (e *Engine) Rules() []rules.Rule {
	e.mu.RLock()
	list := make([]*compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		list = append(list, cr)
	}
	e.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]rules.Rule, len(list))
	for i, cr := range list {
		out[i] = cr.rule.Clone()
	}
	return out
}

// RegisterAction adds a custom action handler. Rules referencing it can be
// registered afterwards.
func (e *Engine) RegisterAction(name string, h actions.Handler, effect rules.Volatility) error {
	return e.executor.Register(name, h, effect)
}

// Cache returns the result cache, or nil when caching is disabled.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// Executor returns the action executor.
func (e *Engine) Executor() *actions.Executor {
	return e.executor
}

func (e *Engine) invalidate(rule string) int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Invalidate(rule)
}

// Evaluate runs every enabled rule that applies to ectx.Type and returns one
// result per rule in execution order: priority descending, registration order
// among equals, dependencies first.
//
// Failures inside a rule are recorded in its result and never stop the pass.
// When ctx is cancelled or the pass times out, the results of the rules that
// completed are returned with an error wrapping rules.ErrPassCancelled and
// the context error.
func (e *Engine) Evaluate(ctx context.Context, ectx *rules.ExecutionContext) ([]rules.EvaluationResult, error) {
	if ectx == nil {
		return nil, fmt.Errorf("execution context cannot be nil")
	}
	ectx.EnsureMetadata()
	start := time.Now()

	if e.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.PassTimeout)
		defer cancel()
	}
	ctx = logging.WithCorrelationID(ctx, ectx.Metadata.CorrelationID)

	e.mu.RLock()
	p := buildPlan(e.rules, ectx.Type)
	e.mu.RUnlock()

	ctx, span := e.tracer.Start(ctx, "rulecore.pass",
		trace.WithAttributes(tracing.PassAttributes(ectx.Type, ectx.ID, ectx.Metadata.CorrelationID)...),
		trace.WithAttributes(
			attribute.Int(tracing.AttrRulesSelected, len(p.ordered)),
			attribute.Int(tracing.AttrStages, len(p.stages)),
		),
	)
	defer span.End()

	e.logger.DebugContext(ctx, "pass started",
		"context_type", ectx.Type,
		"context_id", ectx.ID,
		"rules", len(p.ordered),
		"stages", len(p.stages),
	)

	results := make([]rules.EvaluationResult, len(p.ordered))
	completed := make([]bool, len(p.ordered))

	for _, stage := range p.stages {
		if ctx.Err() != nil {
			break
		}
		e.runStage(ctx, p, stage, ectx, results, completed)
	}

	out := make([]rules.EvaluationResult, 0, len(results))
	for i, r := range results {
		if completed[i] {
			out = append(out, r)
		}
	}

	var passErr error
	if err := ctx.Err(); err != nil && len(out) < len(results) {
		passErr = fmt.Errorf("%w after %d of %d rules: %w", rules.ErrPassCancelled, len(out), len(results), err)
	}

	for _, r := range out {
		e.metrics.Record(r)
	}
	elapsed := time.Since(start)
	e.metrics.RecordPass(elapsed, len(out))

	e.persist(ctx, out)

	tracing.SetStatus(span, passErr)
	if passErr != nil {
		e.logger.WarnContext(ctx, "pass cancelled",
			"completed", len(out),
			"selected", len(results),
			"error", passErr,
		)
	} else {
		e.logger.DebugContext(ctx, "pass completed",
			"rules", len(out),
			"duration", elapsed,
		)
	}
	return out, passErr
}

// runStage evaluates one stage. Single-rule stages run inline; larger ones
// run on the bounded worker pool. Results are written by position.
func (e *Engine) runStage(ctx context.Context, p plan, stage []int, ectx *rules.ExecutionContext, results []rules.EvaluationResult, completed []bool) {
	if len(stage) == 1 || e.config.Workers == 1 {
		for _, pos := range stage {
			if ctx.Err() != nil {
				return
			}
			results[pos] = e.evaluateRule(ctx, p.ordered[pos], ectx)
			completed[pos] = true
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(e.config.Workers)
	for _, pos := range stage {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[pos] = e.evaluateRule(ctx, p.ordered[pos], ectx)
			completed[pos] = true
			return nil
		})
	}
	_ = g.Wait()
}

// evaluateRule produces the result of one rule: from cache when possible,
// otherwise by evaluating conditions and, when all hold, running actions.
func (e *Engine) evaluateRule(ctx context.Context, cr *compiledRule, ectx *rules.ExecutionContext) rules.EvaluationResult {
	start := time.Now()
	name := cr.rule.Name

	ctx, span := e.tracer.Start(ctx, "rulecore.rule",
		trace.WithAttributes(tracing.RuleAttributes(name, cr.rule.Priority)...),
	)
	defer span.End()

	result := rules.EvaluationResult{
		RuleName: name,
		Priority: cr.rule.Priority,
		Metadata: map[string]string{
			rules.MetaContextType:   ectx.Type,
			rules.MetaContextID:     ectx.ID,
			rules.MetaCorrelationID: ectx.Metadata.CorrelationID,
			rules.MetaVolatility:    cr.volatility.String(),
		},
	}

	data := ectx.Project(cr.fields)

	var key string
	if e.cache != nil && cr.cacheable() {
		k, err := cache.Fingerprint(name, cr.hash, cr.cacheKeyInput(ectx, data))
		if err != nil {
			e.logger.DebugContext(ctx, "rule not cacheable for this context", "rule", name, "error", err)
		} else {
			key = k
			if cached, ok := e.cache.Get(key); ok {
				cached.Metadata = result.Metadata
				cached.CacheHit = true
				cached.ExecutionTime = time.Since(start)
				span.SetAttributes(tracing.OutcomeAttributes(cached.ConditionsMet, true)...)
				tracing.SetStatus(span, nil)
				return cached
			}
		}
	}

	met, err := e.checkConditions(ctx, cr, data)
	if err != nil {
		result.Error = err.Error()
		result.ExecutionTime = time.Since(start)
		e.logger.WarnContext(ctx, "condition evaluation failed", "rule", name, "error", err)
		span.SetAttributes(tracing.OutcomeAttributes(false, false)...)
		tracing.SetStatus(span, err)
		return result
	}

	result.Success = true
	result.ConditionsMet = met
	if met {
		actx := actions.WithRule(ctx, name)
		result.Actions = make([]rules.ActionResult, 0, len(cr.rule.Actions))
		for _, a := range cr.rule.Actions {
			ar := e.executor.Execute(actx, a, ectx)
			result.Actions = append(result.Actions, ar)
			if !ar.Success && result.Success {
				result.Success = false
				result.Error = ar.Error
			}
		}
	}
	result.ExecutionTime = time.Since(start)

	if key != "" && result.Success {
		e.cache.Put(key, name, result, e.cache.TTLFor(cr.volatility))
	}

	span.SetAttributes(tracing.OutcomeAttributes(met, false)...)
	if !result.Success {
		tracing.SetStatus(span, errors.New(result.Error))
	} else {
		tracing.SetStatus(span, nil)
	}
	return result
}

// checkConditions evaluates conditions in order and stops at the first one
// that is false or fails.
func (e *Engine) checkConditions(ctx context.Context, cr *compiledRule, data map[string]any) (bool, error) {
	for _, x := range cr.conditions {
		ok, err := x.Eval(ctx, data)
		if err != nil {
			var evalErr *rules.EvaluationError
			if errors.As(err, &evalErr) {
				evalErr.Rule = cr.rule.Name
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// persist hands the results of a pass to storage. It outlives cancellation of
// the pass so completed results are still audited.
func (e *Engine) persist(ctx context.Context, results []rules.EvaluationResult) {
	if e.storage == nil || len(results) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.AuditTimeout)
	defer cancel()
	if err := e.storage.PersistAudit(pctx, results); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist audit records", "results", len(results), "error", err)
	}
}

// Reload loads the rule set from the source. Rules that are new or changed
// are registered, rules the source no longer provides are unregistered.
// Rules registered directly with Register are left alone. Rules that fail to
// register are reported in the returned error and do not block the others.
// When the source returns some rules along with an error, those rules are
// applied and nothing is unregistered.
func (e *Engine) Reload(ctx context.Context) error {
	if e.source == nil {
		return fmt.Errorf("no rule source configured")
	}
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	start := time.Now()
	loaded, loadErr := e.source.LoadRules(ctx)
	if loadErr != nil && len(loaded) == 0 {
		return fmt.Errorf("load rules: %w", loadErr)
	}

	keep := make(map[string]bool, len(loaded))
	var errs []error
	if loadErr != nil {
		errs = append(errs, fmt.Errorf("load rules: %w", loadErr))
	}
	for _, r := range loaded {
		keep[r.Name] = true
		if err := e.register(r, true); err != nil {
			errs = append(errs, err)
		}
	}

	// A partial load keeps rules whose files failed to load
	var stale []string
	if loadErr == nil {
		e.mu.RLock()
		for name := range e.fromSource {
			if !keep[name] {
				stale = append(stale, name)
			}
		}
		e.mu.RUnlock()
	}
	sort.Strings(stale)
	for _, name := range stale {
		e.Unregister(name)
	}

	e.logger.Info("rules reloaded",
		"loaded", len(loaded),
		"removed", len(stale),
		"failed", len(errs),
		"duration", time.Since(start),
	)
	return errors.Join(errs...)
}

// Watch reloads rules whenever the source reports a change, until ctx is
// cancelled or the engine is closed.
func (e *Engine) Watch(ctx context.Context) error {
	if e.source == nil {
		return fmt.Errorf("no rule source configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	events, err := e.source.Watch(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch rules: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		for {
			select {
			case <-e.stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Error != nil {
					e.logger.Error("rule watch error", "path", ev.Path, "error", ev.Error)
					continue
				}
				e.logger.Info("rule change detected", "type", ev.Type, "path", ev.Path)
				if err := e.Reload(ctx); err != nil {
					e.logger.Error("failed to reload rules", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops watching and waits for background work to finish.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
	return nil
}
