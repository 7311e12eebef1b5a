package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/actions"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg *Config, opts ...Option) (*Engine, *actions.MemorySink) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	sink := actions.NewMemorySink()
	executor := actions.NewExecutor(cfg.Actions,
		actions.WithLogger(discardLogger()),
		actions.WithAlertSink(sink),
		actions.WithFollowUpSink(sink),
		actions.WithNotifier(sink),
	)
	base := []Option{WithLogger(discardLogger()), WithExecutor(executor)}
	e, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, sink
}

func budgetRule() rules.Rule {
	return rules.Rule{
		Name:         "budget_reasonable",
		Priority:     rules.PriorityHigh,
		ContextTypes: []string{"grant"},
		Conditions:   []rules.Condition{{Expression: "budget > 0 and budget < 10000000"}},
		Actions: []rules.Action{
			{Name: actions.ActionLog, Parameters: map[string]any{"message": "ok"}},
		},
		Enabled: true,
	}
}

func simpleRule(name string, priority int, condition string) rules.Rule {
	return rules.Rule{
		Name:         name,
		Priority:     priority,
		ContextTypes: []string{"grant"},
		Conditions:   []rules.Condition{{Expression: condition}},
		Actions: []rules.Action{
			{Name: actions.ActionLog, Parameters: map[string]any{"message": name}},
		},
		Enabled: true,
	}
}

func grantContext(data map[string]any) *rules.ExecutionContext {
	ectx := rules.NewExecutionContext("grant", "g-1", data)
	ectx.Metadata.CorrelationID = "corr-1"
	ectx.Metadata.CreatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return ectx
}

func names(results []rules.EvaluationResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.RuleName
	}
	return out
}

func TestEngine_BudgetInRange(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Register(budgetRule()))

	results, err := e.Evaluate(context.Background(), grantContext(map[string]any{
		"budget":     500000,
		"frameworks": []any{"SDG"},
	}))
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "budget_reasonable", r.RuleName)
	assert.True(t, r.Success)
	assert.True(t, r.ConditionsMet)
	assert.Empty(t, r.Error)
	require.Len(t, r.Actions, 1)
	assert.True(t, r.Actions[0].Success)
	assert.Empty(t, r.Actions[0].Error)
	assert.Equal(t, "grant", r.Metadata[rules.MetaContextType])
	assert.Equal(t, "corr-1", r.Metadata[rules.MetaCorrelationID])
	assert.Equal(t, rules.Advisory.String(), r.Metadata[rules.MetaVolatility])
}

func TestEngine_MissingField(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Register(budgetRule()))

	results, err := e.Evaluate(context.Background(), grantContext(map[string]any{
		"frameworks": []any{"SDG"},
	}))
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.False(t, r.Success)
	assert.False(t, r.ConditionsMet)
	assert.Contains(t, r.Error, "budget")
	assert.Empty(t, r.Actions)
}

func TestEngine_CacheHit(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Register(budgetRule()))
	data := map[string]any{"budget": 500000, "frameworks": []any{"SDG"}}

	first, err := e.Evaluate(context.Background(), grantContext(data))
	require.NoError(t, err)
	hitsBefore := e.Cache().Stats().Hits

	second, err := e.Evaluate(context.Background(), grantContext(data))
	require.NoError(t, err)

	assert.Equal(t, hitsBefore+1, e.Cache().Stats().Hits)
	require.Len(t, second, 1)
	assert.False(t, first[0].CacheHit)
	assert.True(t, second[0].CacheHit)
	assert.True(t, rules.SameOutcome(first[0], second[0]))
	assert.Equal(t, int64(1), e.Metrics().Summary().CacheHits)
}

func TestEngine_CacheIgnoresUnreadFields(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Register(budgetRule()))

	_, err := e.Evaluate(context.Background(), grantContext(map[string]any{"budget": 500000, "title": "a"}))
	require.NoError(t, err)
	results, err := e.Evaluate(context.Background(), grantContext(map[string]any{"budget": 500000, "title": "b"}))
	require.NoError(t, err)
	assert.True(t, results[0].CacheHit)

	results, err = e.Evaluate(context.Background(), grantContext(map[string]any{"budget": 600000, "title": "b"}))
	require.NoError(t, err)
	assert.False(t, results[0].CacheHit)
}

func TestEngine_Determinism(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig().WithCache(false))
	require.NoError(t, e.RegisterAll([]rules.Rule{
		budgetRule(),
		simpleRule("sdg_aligned", rules.PriorityMedium, `"SDG" in frameworks`),
		simpleRule("large_budget", rules.PriorityLow, "budget > 1000000"),
	}))
	data := map[string]any{"budget": 500000, "frameworks": []any{"SDG"}}

	first, err := e.Evaluate(context.Background(), grantContext(data))
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), grantContext(data))
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, rules.SameOutcome(first[i], second[i]), "rule %s", first[i].RuleName)
		assert.False(t, second[i].CacheHit)
	}
	assert.Nil(t, e.Cache())
}

func TestEngine_PriorityOrdering(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.RegisterAll([]rules.Rule{
		simpleRule("medium_first", 50, "budget > 0"),
		simpleRule("high", 100, "budget > 0"),
		simpleRule("medium_second", 50, "budget > 0"),
		simpleRule("low", 10, "budget > 0"),
	}))

	results, err := e.Evaluate(context.Background(), grantContext(map[string]any{"budget": 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "medium_first", "medium_second", "low"}, names(results))
}

func TestEngine_ContextTypeFiltering(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	report := simpleRule("report_only", 50, "budget > 0")
	report.ContextTypes = []string{"report"}
	wildcard := simpleRule("everything", 50, "budget > 0")
	wildcard.ContextTypes = []string{rules.AnyContextType}
	disabled := simpleRule("disabled", 100, "budget > 0")
	disabled.Enabled = false

	require.NoError(t, e.RegisterAll([]rules.Rule{simpleRule("grant_rule", 50, "budget > 0"), report, wildcard, disabled}))

	results, err := e.Evaluate(context.Background(), grantContext(map[string]any{"budget": 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"grant_rule", "everything"}, names(results))

	results, err = e.Evaluate(context.Background(), rules.NewExecutionContext("health", "h-1", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"everything"}, names(results))
	assert.False(t, results[0].Success)
}

func TestEngine_DependencyOrdering(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	summary := simpleRule("summary", 100, "budget > 0")
	summary.DependsOn = []string{"check", "not_registered"}
	require.NoError(t, e.RegisterAll([]rules.Rule{
		summary,
		simpleRule("other", 50, "budget > 0"),
		simpleRule("check", 10, "budget > 0"),
	}))

	results, err := e.Evaluate(context.Background(), grantContext(map[string]any{"budget": 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "check", "summary"}, names(results))
}

func TestEngine_DependencyCycle(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	a := simpleRule("a", 50, "budget > 0")
	a.DependsOn = []string{"b"}
	b := simpleRule("b", 50, "budget > 0")
	b.DependsOn = []string{"a"}

	require.NoError(t, e.Register(a))
	err := e.Register(b)
	require.Error(t, err)
	assert.True(t, rules.IsRegistrationError(err))
	assert.ErrorIs(t, err, rules.ErrDependencyCycle)

	var cycle *rules.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"b", "a", "b"}, cycle.Path)
	assert.Contains(t, err.Error(), "b -> a -> b")

	// The offending rule is rejected; the rest keep working
	assert.Equal(t, []string{"a"}, names(mustEvaluate(t, e, map[string]any{"budget": 1})))
}

func mustEvaluate(t *testing.T, e *Engine, data map[string]any) []rules.EvaluationResult {
	t.Helper()
	results, err := e.Evaluate(context.Background(), grantContext(data))
	require.NoError(t, err)
	return results
}

func TestEngine_RegistrationErrors(t *testing.T) {
	tests := []struct {
		name    string
		rule    rules.Rule
		wantErr error
	}{
		{
			name: "unknown action",
			rule: func() rules.Rule {
				r := budgetRule()
				r.Actions = []rules.Action{{Name: "send_fax"}}
				return r
			}(),
			wantErr: rules.ErrUnknownAction,
		},
		{
			name: "unsafe condition",
			rule: simpleRule("unsafe", 50, "timestamp(budget) > 0"),
		},
		{
			name: "syntax error",
			rule: simpleRule("broken", 50, "budget >"),
		},
		{
			name: "no conditions",
			rule: func() rules.Rule {
				r := budgetRule()
				r.Conditions = nil
				return r
			}(),
		},
		{
			name: "self dependency",
			rule: func() rules.Rule {
				r := budgetRule()
				r.DependsOn = []string{r.Name}
				return r
			}(),
			wantErr: rules.ErrDependencyCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, nil)
			err := e.Register(tt.rule)
			require.Error(t, err)
			assert.True(t, rules.IsRegistrationError(err))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, e.Rules())
		})
	}
}

func TestEngine_ReRegistration(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Register(simpleRule("first", 50, "budget > 0")))
	require.NoError(t, e.Register(budgetRule()))
	require.NoError(t, e.Register(simpleRule("last", 50, "budget > 0")))

	data := map[string]any{"budget": 500000}
	mustEvaluate(t, e, data)
	require.Equal(t, 3, e.Cache().Len())

	t.Run("identical definition keeps cache", func(t *testing.T) {
		require.NoError(t, e.Register(budgetRule()))
		assert.Equal(t, 3, e.Cache().Len())

		results := mustEvaluate(t, e, data)
		for _, r := range results {
			assert.True(t, r.CacheHit, r.RuleName)
		}
	})

	t.Run("changed definition replaces in place", func(t *testing.T) {
		changed := simpleRule("first", 50, "budget > 100")
		require.NoError(t, e.Register(changed))
		assert.Equal(t, 2, e.Cache().Len())

		results := mustEvaluate(t, e, data)
		assert.Equal(t, []string{"budget_reasonable", "first", "last"}, names(results))
		assert.False(t, results[1].CacheHit)
		assert.Equal(t, "budget > 100", e.Rules()[0].Conditions[0].Expression)
	})

	t.Run("unregister drops cache entries", func(t *testing.T) {
		assert.True(t, e.Unregister("last"))
		assert.False(t, e.Unregister("last"))
		assert.Equal(t, 2, e.Cache().Len())
		assert.Equal(t, []string{"budget_reasonable", "first"}, names(mustEvaluate(t, e, data)))
	})
}

func TestEngine_PartialFailure(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.RegisterAction("always_fails", actions.HandlerFunc(
		func(context.Context, *actions.Call) (map[string]any, error) {
			return nil, errors.New("downstream unavailable")
		}), rules.Advisory))

	failing := simpleRule("failing_action", 80, "budget > 0")
	failing.Actions = []rules.Action{
		{Name: "always_fails"},
		{Name: actions.ActionLog, Parameters: map[string]any{"message": "still runs"}},
	}

	require.NoError(t, e.RegisterAll([]rules.Rule{
		simpleRule("needs_missing", 100, "missing_field > 0"),
		failing,
		simpleRule("healthy", 10, "budget > 0"),
	}))

	results := mustEvaluate(t, e, map[string]any{"budget": 1})
	require.Equal(t, []string{"needs_missing", "failing_action", "healthy"}, names(results))

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "missing_field")

	assert.False(t, results[1].Success)
	assert.True(t, results[1].ConditionsMet)
	assert.Contains(t, results[1].Error, "downstream unavailable")
	require.Len(t, results[1].Actions, 2)
	assert.False(t, results[1].Actions[0].Success)
	assert.True(t, results[1].Actions[1].Success)

	assert.True(t, results[2].Success)

	// Failed results are not cached
	assert.Equal(t, 1, e.Cache().Len())

	s := e.Metrics().Summary()
	assert.Equal(t, int64(3), s.Evaluations)
	assert.Equal(t, int64(2), s.Failures)
}

func TestEngine_MutationsVisibleToLaterRules(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	flag := simpleRule("flag_large", 100, "budget > 1000")
	flag.Actions = []rules.Action{{
		Name:       actions.ActionUpdateField,
		Parameters: map[string]any{"field": "status", "value": "flagged"},
	}}
	require.NoError(t, e.RegisterAll([]rules.Rule{
		flag,
		simpleRule("review_flagged", 50, `status == "flagged"`),
	}))

	ectx := grantContext(map[string]any{"budget": 5000, "status": "new"})
	results, err := e.Evaluate(context.Background(), ectx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[1].ConditionsMet)

	status, _ := ectx.Get("status")
	assert.Equal(t, "flagged", status)
	assert.Equal(t, rules.Mutating.String(), results[0].Metadata[rules.MetaVolatility])

	// Mutating rules are never cached
	results, err = e.Evaluate(context.Background(), grantContext(map[string]any{"budget": 5000, "status": "new"}))
	require.NoError(t, err)
	assert.False(t, results[0].CacheHit)
}

func TestEngine_NoCacheRule(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	r := budgetRule()
	r.NoCache = true
	require.NoError(t, e.Register(r))

	mustEvaluate(t, e, map[string]any{"budget": 1})
	results := mustEvaluate(t, e, map[string]any{"budget": 1})
	assert.False(t, results[0].CacheHit)
	assert.Zero(t, e.Cache().Len())
}

func TestEngine_Cancellation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.RegisterAction("stop_pass", actions.HandlerFunc(
		func(context.Context, *actions.Call) (map[string]any, error) {
			cancel()
			return nil, nil
		}), rules.Mutating))

	stopper := simpleRule("stopper", 100, "budget > 0")
	stopper.Actions = []rules.Action{{Name: "stop_pass"}}
	require.NoError(t, e.RegisterAll([]rules.Rule{
		stopper,
		simpleRule("skipped_one", 50, "budget > 0"),
		simpleRule("skipped_two", 10, "budget > 0"),
	}))

	results, err := e.Evaluate(ctx, grantContext(map[string]any{"budget": 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, rules.ErrPassCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"stopper"}, names(results))
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Register(budgetRule()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := e.Evaluate(ctx, grantContext(map[string]any{"budget": 1}))
	assert.ErrorIs(t, err, rules.ErrPassCancelled)
	assert.Empty(t, results)
}

func TestEngine_NilContext(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Evaluate(context.Background(), nil)
	assert.Error(t, err)
}

func TestEngine_SideEffectsSuppressedOnHit(t *testing.T) {
	e, sink := newTestEngine(t, nil)
	r := budgetRule()
	r.Actions = []rules.Action{{
		Name:       actions.ActionRaiseAlert,
		Parameters: map[string]any{"message": "budget {{budget}} checked"},
	}}
	require.NoError(t, e.Register(r))

	mustEvaluate(t, e, map[string]any{"budget": 1})
	results := mustEvaluate(t, e, map[string]any{"budget": 1})

	assert.True(t, results[0].CacheHit)
	assert.Len(t, sink.Alerts(), 1)
}

func TestEngine_CacheKeyCoversActionInputs(t *testing.T) {
	withID := func(id string, data map[string]any) *rules.ExecutionContext {
		ectx := grantContext(data)
		ectx.ID = id
		return ectx
	}
	evaluate := func(t *testing.T, e *Engine, ectx *rules.ExecutionContext) rules.EvaluationResult {
		t.Helper()
		results, err := e.Evaluate(context.Background(), ectx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.True(t, results[0].Success, results[0].Error)
		return results[0]
	}

	t.Run("alert per context id", func(t *testing.T) {
		e, sink := newTestEngine(t, nil)
		r := budgetRule()
		r.Actions = []rules.Action{{
			Name:       actions.ActionRaiseAlert,
			Parameters: map[string]any{"message": "grant {{ context.id }} applicant {{ applicant }}"},
		}}
		require.NoError(t, e.Register(r))

		data := map[string]any{"budget": 500000, "applicant": "Acme"}
		evaluate(t, e, withID("g-1", data))
		second := evaluate(t, e, withID("g-2", data))

		assert.False(t, second.CacheHit)
		alerts := sink.Alerts()
		require.Len(t, alerts, 2)
		assert.Equal(t, "grant g-1 applicant Acme", alerts[0].Message)
		assert.Equal(t, "grant g-2 applicant Acme", alerts[1].Message)
		assert.Equal(t, "g-2", alerts[1].ContextID)
	})

	t.Run("template fields outside the conditions", func(t *testing.T) {
		e, _ := newTestEngine(t, nil)
		r := budgetRule()
		r.Actions = []rules.Action{{
			Name:       actions.ActionLog,
			Parameters: map[string]any{"message": "{{ data.applicant.name }} asks {{ budget }}"},
		}}
		require.NoError(t, e.Register(r))

		acme := map[string]any{"budget": 500000, "applicant": map[string]any{"name": "Acme"}}
		other := map[string]any{"budget": 500000, "applicant": map[string]any{"name": "Globex"}}

		first := evaluate(t, e, grantContext(acme))
		second := evaluate(t, e, grantContext(other))
		assert.False(t, second.CacheHit)
		assert.Equal(t, "Acme asks 500000", first.Actions[0].Output["message"])
		assert.Equal(t, "Globex asks 500000", second.Actions[0].Output["message"])

		third := evaluate(t, e, withID("g-9", acme))
		assert.True(t, third.CacheHit, "advisory rules without context references ignore the id")
	})

	t.Run("side effects without templates", func(t *testing.T) {
		e, sink := newTestEngine(t, nil)
		r := budgetRule()
		r.Actions = []rules.Action{{
			Name:       actions.ActionRaiseAlert,
			Parameters: map[string]any{"message": "budget checked"},
		}}
		require.NoError(t, e.Register(r))

		data := map[string]any{"budget": 1}
		evaluate(t, e, withID("g-1", data))
		assert.False(t, evaluate(t, e, withID("g-2", data)).CacheHit)
		assert.True(t, evaluate(t, e, withID("g-2", data)).CacheHit)
		assert.Len(t, sink.Alerts(), 2)
	})

	t.Run("follow-up due dates follow creation time", func(t *testing.T) {
		e, sink := newTestEngine(t, nil)
		r := budgetRule()
		r.Actions = []rules.Action{{
			Name:       actions.ActionScheduleFollowUp,
			Parameters: map[string]any{"task": "review", "delay": "24h"},
		}}
		require.NoError(t, e.Register(r))

		data := map[string]any{"budget": 1}
		evaluate(t, e, grantContext(data))
		later := grantContext(data)
		later.Metadata.CreatedAt = later.Metadata.CreatedAt.Add(time.Hour)
		assert.False(t, evaluate(t, e, later).CacheHit)

		followUps := sink.FollowUps()
		require.Len(t, followUps, 2)
		assert.Equal(t, time.Hour, followUps[1].DueAt.Sub(followUps[0].DueAt))
	})

	t.Run("correlation id only when referenced", func(t *testing.T) {
		e, _ := newTestEngine(t, nil)
		r := budgetRule()
		r.Actions = []rules.Action{{
			Name:       actions.ActionLog,
			Parameters: map[string]any{"message": "pass {{ context.correlation_id }}"},
		}}
		require.NoError(t, e.Register(r))

		data := map[string]any{"budget": 1}
		evaluate(t, e, grantContext(data))
		next := grantContext(data)
		next.Metadata.CorrelationID = "corr-2"
		second := evaluate(t, e, next)
		assert.False(t, second.CacheHit)
		assert.Equal(t, "pass corr-2", second.Actions[0].Output["message"])
	})
}

func TestEngine_Parallel(t *testing.T) {
	e, sink := newTestEngine(t, DefaultConfig().WithWorkers(8))

	var list []rules.Rule
	for i := 0; i < 20; i++ {
		r := simpleRule(fmt.Sprintf("rule_%02d", i), i%3*10, fmt.Sprintf("score > %d", i*5))
		r.Actions = append(r.Actions, rules.Action{
			Name:       actions.ActionRaiseAlert,
			Parameters: map[string]any{"message": r.Name},
		})
		list = append(list, r)
	}
	require.NoError(t, e.RegisterAll(list))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ectx := rules.NewExecutionContext("grant", fmt.Sprintf("g-%d", i), map[string]any{"score": 50})
			results, err := e.Evaluate(context.Background(), ectx)
			assert.NoError(t, err)
			assert.Len(t, results, 20)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(200), e.Metrics().Summary().Evaluations)
	assert.NotEmpty(t, sink.Alerts())
}

type fakeStorage struct {
	mu         sync.Mutex
	batches    [][]rules.EvaluationResult
	history    []metrics.Snapshot
	persist    error
	loadErr    error
	lastCtxErr error
}

func (s *fakeStorage) PersistAudit(ctx context.Context, results []rules.EvaluationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, results)
	s.lastCtxErr = ctx.Err()
	return s.persist
}

func (s *fakeStorage) LoadMetricsHistory(context.Context) ([]metrics.Snapshot, error) {
	return s.history, s.loadErr
}

func (s *fakeStorage) Batches() [][]rules.EvaluationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func TestEngine_Storage(t *testing.T) {
	t.Run("history seeds baseline", func(t *testing.T) {
		store := &fakeStorage{history: []metrics.Snapshot{
			{Evaluations: 80, Failures: 4},
			{Evaluations: 20, Failures: 6},
		}}
		e, _ := newTestEngine(t, nil, WithStorage(store))

		b := e.Metrics().Summary().Baseline
		assert.Equal(t, 2, b.Snapshots)
		assert.InDelta(t, 0.1, b.ErrorRate, 1e-9)
	})

	t.Run("results are persisted after each pass", func(t *testing.T) {
		store := &fakeStorage{}
		e, _ := newTestEngine(t, nil, WithStorage(store))
		require.NoError(t, e.Register(budgetRule()))

		mustEvaluate(t, e, map[string]any{"budget": 1})
		mustEvaluate(t, e, map[string]any{"budget": 2})

		batches := store.Batches()
		require.Len(t, batches, 2)
		assert.Equal(t, "budget_reasonable", batches[0][0].RuleName)
	})

	t.Run("failures never reach the caller", func(t *testing.T) {
		store := &fakeStorage{persist: errors.New("disk full"), loadErr: errors.New("no table")}
		e, _ := newTestEngine(t, nil, WithStorage(store))
		require.NoError(t, e.Register(budgetRule()))

		results := mustEvaluate(t, e, map[string]any{"budget": 1})
		assert.True(t, results[0].Success)
		assert.Zero(t, e.Metrics().Summary().Baseline.Snapshots)
	})

	t.Run("cancelled pass still persists completed results", func(t *testing.T) {
		store := &fakeStorage{}
		e, _ := newTestEngine(t, nil, WithStorage(store))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, e.RegisterAction("stop_pass", actions.HandlerFunc(
			func(context.Context, *actions.Call) (map[string]any, error) {
				cancel()
				return nil, nil
			}), rules.Mutating))
		stopper := simpleRule("stopper", 100, "budget > 0")
		stopper.Actions = []rules.Action{{Name: "stop_pass"}}
		require.NoError(t, e.RegisterAll([]rules.Rule{stopper, budgetRule()}))

		_, err := e.Evaluate(ctx, grantContext(map[string]any{"budget": 1}))
		require.Error(t, err)
		require.Len(t, store.Batches(), 1)
		assert.NoError(t, store.lastCtxErr)
	})
}

type fakeSource struct {
	mu     sync.Mutex
	rules  []rules.Rule
	events chan RuleEvent
}

func (s *fakeSource) set(list ...rules.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = list
}

func (s *fakeSource) LoadRules(context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rules.Rule(nil), s.rules...), nil
}

func (s *fakeSource) Watch(context.Context) (<-chan RuleEvent, error) {
	return s.events, nil
}

func TestEngine_Reload(t *testing.T) {
	src := &fakeSource{}
	e, _ := newTestEngine(t, nil, WithSource(src))

	src.set(budgetRule(), simpleRule("from_file", 50, "budget > 0"))
	require.NoError(t, e.Reload(context.Background()))
	require.NoError(t, e.Register(simpleRule("manual", 10, "budget > 0")))
	assert.Len(t, e.Rules(), 3)

	src.set(budgetRule(), simpleRule("broken", 50, "budget >"))
	err := e.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, rules.IsRegistrationError(err))

	var got []string
	for _, r := range e.Rules() {
		got = append(got, r.Name)
	}
	assert.Equal(t, []string{"budget_reasonable", "manual"}, got)
}

func TestEngine_Watch(t *testing.T) {
	src := &fakeSource{events: make(chan RuleEvent, 1)}
	e, _ := newTestEngine(t, nil, WithSource(src))
	require.NoError(t, e.Watch(context.Background()))

	src.set(budgetRule())
	src.events <- RuleEvent{Type: RuleEventModified, Path: "rules/grants.yaml"}

	require.Eventually(t, func() bool {
		return len(e.Rules()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestEngine_NoSource(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.Error(t, e.Reload(context.Background()))
	assert.Error(t, e.Watch(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "sequential", config: DefaultConfig().WithWorkers(1)},
		{name: "no workers", config: DefaultConfig().WithWorkers(0), wantErr: true},
		{name: "negative pass timeout", config: DefaultConfig().WithPassTimeout(-time.Second), wantErr: true},
		{name: "zero cost limit", config: DefaultConfig().WithCostLimit(0), wantErr: true},
		{name: "negative action timeout", config: DefaultConfig().WithActionTimeout(-1), wantErr: true},
		{
			name: "zero audit timeout",
			config: func() *Config {
				c := DefaultConfig()
				c.AuditTimeout = 0
				return c
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, rules.ErrInvalidConfig)
				_, newErr := New(tt.config)
				assert.Error(t, newErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
