package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactlab/rulecore/pkg/rules"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, cfg Config, opts ...Option) (*Executor, *MemorySink) {
	t.Helper()
	sink := NewMemorySink()
	base := []Option{
		WithLogger(discardLogger()),
		WithAlertSink(sink),
		WithFollowUpSink(sink),
		WithNotifier(sink),
	}
	return NewExecutor(cfg, append(base, opts...)...), sink
}

func grantContext() *rules.ExecutionContext {
	ectx := rules.NewExecutionContext("grant", "g-42", map[string]any{
		"budget":     500000,
		"frameworks": []any{"SDG"},
		"applicant":  map[string]any{"name": "Water Trust"},
	})
	ectx.Metadata.CreatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return ectx
}

func TestExecutor_Builtins(t *testing.T) {
	tests := []struct {
		name       string
		action     rules.Action
		wantOK     bool
		wantOutput map[string]any
	}{
		{
			name:       "log",
			action:     rules.Action{Name: ActionLog, Parameters: map[string]any{"message": "ok"}},
			wantOK:     true,
			wantOutput: map[string]any{"message": "ok", "level": "info"},
		},
		{
			name:   "log requires message",
			action: rules.Action{Name: ActionLog},
			wantOK: false,
		},
		{
			name:   "log rejects unknown level",
			action: rules.Action{Name: ActionLog, Parameters: map[string]any{"message": "x", "level": "loud"}},
			wantOK: false,
		},
		{
			name:       "log with template",
			action:     rules.Action{Name: ActionLog, Parameters: map[string]any{"message": "{{applicant.name}} asks {{ budget }}"}},
			wantOK:     true,
			wantOutput: map[string]any{"message": "Water Trust asks 500000", "level": "info"},
		},
		{
			name:   "template with undefined field",
			action: rules.Action{Name: ActionLog, Parameters: map[string]any{"message": "{{ missing }}"}},
			wantOK: false,
		},
		{
			name:       "raise alert",
			action:     rules.Action{Name: ActionRaiseAlert, Parameters: map[string]any{"message": "budget high", "severity": "critical", "code": "B01"}},
			wantOK:     true,
			wantOutput: map[string]any{"message": "budget high", "severity": "critical", "code": "B01"},
		},
		{
			name:   "raise alert bad severity",
			action: rules.Action{Name: ActionRaiseAlert, Parameters: map[string]any{"message": "x", "severity": "meh"}},
			wantOK: false,
		},
		{
			name:       "schedule follow-up with delay",
			action:     rules.Action{Name: ActionScheduleFollowUp, Parameters: map[string]any{"task": "review budget", "delay": "72h"}},
			wantOK:     true,
			wantOutput: map[string]any{"task": "review budget", "due_at": "2025-03-04T12:00:00Z"},
		},
		{
			name:       "schedule follow-up with seconds",
			action:     rules.Action{Name: ActionScheduleFollowUp, Parameters: map[string]any{"task": "t", "delay": 60, "assignee": "ops"}},
			wantOK:     true,
			wantOutput: map[string]any{"task": "t", "due_at": "2025-03-01T12:01:00Z", "assignee": "ops"},
		},
		{
			name:   "schedule follow-up needs a time",
			action: rules.Action{Name: ActionScheduleFollowUp, Parameters: map[string]any{"task": "t"}},
			wantOK: false,
		},
		{
			name:       "emit notification",
			action:     rules.Action{Name: ActionEmitNotification, Parameters: map[string]any{"recipient": "pm@example.org", "message": "check {{ context.id }}"}},
			wantOK:     true,
			wantOutput: map[string]any{"channel": "default", "recipient": "pm@example.org", "subject": ""},
		},
		{
			name:   "unknown action",
			action: rules.Action{Name: "teleport"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _ := newTestExecutor(t, DefaultConfig())
			res := ex.Execute(context.Background(), tt.action, grantContext())

			if res.Success != tt.wantOK {
				t.Fatalf("Execute() success = %v (error %q), want %v", res.Success, res.Error, tt.wantOK)
			}
			if res.Action != tt.action.Name {
				t.Errorf("Execute() action = %q, want %q", res.Action, tt.action.Name)
			}
			if !tt.wantOK && res.Error == "" {
				t.Error("failed result has no error message")
			}
			if tt.wantOutput != nil {
				assert.Equal(t, tt.wantOutput, res.Output)
			}
		})
	}
}

func TestExecutor_SinksReceiveDeliveries(t *testing.T) {
	ex, sink := newTestExecutor(t, DefaultConfig())
	ectx := grantContext()
	ctx := WithRule(context.Background(), "budget_watch")

	ex.Execute(ctx, rules.Action{Name: ActionRaiseAlert, Parameters: map[string]any{"message": "high"}}, ectx)
	ex.Execute(ctx, rules.Action{Name: ActionScheduleFollowUp, Parameters: map[string]any{"task": "t", "delay": "1h"}}, ectx)
	ex.Execute(ctx, rules.Action{Name: ActionEmitNotification, Parameters: map[string]any{"recipient": "r", "message": "m"}}, ectx)

	require.Len(t, sink.Alerts(), 1)
	assert.Equal(t, "budget_watch", sink.Alerts()[0].Rule)
	assert.Equal(t, "warning", sink.Alerts()[0].Severity)
	assert.Equal(t, ectx.Metadata.CorrelationID, sink.Alerts()[0].CorrelationID)

	require.Len(t, sink.FollowUps(), 1)
	assert.Equal(t, ectx.Metadata.CreatedAt.Add(time.Hour), sink.FollowUps()[0].DueAt)

	require.Len(t, sink.Notifications(), 1)
	assert.Equal(t, "g-42", sink.Notifications()[0].ContextID)
}

func TestExecutor_UpdateContextField(t *testing.T) {
	ex, _ := newTestExecutor(t, DefaultConfig())

	tests := []struct {
		name   string
		params map[string]any
		field  string
		want   any
		wantOK bool
	}{
		{"set", map[string]any{"field": "status", "value": "flagged"}, "status", "flagged", true},
		{"set nested", map[string]any{"field": "review.score", "value": 7}, "review.score", 7, true},
		{"set from template keeps type", map[string]any{"field": "copy", "value": "{{ budget }}"}, "copy", 500000, true},
		{"increment existing", map[string]any{"field": "budget", "operation": "increment", "value": 100}, "budget", int64(500100), true},
		{"increment missing defaults to one", map[string]any{"field": "hits", "operation": "increment"}, "hits", int64(1), true},
		{"increment float", map[string]any{"field": "budget", "operation": "increment", "value": 0.5}, "budget", 500000.5, true},
		{"append", map[string]any{"field": "frameworks", "operation": "append", "value": "ESG"}, "frameworks", []any{"SDG", "ESG"}, true},
		{"append creates list", map[string]any{"field": "notes", "operation": "append", "value": "n"}, "notes", []any{"n"}, true},
		{"increment non number", map[string]any{"field": "applicant", "operation": "increment"}, "", nil, false},
		{"set without value", map[string]any{"field": "x"}, "", nil, false},
		{"missing field param", map[string]any{"value": 1}, "", nil, false},
		{"unknown operation", map[string]any{"field": "x", "operation": "multiply", "value": 2}, "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ectx := grantContext()
			res := ex.Execute(context.Background(), rules.Action{Name: ActionUpdateField, Parameters: tt.params}, ectx)
			require.Equal(t, tt.wantOK, res.Success, res.Error)
			if !tt.wantOK {
				return
			}
			got, ok := ectx.Get(tt.field)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("delete", func(t *testing.T) {
		ectx := grantContext()
		res := ex.Execute(context.Background(), rules.Action{Name: ActionUpdateField, Parameters: map[string]any{"field": "budget", "operation": "delete"}}, ectx)
		require.True(t, res.Success, res.Error)
		_, ok := ectx.Get("budget")
		assert.False(t, ok)
	})
}

func TestExecutor_CustomActions(t *testing.T) {
	ex, _ := newTestExecutor(t, Config{Timeout: 50 * time.Millisecond},
		WithHelper("currency", func(v any) (any, error) {
			s, _ := v.(string)
			if len(s) != 3 {
				return nil, errors.New("not an ISO 4217 code")
			}
			return s, nil
		}),
	)

	require.NoError(t, ex.Register("check_currency", HandlerFunc(func(ctx context.Context, call *Call) (map[string]any, error) {
		h, ok := call.Helper("currency")
		if !ok {
			return nil, errors.New("helper missing")
		}
		code, _ := call.Param("code")
		v, err := h(code)
		if err != nil {
			return nil, err
		}
		return map[string]any{"currency": v}, nil
	}), rules.Advisory))

	require.NoError(t, ex.Register("slow", HandlerFunc(func(ctx context.Context, call *Call) (map[string]any, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), rules.SideEffecting))

	require.NoError(t, ex.Register("stubborn", HandlerFunc(func(ctx context.Context, call *Call) (map[string]any, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, nil
	}), rules.Advisory))

	require.NoError(t, ex.Register("explode", HandlerFunc(func(ctx context.Context, call *Call) (map[string]any, error) {
		panic("kaboom")
	}), rules.Advisory))

	t.Run("duplicate name", func(t *testing.T) {
		err := ex.Register("check_currency", HandlerFunc(nil), rules.Advisory)
		assert.Error(t, err)
		err = ex.Register(ActionLog, HandlerFunc(func(context.Context, *Call) (map[string]any, error) { return nil, nil }), rules.Advisory)
		assert.ErrorIs(t, err, rules.ErrDuplicateAction)
	})

	t.Run("helper", func(t *testing.T) {
		res := ex.Execute(context.Background(), rules.Action{Name: "check_currency", Parameters: map[string]any{"code": "KES"}}, grantContext())
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "KES", res.Output["currency"])

		res = ex.Execute(context.Background(), rules.Action{Name: "check_currency", Parameters: map[string]any{"code": "shillings"}}, grantContext())
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "ISO 4217")
	})

	t.Run("timeout honoured by handler", func(t *testing.T) {
		res := ex.Execute(context.Background(), rules.Action{Name: "slow"}, grantContext())
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timed out")
		assert.Less(t, res.Duration, time.Second)
	})

	t.Run("timeout ignored by handler", func(t *testing.T) {
		res := ex.Execute(context.Background(), rules.Action{Name: "stubborn"}, grantContext())
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timed out")
		assert.Less(t, res.Duration, 250*time.Millisecond)
	})

	t.Run("panic recovered", func(t *testing.T) {
		res := ex.Execute(context.Background(), rules.Action{Name: "explode"}, grantContext())
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "kaboom")
	})

	t.Run("cancelled pass", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := ex.Execute(ctx, rules.Action{Name: "slow"}, grantContext())
		assert.False(t, res.Success)
	})

	t.Run("volatility", func(t *testing.T) {
		v, err := ex.Volatility("slow")
		require.NoError(t, err)
		assert.Equal(t, rules.SideEffecting, v)

		v, err = ex.Volatility(ActionUpdateField)
		require.NoError(t, err)
		assert.Equal(t, rules.Mutating, v)

		_, err = ex.Volatility("nope")
		assert.ErrorIs(t, err, rules.ErrUnknownAction)
	})

	t.Run("registry listing", func(t *testing.T) {
		names := ex.Registry().Names()
		assert.Contains(t, names, ActionEmitNotification)
		assert.Contains(t, names, "check_currency")
		assert.True(t, ex.Registry().IsBuiltin(ActionLog))
		assert.False(t, ex.Registry().IsBuiltin("slow"))
	})
}

func TestExecutor_NotificationThrottle(t *testing.T) {
	ex, sink := newTestExecutor(t, Config{Timeout: 30 * time.Millisecond, NotificationRate: 0.001, NotificationBurst: 1})
	action := rules.Action{Name: ActionEmitNotification, Parameters: map[string]any{"recipient": "r", "message": "m"}}

	first := ex.Execute(context.Background(), action, grantContext())
	require.True(t, first.Success, first.Error)

	second := ex.Execute(context.Background(), action, grantContext())
	assert.False(t, second.Success, "second notification should be throttled past the action timeout")
	assert.Len(t, sink.Notifications(), 1)
}

func TestTemplateRefs(t *testing.T) {
	params := map[string]any{
		"message": "{{ context.id }} asks {{budget}} for {{ applicant.name }}",
		"nested": map[string]any{
			"items": []any{"{{ data.items.0.amount }}", 7, "{{ budget }}"},
		},
		"plain": "no placeholders",
	}

	refs := TemplateRefs(params)
	assert.ElementsMatch(t, []string{"context.id", "budget", "applicant.name", "data.items.0.amount"}, refs)
	assert.Empty(t, TemplateRefs(nil))

	tests := []struct {
		ref       string
		wantField string
		wantData  bool
	}{
		{"budget", "budget", true},
		{"applicant.name", "applicant", true},
		{"data.items.0.amount", "items", true},
		{"context.id", "", false},
		{"context.type", "", false},
		{"context.correlation_id", "", false},
		{"context.extra", "context", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			field, ok := RefField(tt.ref)
			assert.Equal(t, tt.wantData, ok)
			assert.Equal(t, tt.wantField, field)
		})
	}
}
