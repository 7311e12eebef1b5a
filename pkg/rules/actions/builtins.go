package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"impactlab/rulecore/pkg/rules"
)

func (e *Executor) registerBuiltins() {
	builtins := []struct {
		name string
		h    HandlerFunc
		v    rules.Volatility
	}{
		{ActionLog, e.handleLog, rules.Advisory},
		{ActionUpdateField, e.handleUpdateField, rules.Mutating},
		{ActionRaiseAlert, e.handleRaiseAlert, rules.SideEffecting},
		{ActionScheduleFollowUp, e.handleScheduleFollowUp, rules.SideEffecting},
		{ActionEmitNotification, e.handleEmitNotification, rules.SideEffecting},
	}
	for _, b := range builtins {
		if err := e.registry.register(b.name, b.h, b.v, true); err != nil {
			panic(err)
		}
	}
}

// handleLog writes a message at the requested level.
func (e *Executor) handleLog(ctx context.Context, call *Call) (map[string]any, error) {
	msg, err := call.RequiredString("message")
	if err != nil {
		return nil, err
	}
	levelName, err := call.String("level", "info")
	if err != nil {
		return nil, err
	}

	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", levelName)
	}

	e.logger.Log(ctx, level, msg,
		"rule", call.Rule,
		"context_type", call.Context.Type,
		"context_id", call.Context.ID,
		"correlation_id", call.Context.Metadata.CorrelationID,
	)
	return map[string]any{"message": msg, "level": levelName}, nil
}

// handleUpdateField mutates one context field. Operations: set (default),
// increment, append, delete.
func (e *Executor) handleUpdateField(_ context.Context, call *Call) (map[string]any, error) {
	field, err := call.RequiredString("field")
	if err != nil {
		return nil, err
	}
	op, err := call.String("operation", "set")
	if err != nil {
		return nil, err
	}
	value, hasValue := call.Param("value")

	var written any
	switch op {
	case "set":
		if !hasValue {
			return nil, fmt.Errorf("parameter %q is required for set", "value")
		}
		written = value
		err = call.Context.Set(field, value)
	case "increment":
		delta := any(1)
		if hasValue {
			delta = value
		}
		err = call.Context.Update(field, func(old any, exists bool) (any, error) {
			if !exists || old == nil {
				old = 0
			}
			sum, err := addNumbers(old, delta)
			written = sum
			return sum, err
		})
	case "append":
		if !hasValue {
			return nil, fmt.Errorf("parameter %q is required for append", "value")
		}
		err = call.Context.Update(field, func(old any, exists bool) (any, error) {
			list, err := appendValue(old, exists, value)
			written = list
			return list, err
		})
	case "delete":
		err = call.Context.Delete(field)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return nil, fmt.Errorf("update %q: %w", field, err)
	}

	out := map[string]any{"field": field, "operation": op}
	if written != nil {
		out["value"] = written
	}
	return out, nil
}

// handleRaiseAlert delivers an alert to the alert sink.
func (e *Executor) handleRaiseAlert(ctx context.Context, call *Call) (map[string]any, error) {
	msg, err := call.RequiredString("message")
	if err != nil {
		return nil, err
	}
	severity, err := call.String("severity", "warning")
	if err != nil {
		return nil, err
	}
	switch severity {
	case "info", "warning", "critical":
	default:
		return nil, fmt.Errorf("unknown severity %q", severity)
	}
	code, err := call.String("code", "")
	if err != nil {
		return nil, err
	}

	alert := Alert{
		Rule:          call.Rule,
		Severity:      severity,
		Code:          code,
		Message:       msg,
		ContextType:   call.Context.Type,
		ContextID:     call.Context.ID,
		CorrelationID: call.Context.Metadata.CorrelationID,
		RaisedAt:      call.Context.Metadata.CreatedAt,
	}
	if err := e.alerts.RaiseAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("deliver alert: %w", err)
	}

	out := map[string]any{"severity": severity, "message": msg}
	if code != "" {
		out["code"] = code
	}
	return out, nil
}

// handleScheduleFollowUp schedules a task relative to the context's creation
// time, so the same context always yields the same due date.
func (e *Executor) handleScheduleFollowUp(ctx context.Context, call *Call) (map[string]any, error) {
	task, err := call.RequiredString("task")
	if err != nil {
		return nil, err
	}
	assignee, err := call.String("assignee", "")
	if err != nil {
		return nil, err
	}

	var due time.Time
	if raw, ok := call.Param("due_at"); ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %q must be an RFC 3339 string", "due_at")
		}
		due, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", "due_at", err)
		}
	} else {
		raw, ok := call.Param("delay")
		if !ok {
			return nil, fmt.Errorf("one of %q or %q is required", "delay", "due_at")
		}
		delay, err := parseDelay(raw)
		if err != nil {
			return nil, err
		}
		due = call.Context.Metadata.CreatedAt.Add(delay)
	}

	f := FollowUp{
		Rule:          call.Rule,
		Task:          task,
		Assignee:      assignee,
		DueAt:         due.UTC(),
		ContextType:   call.Context.Type,
		ContextID:     call.Context.ID,
		CorrelationID: call.Context.Metadata.CorrelationID,
	}
	if err := e.followUps.ScheduleFollowUp(ctx, f); err != nil {
		return nil, fmt.Errorf("schedule follow-up: %w", err)
	}

	out := map[string]any{"task": task, "due_at": f.DueAt.Format(time.RFC3339)}
	if assignee != "" {
		out["assignee"] = assignee
	}
	return out, nil
}

// handleEmitNotification waits for the shared rate limiter and hands the
// notification to the notifier.
func (e *Executor) handleEmitNotification(ctx context.Context, call *Call) (map[string]any, error) {
	recipient, err := call.RequiredString("recipient")
	if err != nil {
		return nil, err
	}
	msg, err := call.RequiredString("message")
	if err != nil {
		return nil, err
	}
	channel, err := call.String("channel", "default")
	if err != nil {
		return nil, err
	}
	subject, err := call.String("subject", "")
	if err != nil {
		return nil, err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("notification throttled: %w", err)
	}

	n := Notification{
		Rule:          call.Rule,
		Channel:       channel,
		Recipient:     recipient,
		Subject:       subject,
		Message:       msg,
		ContextID:     call.Context.ID,
		CorrelationID: call.Context.Metadata.CorrelationID,
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return nil, fmt.Errorf("notify %s: %w", recipient, err)
	}
	return map[string]any{"channel": channel, "recipient": recipient, "subject": subject}, nil
}

// parseDelay accepts a Go duration string ("72h") or a number of seconds.
func parseDelay(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", "delay", err)
		}
		return d, nil
	default:
		secs, ok := toFloat(v)
		if !ok {
			return 0, fmt.Errorf("parameter %q must be a duration string or seconds, got %T", "delay", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
}

// addNumbers adds two numeric values. Integer inputs stay integers.
func addNumbers(a, b any) (any, error) {
	ai, aInt := toInt(a)
	bi, bInt := toInt(b)
	if aInt && bInt {
		return ai + bi, nil
	}
	af, okA := toFloat(a)
	bf, okB := toFloat(b)
	if !okA || !okB {
		return nil, fmt.Errorf("cannot add %T and %T", a, b)
	}
	return af + bf, nil
}

func appendValue(old any, exists bool, value any) (any, error) {
	if !exists || old == nil {
		return []any{value}, nil
	}
	switch list := old.(type) {
	case []any:
		return append(append([]any(nil), list...), value), nil
	case []string:
		s, ok := value.(string)
		if !ok {
			out := make([]any, 0, len(list)+1)
			for _, e := range list {
				out = append(out, e)
			}
			return append(out, value), nil
		}
		return append(append([]string(nil), list...), s), nil
	default:
		return nil, fmt.Errorf("cannot append to %T", old)
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
