package actions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Alert is raised by the raise_alert action.
type Alert struct {
	Rule          string    `json:"rule"`
	Severity      string    `json:"severity"`
	Code          string    `json:"code,omitempty"`
	Message       string    `json:"message"`
	ContextType   string    `json:"context_type"`
	ContextID     string    `json:"context_id"`
	CorrelationID string    `json:"correlation_id"`
	RaisedAt      time.Time `json:"raised_at"`
}

// FollowUp is scheduled by the schedule_follow_up action.
type FollowUp struct {
	Rule          string    `json:"rule"`
	Task          string    `json:"task"`
	Assignee      string    `json:"assignee,omitempty"`
	DueAt         time.Time `json:"due_at"`
	ContextType   string    `json:"context_type"`
	ContextID     string    `json:"context_id"`
	CorrelationID string    `json:"correlation_id"`
}

// Notification is sent by the emit_notification action.
type Notification struct {
	Rule          string `json:"rule"`
	Channel       string `json:"channel"`
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject,omitempty"`
	Message       string `json:"message"`
	ContextID     string `json:"context_id"`
	CorrelationID string `json:"correlation_id"`
}

// AlertSink receives raised alerts.
type AlertSink interface {
	RaiseAlert(ctx context.Context, a Alert) error
}

// FollowUpSink receives scheduled follow-ups.
type FollowUpSink interface {
	ScheduleFollowUp(ctx context.Context, f FollowUp) error
}

// Notifier delivers notifications. Implementations may block on I/O and
// must return when ctx is done.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes alerts, follow-ups and notifications to a structured logger.
// It is the default delivery target.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "actions.sink")}
}

func (s *LogSink) RaiseAlert(ctx context.Context, a Alert) error {
	level := slog.LevelWarn
	if a.Severity == "critical" {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "alert raised",
		"rule", a.Rule,
		"severity", a.Severity,
		"code", a.Code,
		"message", a.Message,
		"context_id", a.ContextID,
		"correlation_id", a.CorrelationID,
	)
	return nil
}

func (s *LogSink) ScheduleFollowUp(ctx context.Context, f FollowUp) error {
	s.logger.InfoContext(ctx, "follow-up scheduled",
		"rule", f.Rule,
		"task", f.Task,
		"assignee", f.Assignee,
		"due_at", f.DueAt,
		"context_id", f.ContextID,
		"correlation_id", f.CorrelationID,
	)
	return nil
}

func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "notification emitted",
		"rule", n.Rule,
		"channel", n.Channel,
		"recipient", n.Recipient,
		"subject", n.Subject,
		"context_id", n.ContextID,
		"correlation_id", n.CorrelationID,
	)
	return nil
}

// MemorySink keeps everything it receives in memory. Hosts use it to turn
// alerts and follow-ups of a pass into recommendations; tests use it to
// assert deliveries.
type MemorySink struct {
	mu            sync.Mutex
	alerts        []Alert
	followUps     []FollowUp
	notifications []Notification
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) RaiseAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *MemorySink) ScheduleFollowUp(_ context.Context, f FollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps = append(s.followUps, f)
	return nil
}

func (s *MemorySink) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// Alerts returns a copy of the received alerts.
func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// FollowUps returns a copy of the received follow-ups.
func (s *MemorySink) FollowUps() []FollowUp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FollowUp(nil), s.followUps...)
}

// Notifications returns a copy of the received notifications.
func (s *MemorySink) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}
