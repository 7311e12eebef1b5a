package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/engine"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

// DefaultHistoryLimit is the number of snapshots LoadMetricsHistory returns
// when no limit is configured.
const DefaultHistoryLimit = 100

// Store is a persistence backend for audit records and metric snapshots.
type Store interface {
	engine.Storage

	// SaveMetricsSnapshot stores one metrics window.
	SaveMetricsSnapshot(ctx context.Context, s metrics.Snapshot) error

	// QueryAudit returns audit records matching q, newest pass first.
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, error)

	// PruneAudit deletes audit records recorded before the cutoff and
	// returns how many were removed.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources held by the backend.
	Close() error
}

// AuditRecord is the stored form of one rule result.
type AuditRecord struct {
	ID            string               `json:"id"`
	RecordedAt    time.Time            `json:"recorded_at"`
	Position      int                  `json:"position"`
	RuleName      string               `json:"rule_name"`
	ContextType   string               `json:"context_type"`
	ContextID     string               `json:"context_id"`
	CorrelationID string               `json:"correlation_id"`
	Success       bool                 `json:"success"`
	ConditionsMet bool                 `json:"conditions_met"`
	CacheHit      bool                 `json:"cache_hit"`
	Error         string               `json:"error,omitempty"`
	ExecutionTime time.Duration        `json:"execution_time_ns"`
	Priority      int                  `json:"priority"`
	Actions       []rules.ActionResult `json:"actions,omitempty"`
}

// NewAuditRecords converts the results of one pass. Records share the
// recording time and keep the pass order in Position.
func NewAuditRecords(results []rules.EvaluationResult, now time.Time) []AuditRecord {
	out := make([]AuditRecord, len(results))
	for i, r := range results {
		out[i] = AuditRecord{
			ID:            uuid.NewString(),
			RecordedAt:    now,
			Position:      i,
			RuleName:      r.RuleName,
			ContextType:   r.Metadata[rules.MetaContextType],
			ContextID:     r.Metadata[rules.MetaContextID],
			CorrelationID: r.Metadata[rules.MetaCorrelationID],
			Success:       r.Success,
			ConditionsMet: r.ConditionsMet,
			CacheHit:      r.CacheHit,
			Error:         r.Error,
			ExecutionTime: r.ExecutionTime,
			Priority:      r.Priority,
			Actions:       append([]rules.ActionResult(nil), r.Actions...),
		}
	}
	return out
}

// AuditQuery filters audit records. Zero fields match everything.
type AuditQuery struct {
	Rule          string
	ContextType   string
	CorrelationID string
	Since         time.Time
	Until         time.Time

	// FailedOnly selects records with Success=false.
	FailedOnly bool

	// Limit caps the number of records (default: 100).
	Limit int
}

func (q AuditQuery) limit() int {
	if q.Limit > 0 {
		return q.Limit
	}
	return 100
}

func (q AuditQuery) matches(r AuditRecord) bool {
	if q.Rule != "" && r.RuleName != q.Rule {
		return false
	}
	if q.ContextType != "" && r.ContextType != q.ContextType {
		return false
	}
	if q.CorrelationID != "" && r.CorrelationID != q.CorrelationID {
		return false
	}
	if !q.Since.IsZero() && r.RecordedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.RecordedAt.After(q.Until) {
		return false
	}
	if q.FailedOnly && r.Success {
		return false
	}
	return true
}
