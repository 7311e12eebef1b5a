package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

func passResults(corr string) []rules.EvaluationResult {
	meta := func() map[string]string {
		return map[string]string{
			rules.MetaContextType:   "grant",
			rules.MetaContextID:     "g-1",
			rules.MetaCorrelationID: corr,
			rules.MetaVolatility:    "side_effecting",
		}
	}
	return []rules.EvaluationResult{
		{
			RuleName:      "budget_in_range",
			Success:       true,
			ConditionsMet: true,
			Priority:      100,
			ExecutionTime: 3 * time.Millisecond,
			Metadata:      meta(),
			Actions: []rules.ActionResult{
				{Action: "log", Success: true, Duration: time.Millisecond, Output: map[string]any{"message": "ok"}},
			},
		},
		{
			RuleName: "missing_field",
			Success:  false,
			Error:    "no such key: budget",
			Priority: 50,
			Metadata: meta(),
			CacheHit: true,
		},
	}
}

// steppingClock returns a clock advancing one minute per call.
func steppingClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(time.Minute)
		return t
	}
}

func snapshot(id string, at time.Time, evals, failures int64) metrics.Snapshot {
	return metrics.Snapshot{
		ID:          id,
		TakenAt:     at,
		WindowStart: at.Add(-5 * time.Minute),
		Evaluations: evals,
		Failures:    failures,
		Passes:      evals / 2,
		TotalTime:   time.Duration(evals) * time.Millisecond,
		Rules: []metrics.RuleSnapshot{
			{Rule: "budget_in_range", Evaluations: evals, Failures: failures},
		},
	}
}

func TestMemoryStore_PersistAndQuery(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(steppingClock(start)))
	ctx := context.Background()

	require.NoError(t, s.PersistAudit(ctx, passResults("corr-1")))
	require.NoError(t, s.PersistAudit(ctx, passResults("corr-2")))

	all, err := s.QueryAudit(ctx, AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	// Newest pass first, pass order within a pass
	assert.Equal(t, "corr-2", all[0].CorrelationID)
	assert.Equal(t, "budget_in_range", all[0].RuleName)
	assert.Equal(t, "missing_field", all[1].RuleName)
	assert.Equal(t, "corr-1", all[2].CorrelationID)

	first := all[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "grant", first.ContextType)
	assert.Equal(t, "g-1", first.ContextID)
	assert.True(t, first.Success)
	require.Len(t, first.Actions, 1)
	assert.Equal(t, "log", first.Actions[0].Action)

	failed, err := s.QueryAudit(ctx, AuditQuery{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, r := range failed {
		assert.Equal(t, "missing_field", r.RuleName)
		assert.True(t, r.CacheHit)
		assert.Equal(t, "no such key: budget", r.Error)
	}

	byCorr, err := s.QueryAudit(ctx, AuditQuery{CorrelationID: "corr-1", Rule: "budget_in_range"})
	require.NoError(t, err)
	require.Len(t, byCorr, 1)

	limited, err := s.QueryAudit(ctx, AuditQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	since, err := s.QueryAudit(ctx, AuditQuery{Since: start.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestMemoryStore_PruneAudit(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(steppingClock(start)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.PersistAudit(ctx, passResults("corr")))
	}

	removed, err := s.PruneAudit(ctx, start.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	left, err := s.QueryAudit(ctx, AuditQuery{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestMemoryStore_MetricsHistory(t *testing.T) {
	s := NewMemoryStore(WithHistoryLimit(2))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Saved out of order
	require.NoError(t, s.SaveMetricsSnapshot(ctx, snapshot("c", base.Add(2*time.Hour), 30, 3)))
	require.NoError(t, s.SaveMetricsSnapshot(ctx, snapshot("a", base, 10, 1)))
	require.NoError(t, s.SaveMetricsSnapshot(ctx, snapshot("b", base.Add(time.Hour), 20, 2)))

	history, err := s.LoadMetricsHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].ID)
	assert.Equal(t, "c", history[1].ID)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.PersistAudit(context.Background(), passResults("corr"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed))

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "memory", storageErr.Backend)
	assert.Equal(t, "persist_audit", storageErr.Operation)

	_, err = s.LoadMetricsHistory(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewAuditRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := NewAuditRecords(passResults("corr-9"), now)
	require.Len(t, records, 2)

	assert.NotEqual(t, records[0].ID, records[1].ID)
	for i, r := range records {
		assert.Equal(t, i, r.Position)
		assert.True(t, r.RecordedAt.Equal(now))
		assert.Equal(t, "corr-9", r.CorrelationID)
	}
	assert.Equal(t, 3*time.Millisecond, records[0].ExecutionTime)
	assert.Equal(t, 100, records[0].Priority)
}

func TestOpen(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := Open(configFor(DriverMemory, ""))
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
		require.NoError(t, s.Close())
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := Open(configFor("bolt", "x.db"))
		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "open", storageErr.Operation)
	})
}
