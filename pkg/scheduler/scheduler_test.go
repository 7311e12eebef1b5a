package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactlab/rulecore/pkg/config"
	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/cache"
	"impactlab/rulecore/pkg/storage"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_AddJob(t *testing.T) {
	tests := []struct {
		name      string
		spec      string
		wantError bool
		wantNext  bool
	}{
		{name: "daily", spec: "0 3 * * *", wantNext: true},
		{name: "descriptor", spec: "@hourly", wantNext: true},
		{name: "manual only", spec: ""},
		{name: "invalid", spec: "every minute", wantError: true},
		{name: "six fields", spec: "0 0 3 * * *", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(discardLogger())
			err := s.AddJob("job", tt.spec, func(context.Context) error { return nil })
			if tt.wantError {
				require.Error(t, err)
				assert.Empty(t, s.Jobs())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"job"}, s.Jobs())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s.Start(ctx)
			defer s.Stop()

			next, ok := s.NextRun("job")
			assert.Equal(t, tt.wantNext, ok)
			if tt.wantNext {
				assert.True(t, next.After(time.Now()))
			}
		})
	}
}

func TestScheduler_DuplicateJob(t *testing.T) {
	s := New(discardLogger())
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.AddJob("sweep", "* * * * *", noop))
	require.Error(t, s.AddJob("sweep", "* * * * *", noop))
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(discardLogger())

	var runs atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.AddJob("count", "", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.AddJob("fail", "", func(context.Context) error { return boom }))

	require.NoError(t, s.RunNow(context.Background(), "count"))
	require.NoError(t, s.RunNow(context.Background(), "count"))
	assert.Equal(t, int32(2), runs.Load())

	assert.ErrorIs(t, s.RunNow(context.Background(), "fail"), boom)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(discardLogger())

	var runs atomic.Int32
	require.NoError(t, s.AddJob("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)

	// Cancelling the start context stops the scheduler
	cancel()
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 10*time.Millisecond)

	// Stop is idempotent
	s.Stop()
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := New(discardLogger())

	var runs atomic.Int32
	require.NoError(t, s.AddJob("panics", "@every 1s", func(context.Context) error {
		runs.Add(1)
		panic("job exploded")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestMetricsSnapshotJob(t *testing.T) {
	collector := metrics.NewCollector(nil, nil, metrics.WithLogger(discardLogger()))
	store := storage.NewMemoryStore()
	ctx := context.Background()

	collector.Record(rules.EvaluationResult{RuleName: "a", Success: true, ConditionsMet: true})
	collector.Record(rules.EvaluationResult{RuleName: "a", Success: false, Error: "bad"})

	job := MetricsSnapshotJob(collector, store)
	require.NoError(t, job(ctx))
	require.NoError(t, job(ctx))

	history, err := store.LoadMetricsHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[0].Evaluations)
	assert.Equal(t, int64(1), history[0].Failures)
	assert.Zero(t, history[1].Evaluations, "second window starts empty")
}

func TestCacheSweepJob(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := cache.New(cache.Config{TTL: cache.DefaultTTLPolicy()}, cache.WithClock(func() time.Time { return now }))

	result := rules.EvaluationResult{RuleName: "a", Success: true}
	require.True(t, c.Put("k1", "a", result, time.Minute))
	require.True(t, c.Put("k2", "a", result, time.Hour))

	now = now.Add(2 * time.Minute)
	require.NoError(t, CacheSweepJob(c, discardLogger())(context.Background()))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Expirations)

	require.NoError(t, CacheSweepJob(nil, discardLogger())(context.Background()))
}

func TestAuditRetentionJob(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	old := storage.NewMemoryStore(storage.WithClock(func() time.Time { return now.AddDate(0, 0, -40) }))
	require.NoError(t, old.PersistAudit(ctx, []rules.EvaluationResult{{RuleName: "a", Success: true}}))

	t.Run("prunes past retention", func(t *testing.T) {
		require.NoError(t, AuditRetentionJob(old, 30, func() time.Time { return now })(ctx))
		left, err := old.QueryAudit(ctx, storage.AuditQuery{})
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("zero days keeps everything", func(t *testing.T) {
		store := storage.NewMemoryStore(storage.WithClock(func() time.Time { return now.AddDate(-5, 0, 0) }))
		require.NoError(t, store.PersistAudit(ctx, []rules.EvaluationResult{{RuleName: "a", Success: true}}))

		require.NoError(t, AuditRetentionJob(store, 0, func() time.Time { return now })(ctx))
		left, err := store.QueryAudit(ctx, storage.AuditQuery{})
		require.NoError(t, err)
		assert.Len(t, left, 1)
	})
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	store := storage.NewMemoryStore()
	collector := metrics.NewCollector(nil, nil, metrics.WithLogger(discardLogger()))

	s, err := FromConfig(cfg.Scheduler, Deps{Metrics: collector, Store: store}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{JobAuditRetention, JobCacheSweep, JobMetricsSnapshot}, s.Jobs())

	require.NoError(t, s.RunNow(context.Background(), JobMetricsSnapshot))
	history, err := store.LoadMetricsHistory(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 1)

	cfg.Scheduler.CacheSweep = "not a schedule"
	_, err = FromConfig(cfg.Scheduler, Deps{Metrics: collector, Store: store}, discardLogger())
	require.Error(t, err)
}
