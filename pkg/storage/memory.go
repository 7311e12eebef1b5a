package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps audit records and snapshots in memory. Nothing survives
// a restart.
type MemoryStore struct {
	mu           sync.RWMutex
	audit        []AuditRecord
	snapshots    []metrics.Snapshot
	historyLimit int
	now          func() time.Time
	closed       bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{historyLimit: o.historyLimit, now: o.now}
}

// PersistAudit implements engine.Storage.
func (s *MemoryStore) PersistAudit(ctx context.Context, results []rules.EvaluationResult) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("memory", "persist_audit", err)
	}
	records := NewAuditRecords(results, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewStorageError("memory", "persist_audit", ErrClosed)
	}
	s.audit = append(s.audit, records...)
	return nil
}

// LoadMetricsHistory implements engine.Storage. It returns at most the
// configured number of most recent snapshots, oldest first.
func (s *MemoryStore) LoadMetricsHistory(ctx context.Context) ([]metrics.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, NewStorageError("memory", "load_history", ErrClosed)
	}

	sorted := append([]metrics.Snapshot(nil), s.snapshots...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TakenAt.Before(sorted[j].TakenAt) })
	if len(sorted) > s.historyLimit {
		sorted = sorted[len(sorted)-s.historyLimit:]
	}
	return sorted, nil
}

// SaveMetricsSnapshot stores a snapshot.
func (s *MemoryStore) SaveMetricsSnapshot(ctx context.Context, snap metrics.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewStorageError("memory", "save_snapshot", ErrClosed)
	}
	snap.Rules = append([]metrics.RuleSnapshot(nil), snap.Rules...)
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// QueryAudit returns matching records, newest pass first and in pass order
// within a pass.
func (s *MemoryStore) QueryAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, NewStorageError("memory", "query_audit", ErrClosed)
	}

	var out []AuditRecord
	for _, r := range s.audit {
		if q.matches(r) {
			r.Actions = append([]rules.ActionResult(nil), r.Actions...)
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.After(out[j].RecordedAt)
		}
		return out[i].Position < out[j].Position
	})
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

// PruneAudit removes records recorded before the cutoff.
func (s *MemoryStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, NewStorageError("memory", "prune_audit", ErrClosed)
	}

	kept := s.audit[:0]
	var removed int64
	for _, r := range s.audit {
		if r.RecordedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.audit = kept
	return removed, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
