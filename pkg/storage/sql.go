package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"impactlab/rulecore/pkg/config"
	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

var _ Store = (*SQLStore)(nil)

// Driver names accepted by Open and NewSQLStore.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "postgres"
)

// SQLStore stores audit records and snapshots in SQLite or PostgreSQL.
type SQLStore struct {
	db           *sql.DB
	backend      string
	postgres     bool
	logger       *slog.Logger
	historyLimit int
	now          func() time.Time
	closed       atomic.Bool
}

// Open creates the store selected by cfg.Driver.
func Open(cfg config.StorageConfig, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemoryStore(opts...), nil
	case DriverSQLite, DriverSQLite3:
		db, err := sql.Open(cfg.Driver, sqliteDSN(cfg.Driver, cfg.DSN, cfg.BusyTimeout))
		if err != nil {
			return nil, NewStorageError(cfg.Driver, "open", err)
		}
		conns := cfg.MaxOpenConns
		if cfg.DSN == ":memory:" {
			// Every connection would get its own empty database
			conns = 1
		}
		if conns > 0 {
			db.SetMaxOpenConns(conns)
			db.SetMaxIdleConns(conns)
		}
		return NewSQLStore(db, cfg.Driver, opts...)
	case DriverPostgres:
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, NewStorageError(cfg.Driver, "open", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		return NewSQLStore(db, cfg.Driver, opts...)
	default:
		return nil, NewStorageError(cfg.Driver, "open", fmt.Errorf("unknown driver %q", cfg.Driver))
	}
}

// sqliteDSN adds WAL mode and the busy timeout in the parameter syntax of
// each SQLite driver, so every pooled connection gets them.
func sqliteDSN(driver, path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = config.DefaultStorageBusyTimeout
	}
	ms := busyTimeout.Milliseconds()

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var params []string
	if driver == DriverSQLite {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", ms))
		if path != ":memory:" {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
	} else {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", ms))
		if path != ":memory:" {
			params = append(params, "_journal_mode=WAL")
		}
	}
	return path + sep + strings.Join(params, "&")
}

// NewSQLStore wraps an open database and creates the schema. backend is one
// of the SQL driver names and selects the dialect.
func NewSQLStore(db *sql.DB, backend string, opts ...Option) (*SQLStore, error) {
	switch backend {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
	default:
		return nil, NewStorageError(backend, "open", fmt.Errorf("unsupported SQL backend %q", backend))
	}
	o := applyOptions(opts)
	s := &SQLStore{
		db:           db,
		backend:      backend,
		postgres:     backend == DriverPostgres,
		logger:       o.logger.With("component", "storage", "backend", backend),
		historyLimit: o.historyLimit,
		now:          o.now,
	}

	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("storage initialized", "schema_version", SchemaVersion)
	return s, nil
}

func (s *SQLStore) initialize(ctx context.Context) error {
	bigint := "INTEGER"
	if s.postgres {
		bigint = "BIGINT"
	}
	for _, stmt := range schemaStatements(bigint) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError(s.backend, "create_schema", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(insertSchemaVersion), SchemaVersion, s.now().UnixNano()); err != nil {
		return NewStorageError(s.backend, "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, getSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return NewStorageError(s.backend, "get_schema_version", err)
	}
	if version != SchemaVersion {
		return NewStorageError(s.backend, "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const insertAudit = `INSERT INTO rule_audit (
    id, recorded_at, seq, rule_name, context_type, context_id, correlation_id,
    success, conditions_met, cache_hit, error, execution_time_ns, priority, actions
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// PersistAudit implements engine.Storage. The records of one pass are
// written in a single transaction.
func (s *SQLStore) PersistAudit(ctx context.Context, results []rules.EvaluationResult) error {
	if err := s.checkOpen("persist_audit"); err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}
	records := NewAuditRecords(results, s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError(s.backend, "persist_audit", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.rebind(insertAudit)
	for _, r := range records {
		var actions any
		if len(r.Actions) > 0 {
			encoded, err := json.Marshal(r.Actions)
			if err != nil {
				return NewStorageError(s.backend, "persist_audit", err)
			}
			actions = string(encoded)
		}
		var errorVal any
		if r.Error != "" {
			errorVal = r.Error
		}
		_, err := tx.ExecContext(ctx, query,
			r.ID, r.RecordedAt.UnixNano(), r.Position, r.RuleName,
			r.ContextType, r.ContextID, r.CorrelationID,
			boolInt(r.Success), boolInt(r.ConditionsMet), boolInt(r.CacheHit),
			errorVal, int64(r.ExecutionTime), r.Priority, actions,
		)
		if err != nil {
			return NewStorageError(s.backend, "persist_audit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewStorageError(s.backend, "persist_audit", err)
	}
	s.logger.Debug("audit persisted", "records", len(records))
	return nil
}

// QueryAudit returns matching records, newest pass first and in pass order
// within a pass.
func (s *SQLStore) QueryAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if err := s.checkOpen("query_audit"); err != nil {
		return nil, err
	}
	var conditions []string
	var args []any
	if q.Rule != "" {
		conditions = append(conditions, "rule_name = ?")
		args = append(args, q.Rule)
	}
	if q.ContextType != "" {
		conditions = append(conditions, "context_type = ?")
		args = append(args, q.ContextType)
	}
	if q.CorrelationID != "" {
		conditions = append(conditions, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "recorded_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		conditions = append(conditions, "recorded_at <= ?")
		args = append(args, q.Until.UnixNano())
	}
	if q.FailedOnly {
		conditions = append(conditions, "success = 0")
	}

	query := `SELECT id, recorded_at, seq, rule_name, context_type, context_id, correlation_id,
    success, conditions_met, cache_hit, error, execution_time_ns, priority, actions
FROM rule_audit`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY recorded_at DESC, seq ASC LIMIT %d", q.limit())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, NewStorageError(s.backend, "query_audit", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			r                           AuditRecord
			recordedAt, execNs          int64
			success, condsMet, cacheHit int64
			errorVal, actions           sql.NullString
		)
		err := rows.Scan(&r.ID, &recordedAt, &r.Position, &r.RuleName, &r.ContextType, &r.ContextID, &r.CorrelationID,
			&success, &condsMet, &cacheHit, &errorVal, &execNs, &r.Priority, &actions)
		if err != nil {
			return nil, NewStorageError(s.backend, "scan", err)
		}
		r.RecordedAt = time.Unix(0, recordedAt)
		r.ExecutionTime = time.Duration(execNs)
		r.Success = success != 0
		r.ConditionsMet = condsMet != 0
		r.CacheHit = cacheHit != 0
		if errorVal.Valid {
			r.Error = errorVal.String
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &r.Actions); err != nil {
				return nil, NewStorageError(s.backend, "scan", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError(s.backend, "query_audit", err)
	}
	return out, nil
}

// PruneAudit deletes records recorded before the cutoff.
func (s *SQLStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	if err := s.checkOpen("prune_audit"); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM rule_audit WHERE recorded_at < ?"), before.UnixNano())
	if err != nil {
		return 0, NewStorageError(s.backend, "prune_audit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewStorageError(s.backend, "prune_audit", err)
	}
	s.logger.Info("audit records pruned", "deleted", n, "before", before)
	return n, nil
}

const insertSnapshot = `INSERT INTO metrics_snapshots (
    id, taken_at, window_start, evaluations, failures, conditions_met,
    cache_hits, action_failures, passes, total_time_ns, rules
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveMetricsSnapshot stores a snapshot.
func (s *SQLStore) SaveMetricsSnapshot(ctx context.Context, snap metrics.Snapshot) error {
	if err := s.checkOpen("save_snapshot"); err != nil {
		return err
	}
	var ruleStats any
	if len(snap.Rules) > 0 {
		encoded, err := json.Marshal(snap.Rules)
		if err != nil {
			return NewStorageError(s.backend, "save_snapshot", err)
		}
		ruleStats = string(encoded)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(insertSnapshot),
		snap.ID, snap.TakenAt.UnixNano(), snap.WindowStart.UnixNano(),
		snap.Evaluations, snap.Failures, snap.ConditionsMet,
		snap.CacheHits, snap.ActionFailures, snap.Passes, int64(snap.TotalTime), ruleStats,
	)
	if err != nil {
		return NewStorageError(s.backend, "save_snapshot", err)
	}
	return nil
}

// LoadMetricsHistory implements engine.Storage. It returns at most the
// configured number of most recent snapshots, oldest first.
func (s *SQLStore) LoadMetricsHistory(ctx context.Context) ([]metrics.Snapshot, error) {
	if err := s.checkOpen("load_history"); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, taken_at, window_start, evaluations, failures, conditions_met,
    cache_hits, action_failures, passes, total_time_ns, rules
FROM metrics_snapshots ORDER BY taken_at DESC LIMIT %d`, s.historyLimit)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewStorageError(s.backend, "load_history", err)
	}
	defer rows.Close()

	var out []metrics.Snapshot
	for rows.Next() {
		var (
			snap                 metrics.Snapshot
			takenAt, windowStart int64
			totalNs              int64
			ruleStats            sql.NullString
		)
		err := rows.Scan(&snap.ID, &takenAt, &windowStart, &snap.Evaluations, &snap.Failures, &snap.ConditionsMet,
			&snap.CacheHits, &snap.ActionFailures, &snap.Passes, &totalNs, &ruleStats)
		if err != nil {
			return nil, NewStorageError(s.backend, "scan", err)
		}
		snap.TakenAt = time.Unix(0, takenAt)
		snap.WindowStart = time.Unix(0, windowStart)
		snap.TotalTime = time.Duration(totalNs)
		if ruleStats.Valid && ruleStats.String != "" {
			if err := json.Unmarshal([]byte(ruleStats.String), &snap.Rules); err != nil {
				return nil, NewStorageError(s.backend, "scan", err)
			}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError(s.backend, "load_history", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// checkOpen fails with ErrClosed once Close has been called.
func (s *SQLStore) checkOpen(op string) error {
	if s.closed.Load() {
		return NewStorageError(s.backend, op, ErrClosed)
	}
	return nil
}

// Close closes the database. Later calls are no-ops, and every other
// method fails with ErrClosed.
func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return NewStorageError(s.backend, "close", err)
	}
	s.logger.Info("storage closed")
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
