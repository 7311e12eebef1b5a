package storage

import "fmt"

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// schemaStatements returns the DDL for a dialect. Timestamps and durations
// are stored as Unix nanoseconds so every driver reads them back the same way.
func schemaStatements(bigint string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rule_audit (
    id TEXT PRIMARY KEY,
    recorded_at %[1]s NOT NULL,
    seq INTEGER NOT NULL,
    rule_name TEXT NOT NULL,
    context_type TEXT NOT NULL,
    context_id TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    success INTEGER NOT NULL,
    conditions_met INTEGER NOT NULL,
    cache_hit INTEGER NOT NULL,
    error TEXT,
    execution_time_ns %[1]s NOT NULL,
    priority INTEGER NOT NULL,
    actions TEXT
)`, bigint),
		`CREATE INDEX IF NOT EXISTS idx_rule_audit_recorded_at ON rule_audit(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_audit_rule_name ON rule_audit(rule_name)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_audit_correlation_id ON rule_audit(correlation_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS metrics_snapshots (
    id TEXT PRIMARY KEY,
    taken_at %[1]s NOT NULL,
    window_start %[1]s NOT NULL,
    evaluations %[1]s NOT NULL,
    failures %[1]s NOT NULL,
    conditions_met %[1]s NOT NULL,
    cache_hits %[1]s NOT NULL,
    action_failures %[1]s NOT NULL,
    passes %[1]s NOT NULL,
    total_time_ns %[1]s NOT NULL,
    rules TEXT
)`, bigint),
		`CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_taken_at ON metrics_snapshots(taken_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at %s NOT NULL
)`, bigint),
	}
}

const insertSchemaVersion = `INSERT INTO schema_version (version, applied_at) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`

const getSchemaVersion = `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`
