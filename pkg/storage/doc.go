// Package storage persists rule audit records and metric snapshots.
//
// # Backends
//
//   - memory: in-process, for tests and one-shot runs
//   - sqlite: modernc.org/sqlite, pure Go, the default file-backed store
//   - sqlite3: github.com/mattn/go-sqlite3, requires cgo
//   - postgres: github.com/lib/pq
//
// SQLite databases are opened in WAL mode with a busy timeout. The schema is
// created on open and its version recorded in schema_version.
//
// # Basic Usage
//
//	store, err := storage.Open(cfg.Storage, storage.WithHistoryLimit(cfg.Metrics.HistoryLimit))
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	eng, err := engine.New(engineCfg, engine.WithStorage(store))
//
// Every store implements engine.Storage. The engine writes one audit record
// per rule result after each pass and reads metric history once at startup.
package storage
