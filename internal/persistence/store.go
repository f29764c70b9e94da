// Package persistence is a thin, append-only operational audit trail for
// tasks and managed processes: not the session/conversation persistence the
// engine explicitly leaves out of scope, but a flat history table support
// and debugging tooling can query after the fact.
package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	exit_code  INTEGER,
	error      TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);

CREATE TABLE IF NOT EXISTS process_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	process_id  TEXT NOT NULL,
	pid         INTEGER,
	status      TEXT NOT NULL,
	exit_code   INTEGER,
	exit_signal TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_events_process_id ON process_events(process_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id       TEXT,
	subject        TEXT,
	action         TEXT NOT NULL,
	decision       TEXT NOT NULL,
	reason         TEXT,
	policy_version TEXT,
	created_at     TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
`

// Store wraps a sqlite-backed audit database. All writes are append-only;
// nothing is ever updated or deleted in place.
type Store struct {
	db *sql.DB
}

// Open creates (if missing) and opens the audit database under homeDir.
func Open(homeDir string) (*Store, error) {
	dir := filepath.Join(homeDir, "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create data dir: %w", err)
	}
	path := filepath.Join(dir, "audit.db")

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("persistence: apply schema: %w", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("persistence: read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("persistence: seed schema_meta: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle, for packages (such as audit)
// that write their own tables into the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}
