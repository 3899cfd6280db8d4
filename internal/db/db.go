package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB with clarify-specific helpers.
type DB struct {
	*sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	d := &DB{DB: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// OpenMemory creates an in-memory SQLite database (useful for testing).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}

	d := &DB{DB: sqlDB, path: ":memory:"}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return d, nil
}

// migrate runs all schema migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

// schema contains the full database schema. New tables are added here.
const schema = `
CREATE TABLE IF NOT EXISTS clarification_sessions (
    id TEXT PRIMARY KEY,
    user_scope TEXT NOT NULL DEFAULT 'default',
    original_query TEXT NOT NULL,
    state TEXT NOT NULL CHECK(state IN ('created','awaiting_answers','evaluating','resolved','escalated','abandoned')),
    ambiguities TEXT NOT NULL DEFAULT '[]',
    rounds TEXT NOT NULL DEFAULT '[]',
    current_confidence REAL NOT NULL DEFAULT 0,
    breakdown TEXT NOT NULL DEFAULT '{}',
    pattern_support REAL NOT NULL DEFAULT 0,
    terminal_reason TEXT,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON clarification_sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_scope ON clarification_sessions(user_scope);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON clarification_sessions(updated_at);

CREATE TABLE IF NOT EXISTS cached_answers (
    id TEXT PRIMARY KEY,
    user_scope TEXT NOT NULL,
    question_text TEXT NOT NULL,
    answer_text TEXT NOT NULL,
    selected_entities TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_cached_answers_scope ON cached_answers(user_scope);
CREATE INDEX IF NOT EXISTS idx_cached_answers_created ON cached_answers(created_at);

CREATE TABLE IF NOT EXISTS calibration_samples (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL UNIQUE,
    predicted_confidence REAL NOT NULL,
    actual_outcome TEXT NOT NULL CHECK(actual_outcome IN ('approved','rejected','modified')),
    context_features TEXT NOT NULL DEFAULT '{}',
    recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_calibration_recorded ON calibration_samples(recorded_at);

CREATE TABLE IF NOT EXISTS weight_sets (
    version INTEGER PRIMARY KEY AUTOINCREMENT,
    critical_weight REAL NOT NULL,
    important_weight REAL NOT NULL,
    quality_weight REAL NOT NULL,
    pattern_weight REAL NOT NULL,
    adjustment REAL NOT NULL DEFAULT 0,
    sample_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`
