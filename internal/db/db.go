// Package db owns the SQLite database shared by the index store, the
// proposal queue, and the usage tracker. One schema, migrated at open.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/dmm-sh/dmm/internal/config"
)

// DB wraps a sql.DB with dmm-specific helpers.
type DB struct {
	*sql.DB
	path string
}

// Open creates or opens the SQLite database at path with the configured
// pragmas.
func Open(path string, cfg config.StorageConfig) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// modernc.org/sqlite takes pragmas as repeated _pragma=name(value)
	// parameters; the mattn-style _journal_mode form is silently ignored.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		path, cfg.JournalMode, cfg.Synchronous, cfg.BusyTimeoutMS)
	sqlDB, err := sql.Open("sqlite", dsn)
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

// OpenMemory creates an in-memory database (useful for testing).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
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

func (d *DB) migrate() error {
	_, err := d.Exec(schema)
	return err
}

// schema contains the full database schema. New tables are added here.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    rel_path TEXT NOT NULL UNIQUE,
    directory TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    scope TEXT NOT NULL,
    priority REAL NOT NULL,
    confidence TEXT NOT NULL,
    status TEXT NOT NULL,
    created TEXT NOT NULL DEFAULT '',
    last_used TEXT NOT NULL DEFAULT '',
    usage_count INTEGER NOT NULL DEFAULT 0,
    supersedes TEXT NOT NULL DEFAULT '[]',
    related TEXT NOT NULL DEFAULT '[]',
    expires TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    file_hash TEXT NOT NULL,
    composite BLOB NOT NULL,
    directory_emb BLOB NOT NULL,
    indexed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_directory ON memories(directory);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, status);

CREATE TABLE IF NOT EXISTS system_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
    proposal_id TEXT PRIMARY KEY,
    type TEXT NOT NULL CHECK(type IN ('create','update','deprecate','promote')),
    target_path TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    memory_id TEXT,
    new_scope TEXT,
    proposed_by TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending','in_review','approved','committed','rejected','modified','deferred','failed')),
    retry_count INTEGER NOT NULL DEFAULT 0,
    reviewer_notes TEXT,
    commit_error TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    committed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status, created_at);
CREATE INDEX IF NOT EXISTS idx_proposals_path ON proposals(target_path);

CREATE TABLE IF NOT EXISTS proposal_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    proposal_id TEXT NOT NULL REFERENCES proposals(proposal_id) ON DELETE CASCADE,
    from_status TEXT NOT NULL DEFAULT '',
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_proposal ON proposal_history(proposal_id, created_at);

CREATE TABLE IF NOT EXISTS query_log (
    id TEXT PRIMARY KEY,
    query TEXT NOT NULL,
    budget INTEGER NOT NULL,
    retrieved_ids TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);

CREATE TABLE IF NOT EXISTS memory_usage (
    memory_id TEXT PRIMARY KEY,
    retrieval_count INTEGER NOT NULL DEFAULT 0,
    first_used DATETIME,
    last_used DATETIME,
    co_occurrence TEXT NOT NULL DEFAULT '{}'
);
`
