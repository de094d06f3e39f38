package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// runMigrations applies every pending goose migration to the main database:
// the endpoint registry tables, the request history table, and the audit
// log + batch hash + FTS5 tables.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return goose.Up(db, "migrations")
}

// runArchiveSchema creates the archive database's audit tables directly
// (no goose bookkeeping there — the archive DB only ever receives rows
// copied out of the main DB's already-migrated schema, so there's no
// independent migration history to track).
func runArchiveSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, archiveSchemaSQL)
	return err
}

const archiveSchemaSQL = `
CREATE TABLE IF NOT EXISTS audit_log_entries (
	id INTEGER PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	http_method TEXT NOT NULL,
	request_path TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	actor_type TEXT NOT NULL,
	actor_id TEXT,
	actor_username TEXT,
	api_key_owner_id TEXT,
	client_ip TEXT,
	duration_ms INTEGER NOT NULL,
	input_tokens INTEGER,
	output_tokens INTEGER,
	total_tokens INTEGER,
	model_name TEXT,
	endpoint_id TEXT,
	detail TEXT,
	batch_id INTEGER,
	is_migrated INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_batch_hashes (
	id INTEGER PRIMARY KEY,
	sequence_number INTEGER NOT NULL UNIQUE,
	batch_start DATETIME NOT NULL,
	batch_end DATETIME NOT NULL,
	record_count INTEGER NOT NULL,
	hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archive_audit_log_entries_timestamp ON audit_log_entries(timestamp);
`
