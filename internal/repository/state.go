// Package repository persists the sync engine's durable state: the change
// queue, per-note sync cursors and the device identity. Everything here
// must survive a process restart and round-trip exactly.
package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_changes (
    note_id     TEXT PRIMARY KEY,
    change_type TEXT NOT NULL,
    enqueued_at TEXT NOT NULL,
    snapshot    BLOB
);

CREATE TABLE IF NOT EXISTS sync_cursors (
    note_id             TEXT PRIMARY KEY,
    last_synced_version INTEGER NOT NULL,
    last_synced_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS device_identity (
    id        INTEGER PRIMARY KEY CHECK (id = 1),
    device_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
    id           TEXT PRIMARY KEY,
    title        TEXT NOT NULL DEFAULT '',
    content      TEXT NOT NULL DEFAULT '',
    tags         TEXT NOT NULL DEFAULT '[]',
    language     TEXT NOT NULL DEFAULT '',
    version      INTEGER NOT NULL DEFAULT 1,
    content_hash TEXT NOT NULL DEFAULT '',
    dirty        INTEGER NOT NULL DEFAULT 0,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
`

// OpenState opens (creating if needed) the engine state database and
// applies the schema. Synchronous mode is left at SQLite's default FULL
// so an enqueue that returned is on disk even across power loss.
//
// The pool is capped at a single connection: SQLite allows one writer,
// and parallel uploads commit acknowledgements and cursors concurrently.
// A second pooled connection would hit SQLITE_BUSY instead of queueing.
func OpenState(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply state schema: %w", err)
	}

	return db, nil
}
