package repository

import (
	"database/sql"
	"fmt"
	"time"

	"quillsync/internal/domain"
)

type CursorRepository interface {
	Get(noteID string) (*domain.SyncCursor, error)
	Upsert(cursor *domain.SyncCursor) error
	Delete(noteID string) error
	List() ([]*domain.SyncCursor, error)
}

type cursorRepository struct {
	db *sql.DB
}

func NewCursorRepository(db *sql.DB) CursorRepository {
	return &cursorRepository{db: db}
}

// Get returns the cursor for a note, or a zero cursor if the note has
// never synced. A zero LastSyncedVersion means "no common ancestor yet".
func (r *cursorRepository) Get(noteID string) (*domain.SyncCursor, error) {
	row := r.db.QueryRow(
		`SELECT note_id, last_synced_version, last_synced_at
		 FROM sync_cursors WHERE note_id = ?`, noteID)

	cursor, err := scanCursor(row)
	if err == sql.ErrNoRows {
		return &domain.SyncCursor{NoteID: noteID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync cursor: %w", err)
	}

	return cursor, nil
}

func (r *cursorRepository) Upsert(cursor *domain.SyncCursor) error {
	_, err := r.db.Exec(
		`INSERT INTO sync_cursors (note_id, last_synced_version, last_synced_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(note_id) DO UPDATE SET
		   last_synced_version = excluded.last_synced_version,
		   last_synced_at = excluded.last_synced_at`,
		cursor.NoteID,
		cursor.LastSyncedVersion,
		cursor.LastSyncedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync cursor: %w", err)
	}
	return nil
}

func (r *cursorRepository) Delete(noteID string) error {
	if _, err := r.db.Exec(`DELETE FROM sync_cursors WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("failed to delete sync cursor: %w", err)
	}
	return nil
}

func (r *cursorRepository) List() ([]*domain.SyncCursor, error) {
	rows, err := r.db.Query(
		`SELECT note_id, last_synced_version, last_synced_at FROM sync_cursors`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync cursors: %w", err)
	}
	defer rows.Close()

	var cursors []*domain.SyncCursor
	for rows.Next() {
		cursor, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync cursor: %w", err)
		}
		cursors = append(cursors, cursor)
	}

	return cursors, rows.Err()
}

func scanCursor(row rowScanner) (*domain.SyncCursor, error) {
	var (
		cursor   domain.SyncCursor
		syncedAt string
	)

	if err := row.Scan(&cursor.NoteID, &cursor.LastSyncedVersion, &syncedAt); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid last_synced_at timestamp: %w", err)
	}
	cursor.LastSyncedAt = ts

	return &cursor, nil
}
