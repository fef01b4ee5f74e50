package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quillsync/internal/domain"
)

type QueueRepository interface {
	Save(change *domain.PendingChange) error
	Get(noteID string) (*domain.PendingChange, error)
	Delete(noteID string) error
	ListOldestFirst(limit int) ([]*domain.PendingChange, error)
	Count() (int, error)
}

type queueRepository struct {
	db *sql.DB
}

func NewQueueRepository(db *sql.DB) QueueRepository {
	return &queueRepository{db: db}
}

func (r *queueRepository) Save(change *domain.PendingChange) error {
	var snapshot []byte
	if change.Snapshot != nil {
		data, err := json.Marshal(change.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		snapshot = data
	}

	_, err := r.db.Exec(
		`INSERT INTO pending_changes (note_id, change_type, enqueued_at, snapshot)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(note_id) DO UPDATE SET
		   change_type = excluded.change_type,
		   enqueued_at = excluded.enqueued_at,
		   snapshot = excluded.snapshot`,
		change.NoteID,
		string(change.Type),
		change.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending change: %w", err)
	}

	return nil
}

func (r *queueRepository) Get(noteID string) (*domain.PendingChange, error) {
	row := r.db.QueryRow(
		`SELECT note_id, change_type, enqueued_at, snapshot
		 FROM pending_changes WHERE note_id = ?`, noteID)

	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending change: %w", err)
	}

	return change, nil
}

func (r *queueRepository) Delete(noteID string) error {
	if _, err := r.db.Exec(`DELETE FROM pending_changes WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("failed to delete pending change: %w", err)
	}
	return nil
}

func (r *queueRepository) ListOldestFirst(limit int) ([]*domain.PendingChange, error) {
	rows, err := r.db.Query(
		`SELECT note_id, change_type, enqueued_at, snapshot
		 FROM pending_changes ORDER BY enqueued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []*domain.PendingChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		changes = append(changes, change)
	}

	return changes, rows.Err()
}

func (r *queueRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM pending_changes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*domain.PendingChange, error) {
	var (
		change     domain.PendingChange
		changeType string
		enqueuedAt string
		snapshot   []byte
	)

	if err := row.Scan(&change.NoteID, &changeType, &enqueuedAt, &snapshot); err != nil {
		return nil, err
	}

	change.Type = domain.ChangeType(changeType)

	ts, err := time.Parse(time.RFC3339Nano, enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid enqueued_at timestamp: %w", err)
	}
	change.EnqueuedAt = ts

	if len(snapshot) > 0 {
		var s domain.NoteSnapshot
		if err := json.Unmarshal(snapshot, &s); err != nil {
			return nil, fmt.Errorf("invalid snapshot payload: %w", err)
		}
		change.Snapshot = &s
	}

	return &change, nil
}
