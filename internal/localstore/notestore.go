package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"quillsync/internal/domain"
	"quillsync/pkg/hash"

	"github.com/google/uuid"
)

const eventBuffer = 256

// NoteStore is the SQLite-backed note store used by the daemon. Local
// edits and sync applies serialize on a per-note lock, so a note is
// never mutated by both at once; whichever starts first finishes first.
type NoteStore struct {
	db     *sql.DB
	events chan Event

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewNoteStore(db *sql.DB) *NoteStore {
	return &NoteStore{
		db:     db,
		events: make(chan Event, eventBuffer),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *NoteStore) Changes() <-chan Event {
	return s.events
}

// lockNote returns the note's mutex, creating it on first use.
func (s *NoteStore) lockNote(noteID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[noteID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[noteID] = mu
	}
	return mu
}

func (s *NoteStore) emit(event Event) {
	select {
	case s.events <- event:
	default:
		// Channel full; the dirty scan at next cycle start recovers.
		log.Printf("note event buffer full, dropping event for note %s", event.NoteID)
	}
}

// CreateNote inserts a new local note and emits a create event.
func (s *NoteStore) CreateNote(title, content string, tags []string, language string) (string, error) {
	noteID := uuid.New().String()
	now := time.Now().UTC()

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}

	mu := s.lockNote(noteID)
	mu.Lock()
	defer mu.Unlock()

	contentHash := payloadHash(title, content, tags, language, now, now)

	_, err = s.db.Exec(
		`INSERT INTO notes (id, title, content, tags, language, version, content_hash, dirty, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, 1, ?, ?)`,
		noteID, title, content, string(tagsJSON), language, contentHash,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create note: %w", err)
	}

	s.emit(Event{NoteID: noteID, Type: domain.ChangeCreate})
	return noteID, nil
}

// UpdateNote overwrites a note's content, bumps its version and marks it
// dirty.
func (s *NoteStore) UpdateNote(noteID, title, content string, tags []string, language string) error {
	mu := s.lockNote(noteID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}

	var createdAt string
	if err := s.db.QueryRow(`SELECT created_at FROM notes WHERE id = ?`, noteID).Scan(&createdAt); err != nil {
		return fmt.Errorf("failed to load note %s: %w", noteID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return fmt.Errorf("invalid created_at timestamp: %w", err)
	}

	contentHash := payloadHash(title, content, tags, language, created, now)

	_, err = s.db.Exec(
		`UPDATE notes SET title = ?, content = ?, tags = ?, language = ?,
		   version = version + 1, content_hash = ?, dirty = 1, updated_at = ?
		 WHERE id = ?`,
		title, content, string(tagsJSON), language, contentHash,
		now.Format(time.RFC3339Nano), noteID,
	)
	if err != nil {
		return fmt.Errorf("failed to update note %s: %w", noteID, err)
	}

	s.emit(Event{NoteID: noteID, Type: domain.ChangeUpdate})
	return nil
}

// DeleteNote removes the note locally and emits a delete event so the
// deletion propagates to other devices.
func (s *NoteStore) DeleteNote(noteID string) error {
	mu := s.lockNote(noteID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, noteID); err != nil {
		return fmt.Errorf("failed to delete note %s: %w", noteID, err)
	}

	s.emit(Event{NoteID: noteID, Type: domain.ChangeDelete})
	return nil
}

func (s *NoteStore) GetDirtySnapshot(noteID string) (*domain.NoteSnapshot, error) {
	mu := s.lockNote(noteID)
	mu.Lock()
	defer mu.Unlock()

	return s.snapshot(noteID)
}

func (s *NoteStore) snapshot(noteID string) (*domain.NoteSnapshot, error) {
	var (
		title, content, tagsJSON, language string
		version                            int64
		createdAt, updatedAt               string
	)

	err := s.db.QueryRow(
		`SELECT title, content, tags, language, version, created_at, updated_at
		 FROM notes WHERE id = ?`, noteID).
		Scan(&title, &content, &tagsJSON, &language, &version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load note %s: %w", noteID, err)
	}

	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("invalid tags for note %s: %w", noteID, err)
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at timestamp: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at timestamp: %w", err)
	}

	payload, err := domain.EncodePayload(&domain.NotePayload{
		Title:     title,
		Content:   content,
		Tags:      tags,
		Language:  language,
		CreatedAt: created,
		UpdatedAt: updated,
	})
	if err != nil {
		return nil, err
	}

	return &domain.NoteSnapshot{
		NoteID:      noteID,
		ContentHash: hash.Content(payload),
		Version:     version,
		ModifiedAt:  updated,
		Payload:     payload,
	}, nil
}

func (s *NoteStore) ApplySnapshot(snapshot *domain.NoteSnapshot) error {
	mu := s.lockNote(snapshot.NoteID)
	mu.Lock()
	defer mu.Unlock()

	payload, err := snapshot.DecodePayload()
	if err != nil {
		return fmt.Errorf("failed to decode snapshot payload: %w", err)
	}

	tagsJSON, err := json.Marshal(payload.Tags)
	if err != nil {
		return err
	}
	if payload.Tags == nil {
		tagsJSON = []byte("[]")
	}

	_, err = s.db.Exec(
		`INSERT INTO notes (id, title, content, tags, language, version, content_hash, dirty, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   content = excluded.content,
		   tags = excluded.tags,
		   language = excluded.language,
		   version = excluded.version,
		   content_hash = excluded.content_hash,
		   dirty = 0,
		   updated_at = excluded.updated_at`,
		snapshot.NoteID, payload.Title, payload.Content, string(tagsJSON), payload.Language,
		snapshot.Version, snapshot.ContentHash,
		payload.CreatedAt.UTC().Format(time.RFC3339Nano),
		payload.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to apply snapshot for note %s: %w", snapshot.NoteID, err)
	}

	return nil
}

func (s *NoteStore) RemoveNote(noteID string) error {
	mu := s.lockNote(noteID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, noteID); err != nil {
		return fmt.Errorf("failed to remove note %s: %w", noteID, err)
	}
	return nil
}

func (s *NoteStore) ListDirty() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM notes WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty notes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// MarkClean clears a note's dirty flag after its change was acknowledged
// by the remote store.
func (s *NoteStore) MarkClean(noteID string) error {
	if _, err := s.db.Exec(`UPDATE notes SET dirty = 0 WHERE id = ?`, noteID); err != nil {
		return fmt.Errorf("failed to mark note %s clean: %w", noteID, err)
	}
	return nil
}

func payloadHash(title, content string, tags []string, language string, created, updated time.Time) string {
	payload, err := domain.EncodePayload(&domain.NotePayload{
		Title:     title,
		Content:   content,
		Tags:      tags,
		Language:  language,
		CreatedAt: created,
		UpdatedAt: updated,
	})
	if err != nil {
		return ""
	}
	return hash.Content(payload)
}
