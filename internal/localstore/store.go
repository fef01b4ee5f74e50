// Package localstore is the engine's side of the local note store: the
// editor owns note CRUD, the sync layer needs dirty snapshots out,
// resolved snapshots in, and a change feed to trigger sync cycles.
package localstore

import "quillsync/internal/domain"

// Event announces that a note changed locally. Delivery is best-effort:
// a dropped event is recovered by the dirty-note scan at the start of
// the next sync cycle.
type Event struct {
	NoteID string
	Type   domain.ChangeType
}

type Store interface {
	// GetDirtySnapshot serializes the note's current synchronizable
	// state. Returns nil if the note no longer exists.
	GetDirtySnapshot(noteID string) (*domain.NoteSnapshot, error)

	// ApplySnapshot writes a pulled or resolved snapshot into the note
	// store and clears the note's dirty flag. Takes the same per-note
	// lock as local edits.
	ApplySnapshot(snapshot *domain.NoteSnapshot) error

	// RemoveNote deletes the note locally (remote tombstone applied).
	RemoveNote(noteID string) error

	// ListDirty returns the IDs of notes with unsynced local edits.
	ListDirty() ([]string, error)

	// MarkClean clears the note's dirty flag once its change has been
	// acknowledged by the remote store.
	MarkClean(noteID string) error

	// Changes is the bounded feed of local note mutations.
	Changes() <-chan Event
}
