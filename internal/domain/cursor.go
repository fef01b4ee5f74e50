package domain

import "time"

// SyncCursor is the last common ancestor for one note: the version both
// sides agreed on after the previous successful sync. Detection compares
// against this, never against wall-clock timestamps.
type SyncCursor struct {
	NoteID            string    `json:"note_id"`
	LastSyncedVersion int64     `json:"last_synced_version"`
	LastSyncedAt      time.Time `json:"last_synced_at"`
}
