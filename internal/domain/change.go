package domain

import "time"

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// PendingChange is a local mutation waiting to be pushed to the remote
// store. At most one exists per note: later changes coalesce into it, a
// delete supersedes everything before it.
type PendingChange struct {
	NoteID     string        `json:"note_id"`
	Type       ChangeType    `json:"type"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Snapshot   *NoteSnapshot `json:"snapshot,omitempty"`
}
