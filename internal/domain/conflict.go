package domain

import "time"

type ResolutionStrategy string

const (
	ResolutionKeepLocal  ResolutionStrategy = "keep_local"
	ResolutionKeepRemote ResolutionStrategy = "keep_remote"
	ResolutionMerge      ResolutionStrategy = "merge"
)

// SyncConflict records a genuine divergence: both the local and the remote
// snapshot moved past the last common version. It blocks that note's sync
// until the user supplies a resolution strategy.
type SyncConflict struct {
	ID         string        `json:"id"`
	NoteID     string        `json:"note_id"`
	Local      *NoteSnapshot `json:"local"`
	Remote     *NoteSnapshot `json:"remote"`
	DetectedAt time.Time     `json:"detected_at"`
}

type ResolveConflictRequest struct {
	Strategy ResolutionStrategy `json:"strategy" validate:"required,oneof=keep_local keep_remote merge"`
}
