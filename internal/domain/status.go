package domain

import "time"

// SyncState is the coarse orchestrator state shown on the status surface.
type SyncState string

const (
	StateIdle         SyncState = "idle"
	StateConnecting   SyncState = "connecting"
	StateSyncing      SyncState = "syncing"
	StateBackoff      SyncState = "backoff"
	StateFailed       SyncState = "failed"
	StateDisconnected SyncState = "disconnected"
)

// SyncStatus is the snapshot handed to the UI: coarse state, queue depth,
// unresolved conflicts and per-note terminal failures.
type SyncStatus struct {
	State           SyncState       `json:"state"`
	PendingChanges  int             `json:"pending_changes"`
	Conflicts       []*SyncConflict `json:"conflicts"`
	FailedNotes     []string        `json:"failed_notes,omitempty"`
	BadPassphrase   []string        `json:"bad_passphrase_notes,omitempty"`
	LastSyncedAt    time.Time       `json:"last_synced_at"`
	LastError       string          `json:"last_error,omitempty"`
}
