// Package queue holds local mutations that have not yet been confirmed by
// the remote store. The queue is durable: an enqueue only returns after
// the change is on disk, and anything not acknowledged before a crash is
// replayed on the next sync cycle.
package queue

import (
	"sync"
	"time"

	"quillsync/internal/domain"
	"quillsync/internal/repository"
)

// ChangeQueue coalesces pending changes per note: at most one entry per
// note exists at any time, representing that note's latest local state.
type ChangeQueue struct {
	mu      sync.Mutex
	repo    repository.QueueRepository
	pending map[string]*domain.PendingChange
}

// New builds a queue over its persistence layer, loading any changes left
// unacknowledged by a previous run.
func New(repo repository.QueueRepository) (*ChangeQueue, error) {
	q := &ChangeQueue{
		repo:    repo,
		pending: make(map[string]*domain.PendingChange),
	}

	replayed, err := repo.ListOldestFirst(1 << 20)
	if err != nil {
		return nil, err
	}
	for _, change := range replayed {
		q.pending[change.NoteID] = change
	}

	return q, nil
}

// Enqueue records a local mutation, coalescing with any change already
// queued for the same note:
//   - a delete supersedes everything before it,
//   - an update on a queued create stays a create (the note does not
//     exist remotely yet),
//   - otherwise the newer change replaces the older one.
//
// The coalesced entry keeps the original enqueue time so the note does
// not lose its place in FIFO order. The change is durable before Enqueue
// returns; on persistence failure nothing is queued and the caller must
// retry the enqueue itself.
func (q *ChangeQueue) Enqueue(change *domain.PendingChange) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := &domain.PendingChange{
		NoteID:     change.NoteID,
		Type:       change.Type,
		EnqueuedAt: change.EnqueuedAt,
		Snapshot:   change.Snapshot,
	}
	if merged.EnqueuedAt.IsZero() {
		merged.EnqueuedAt = time.Now().UTC()
	}

	if prior, ok := q.pending[change.NoteID]; ok {
		merged.EnqueuedAt = prior.EnqueuedAt

		switch {
		case change.Type == domain.ChangeDelete:
			merged.Snapshot = nil
		case prior.Type == domain.ChangeCreate && change.Type == domain.ChangeUpdate:
			merged.Type = domain.ChangeCreate
		}
	}

	if err := q.repo.Save(merged); err != nil {
		return &domain.QueuePersistenceError{NoteID: change.NoteID, Err: err}
	}

	q.pending[change.NoteID] = merged
	return nil
}

// DrainBatch returns up to maxItems pending changes, oldest enqueue
// first. Entries stay queued until acknowledged.
func (q *ChangeQueue) DrainBatch(maxItems int) []*domain.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*domain.PendingChange, 0, len(q.pending))
	for _, change := range q.pending {
		batch = append(batch, change)
	}

	// Oldest first; note ID breaks ties so drain order is stable.
	for i := 1; i < len(batch); i++ {
		for j := i; j > 0 && earlier(batch[j], batch[j-1]); j-- {
			batch[j], batch[j-1] = batch[j-1], batch[j]
		}
	}

	if maxItems > 0 && len(batch) > maxItems {
		batch = batch[:maxItems]
	}

	return batch
}

func earlier(a, b *domain.PendingChange) bool {
	if a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.NoteID < b.NoteID
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// Acknowledge removes a drained change after its remote write was
// confirmed. If a newer change was coalesced in while the upload was in
// flight, the queue entry is kept so the newer state still syncs.
func (q *ChangeQueue) Acknowledge(drained *domain.PendingChange) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.pending[drained.NoteID]
	if !ok {
		return nil
	}
	if !sameChange(current, drained) {
		return nil
	}

	if err := q.repo.Delete(drained.NoteID); err != nil {
		return &domain.QueuePersistenceError{NoteID: drained.NoteID, Err: err}
	}

	delete(q.pending, drained.NoteID)
	return nil
}

func sameChange(a, b *domain.PendingChange) bool {
	if a.Type != b.Type {
		return false
	}
	if (a.Snapshot == nil) != (b.Snapshot == nil) {
		return false
	}
	if a.Snapshot != nil && (a.Snapshot.Version != b.Snapshot.Version || a.Snapshot.ContentHash != b.Snapshot.ContentHash) {
		return false
	}
	return true
}

// Get returns the queued change for a note, or nil.
func (q *ChangeQueue) Get(noteID string) *domain.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[noteID]
}

// Remove drops a note's queued change regardless of acknowledgement.
// Used when a pending change is folded into a conflict's local side.
func (q *ChangeQueue) Remove(noteID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[noteID]; !ok {
		return nil
	}
	if err := q.repo.Delete(noteID); err != nil {
		return &domain.QueuePersistenceError{NoteID: noteID, Err: err}
	}
	delete(q.pending, noteID)
	return nil
}

// Len reports the number of queued changes.
func (q *ChangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
