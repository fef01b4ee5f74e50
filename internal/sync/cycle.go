package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"quillsync/internal/domain"
	"quillsync/internal/remote"
	"quillsync/internal/retry"

	"golang.org/x/sync/errgroup"
)

// runCycle executes one full sync cycle: connect if needed, push queued
// changes, pull and reconcile remote records, commit cursors. Cycles are
// serialized by the admission loop; this is never re-entered.
func (o *Orchestrator) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancelCycle = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.cancelCycle = nil
		o.mu.Unlock()
	}()

	if !o.ensureSession(cycleCtx) {
		return
	}

	o.setState(domain.StateSyncing)

	if !o.pushOutbound(cycleCtx) {
		return
	}
	if cycleCtx.Err() != nil {
		o.setState(domain.StateDisconnected)
		return
	}
	if !o.pullInbound(cycleCtx) {
		return
	}

	o.mu.Lock()
	o.lastSyncedAt = time.Now().UTC()
	o.lastError = ""
	anyFailed := len(o.failed) > 0
	o.mu.Unlock()

	if anyFailed {
		o.setState(domain.StateFailed)
	} else {
		o.setState(domain.StateIdle)
	}
	o.notify(Event{Type: EventSyncComplete})
}

// ensureSession moves through Connecting when no valid session token is
// cached. Revoked credentials disconnect; transient failures back off
// and retry within the attempt budget.
func (o *Orchestrator) ensureSession(ctx context.Context) bool {
	o.mu.Lock()
	valid := o.session.Valid(time.Now())
	o.mu.Unlock()

	if valid {
		return true
	}

	o.setState(domain.StateConnecting)

	var session *domain.Session
	err := o.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		session, err = o.remote.Authenticate(callCtx)
		return err
	})
	if err != nil {
		if domain.IsPermanent(err) {
			log.Printf("authentication rejected, disconnecting: %v", err)
			o.setLastError(err)
			o.setState(domain.StateDisconnected)
		} else {
			o.setLastError(err)
			o.setState(domain.StateFailed)
		}
		return false
	}

	o.mu.Lock()
	o.session = session
	o.mu.Unlock()

	return true
}

// pushOutbound drains the change queue and uploads each change, a few
// notes in parallel. Returns false if the cycle must stop (permanent
// failure or cancellation). Acknowledge happens only after the remote
// write is confirmed; a cancelled upload leaves its change queued.
func (o *Orchestrator) pushOutbound(ctx context.Context) bool {
	o.rescanDirty()

	batch := o.queue.DrainBatch(o.cfg.BatchSize)
	if len(batch) == 0 {
		return true
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.UploadConcurrency)

	for _, change := range batch {
		if o.noteBlocked(change.NoteID) {
			continue
		}

		g.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			return o.uploadChange(groupCtx, change)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			o.setState(domain.StateDisconnected)
			return false
		}
		o.setLastError(err)
		o.setState(domain.StateFailed)
		return false
	}

	return true
}

// rescanDirty enqueues dirty notes whose change events were dropped.
func (o *Orchestrator) rescanDirty() {
	dirty, err := o.local.ListDirty()
	if err != nil {
		log.Printf("failed to scan dirty notes: %v", err)
		return
	}

	for _, noteID := range dirty {
		if o.queue.Get(noteID) != nil || o.noteBlocked(noteID) {
			continue
		}
		snapshot, err := o.local.GetDirtySnapshot(noteID)
		if err != nil || snapshot == nil {
			continue
		}
		if err := o.queue.Enqueue(&domain.PendingChange{
			NoteID:   noteID,
			Type:     domain.ChangeUpdate,
			Snapshot: snapshot,
		}); err != nil {
			log.Printf("failed to enqueue dirty note %s: %v", noteID, err)
		}
	}
}

func (o *Orchestrator) noteBlocked(noteID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conflicts[noteID] != nil || o.failed[noteID] || o.badPassphrase[noteID]
}

// uploadChange pushes one pending change with per-change retry. A
// permanent failure or an exhausted retry budget marks the note Failed.
func (o *Orchestrator) uploadChange(ctx context.Context, change *domain.PendingChange) error {
	var version int64

	err := o.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		version, err = o.uploadOnce(callCtx, change)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, remote.ErrRemoteNewer) {
			// Another device wrote first; leave the change queued and
			// let the inbound pass decide whether this is a conflict.
			return nil
		}
		o.markFailed(change.NoteID, err)
		if domain.IsPermanent(err) {
			// Revoked auth or rejected request: no later change in
			// this cycle can succeed either.
			return err
		}
		return nil
	}

	if err := o.queue.Acknowledge(change); err != nil {
		return err
	}

	if err := o.cursors.Upsert(&domain.SyncCursor{
		NoteID:            change.NoteID,
		LastSyncedVersion: version,
		LastSyncedAt:      time.Now().UTC(),
	}); err != nil {
		return err
	}

	if change.Type == domain.ChangeDelete {
		if err := o.cursors.Delete(change.NoteID); err != nil {
			log.Printf("failed to drop cursor for deleted note %s: %v", change.NoteID, err)
		}
	} else if err := o.local.MarkClean(change.NoteID); err != nil {
		log.Printf("failed to mark note %s clean: %v", change.NoteID, err)
	}

	return nil
}

func (o *Orchestrator) uploadOnce(ctx context.Context, change *domain.PendingChange) (int64, error) {
	if change.Type == domain.ChangeDelete {
		cursor, err := o.cursors.Get(change.NoteID)
		if err != nil {
			return 0, err
		}
		version := cursor.LastSyncedVersion + 1
		if err := o.remote.Delete(ctx, change.NoteID, version); err != nil {
			return 0, err
		}
		return version, nil
	}

	salt, key, err := o.uploadKey()
	if err != nil {
		return 0, err
	}

	envelope, err := o.codec.Encrypt(change.Snapshot.Payload, key, salt)
	if err != nil {
		return 0, err
	}

	return o.remote.Upload(ctx, &domain.RemoteRecord{
		NoteID:           change.NoteID,
		Version:          change.Snapshot.Version,
		RemoteModifiedAt: change.Snapshot.ModifiedAt,
		EditDevice:       o.cfg.DeviceID,
		Envelope:         envelope,
	})
}

// uploadKey lazily derives the account key once per process. The salt
// rides in every envelope, so other devices only need the passphrase.
func (o *Orchestrator) uploadKey() ([]byte, []byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.uploadSalt == nil {
		salt, err := o.codec.NewSalt()
		if err != nil {
			return nil, nil, err
		}
		o.uploadSalt = salt
		o.uploadKeyBytes = o.codec.DeriveKey(o.cfg.Passphrase, salt)
	}

	return o.uploadSalt, o.uploadKeyBytes, nil
}

// pullInbound lists remote records and reconciles each against local
// state and its cursor. Conflicts are surfaced, never auto-resolved.
func (o *Orchestrator) pullInbound(ctx context.Context) bool {
	var records []*domain.RemoteRecord
	err := o.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		records, err = o.remote.List(callCtx)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			o.setState(domain.StateDisconnected)
		} else {
			o.setLastError(err)
			o.setState(domain.StateFailed)
		}
		return false
	}

	for _, record := range records {
		// Cooperative cancellation between per-note operations.
		if ctx.Err() != nil {
			o.setState(domain.StateDisconnected)
			return false
		}

		if o.noteBlocked(record.NoteID) {
			continue
		}
		if err := o.reconcileRecord(ctx, record); err != nil {
			log.Printf("failed to reconcile note %s: %v", record.NoteID, err)
		}
	}

	return true
}

func (o *Orchestrator) reconcileRecord(ctx context.Context, record *domain.RemoteRecord) error {
	cursor, err := o.cursors.Get(record.NoteID)
	if err != nil {
		return err
	}

	// Remote is at or behind what this device already synced.
	if record.Version <= cursor.LastSyncedVersion {
		return nil
	}

	if record.Deleted {
		return o.applyRemoteDelete(record)
	}

	var full *domain.RemoteRecord
	err = o.withRetry(ctx, func(callCtx context.Context) error {
		var err error
		full, err = o.remote.Download(callCtx, record.NoteID)
		return err
	})
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		o.markFailed(record.NoteID, err)
		return err
	}

	remoteSnapshot, err := o.resolver.DecryptRemote(full, o.cfg.Passphrase)
	if err != nil {
		if domain.IsIntegrity(err) {
			o.markBadPassphrase(record.NoteID)
			return err
		}
		return err
	}

	localSnapshot, err := o.local.GetDirtySnapshot(record.NoteID)
	if err != nil {
		return err
	}

	// Unknown locally: pull it straight in.
	if localSnapshot == nil {
		return o.adoptRemote(remoteSnapshot)
	}

	if conflict := o.resolver.Detect(localSnapshot, remoteSnapshot, cursor); conflict != nil {
		return o.surfaceConflict(conflict)
	}

	// No conflict: one side is still at the cursor.
	if localSnapshot.Version == cursor.LastSyncedVersion || localSnapshot.ContentHash == remoteSnapshot.ContentHash {
		// Local unchanged (or same bytes): remote wins trivially.
		return o.adoptRemote(remoteSnapshot)
	}

	// Remote unchanged past the cursor never reaches here (filtered by
	// the version check above), so local wins and the queued change
	// will push it on the next outbound pass.
	return nil
}

// applyRemoteDelete propagates a tombstone. A local note with a queued
// change survives: the local edit resurrects the note and uploads with
// a higher version.
func (o *Orchestrator) applyRemoteDelete(record *domain.RemoteRecord) error {
	if o.queue.Get(record.NoteID) != nil {
		return nil
	}

	if err := o.local.RemoveNote(record.NoteID); err != nil {
		return err
	}
	return o.cursors.Delete(record.NoteID)
}

func (o *Orchestrator) adoptRemote(snapshot *domain.NoteSnapshot) error {
	if err := o.local.ApplySnapshot(snapshot); err != nil {
		return err
	}

	// The pulled state is the new common ancestor.
	if err := o.queue.Remove(snapshot.NoteID); err != nil {
		return err
	}
	return o.cursors.Upsert(&domain.SyncCursor{
		NoteID:            snapshot.NoteID,
		LastSyncedVersion: snapshot.Version,
		LastSyncedAt:      time.Now().UTC(),
	})
}

// surfaceConflict folds any queued change into the conflict's local side
// and pauses the note until a strategy arrives.
func (o *Orchestrator) surfaceConflict(conflict *domain.SyncConflict) error {
	if err := o.queue.Remove(conflict.NoteID); err != nil {
		return err
	}

	o.mu.Lock()
	o.conflicts[conflict.NoteID] = conflict
	o.mu.Unlock()

	log.Printf("conflict detected on note %s (local v%d, remote v%d)",
		conflict.NoteID, conflict.Local.Version, conflict.Remote.Version)
	o.notify(Event{Type: EventConflictDetected, NoteID: conflict.NoteID, Conflict: conflict})

	return nil
}

func (o *Orchestrator) markFailed(noteID string, err error) {
	o.mu.Lock()
	o.failed[noteID] = true
	o.lastError = err.Error()
	o.mu.Unlock()

	log.Printf("note %s failed: %v", noteID, err)
	o.notify(Event{Type: EventNoteFailed, NoteID: noteID})
}

func (o *Orchestrator) markBadPassphrase(noteID string) {
	o.mu.Lock()
	o.badPassphrase[noteID] = true
	o.mu.Unlock()

	log.Printf("integrity check failed on note %s: wrong passphrase or corrupted envelope", noteID)
	o.notify(Event{Type: EventWrongPassphrase, NoteID: noteID})
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	o.lastError = err.Error()
	o.mu.Unlock()
}

// withRetry runs one remote operation under the retry policy: each call
// gets the per-call timeout, timeouts count as transient, permanent
// failures return immediately, and the attempt ceiling is exact.
func (o *Orchestrator) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 1
	for {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
		err := op(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &domain.TransientError{Op: "remote call", Err: err}
		}
		if !retry.Retryable(err) {
			return err
		}
		if o.policy.ShouldGiveUp(attempt) {
			return err
		}

		delay := o.policy.NextDelay(attempt)
		o.setState(domain.StateBackoff)

		select {
		case <-ctx.Done():
			return context.Canceled
		case <-time.After(delay):
		}

		o.setState(domain.StateSyncing)
		attempt++
	}
}
