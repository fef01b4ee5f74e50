// Package sync drives the engine: it drains the change queue, talks to
// the remote store, invokes conflict resolution on divergence, applies
// backoff on failure and reports status to the UI. One logical worker
// runs per account; cycles never overlap.
package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"quillsync/internal/crypto"
	"quillsync/internal/domain"
	"quillsync/internal/localstore"
	"quillsync/internal/queue"
	"quillsync/internal/remote"
	"quillsync/internal/repository"
	"quillsync/internal/resolver"
	"quillsync/internal/retry"
)

// EventType labels a status notification pushed to UI subscribers.
type EventType string

const (
	EventStateChange      EventType = "state_change"
	EventSyncComplete     EventType = "sync_complete"
	EventConflictDetected EventType = "conflict_detected"
	EventWrongPassphrase  EventType = "wrong_passphrase"
	EventNoteFailed       EventType = "note_failed"
)

type Event struct {
	Type     EventType            `json:"type"`
	State    domain.SyncState     `json:"state,omitempty"`
	NoteID   string               `json:"note_id,omitempty"`
	Conflict *domain.SyncConflict `json:"conflict,omitempty"`
}

// Listener receives status events. Must not block.
type Listener func(event Event)

// Config carries the orchestrator's tunables.
type Config struct {
	Passphrase        string
	DeviceID          string
	Debounce          time.Duration // quiet period after a local edit
	Interval          time.Duration // periodic trigger while idle
	OpTimeout         time.Duration // per remote call
	UploadConcurrency int
	BatchSize         int
}

type Orchestrator struct {
	cfg      Config
	local    localstore.Store
	remote   remote.Store
	queue    *queue.ChangeQueue
	codec    *crypto.Codec
	resolver *resolver.Resolver
	cursors  repository.CursorRepository
	policy   *retry.Policy

	// trigger is the single admission point. Buffer of one: a trigger
	// while a cycle runs coalesces into exactly one follow-up cycle.
	trigger chan struct{}

	mu            sync.Mutex
	state         domain.SyncState
	session       *domain.Session
	conflicts     map[string]*domain.SyncConflict
	failed        map[string]bool
	badPassphrase map[string]bool
	lastSyncedAt  time.Time
	lastError     string
	listener      Listener
	cancelCycle   context.CancelFunc

	// Lazily derived account key; the salt travels in every envelope.
	uploadSalt     []byte
	uploadKeyBytes []byte
}

func NewOrchestrator(
	cfg Config,
	local localstore.Store,
	remoteStore remote.Store,
	changeQueue *queue.ChangeQueue,
	codec *crypto.Codec,
	cursors repository.CursorRepository,
	policy *retry.Policy,
) *Orchestrator {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}

	return &Orchestrator{
		cfg:           cfg,
		local:         local,
		remote:        remoteStore,
		queue:         changeQueue,
		codec:         codec,
		resolver:      resolver.New(codec),
		cursors:       cursors,
		policy:        policy,
		trigger:       make(chan struct{}, 1),
		state:         domain.StateIdle,
		conflicts:     make(map[string]*domain.SyncConflict),
		failed:        make(map[string]bool),
		badPassphrase: make(map[string]bool),
	}
}

// SetListener registers the status event sink (the websocket bridge).
func (o *Orchestrator) SetListener(listener Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listener = listener
}

func (o *Orchestrator) notify(event Event) {
	o.mu.Lock()
	listener := o.listener
	o.mu.Unlock()

	if listener != nil {
		listener(event)
	}
}

func (o *Orchestrator) setState(state domain.SyncState) {
	o.mu.Lock()
	changed := o.state != state
	o.state = state
	o.mu.Unlock()

	if changed {
		o.notify(Event{Type: EventStateChange, State: state})
	}
}

// State returns the current coarse state.
func (o *Orchestrator) State() domain.SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status assembles the snapshot consumed by the UI.
func (o *Orchestrator) Status() *domain.SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	conflicts := make([]*domain.SyncConflict, 0, len(o.conflicts))
	for _, c := range o.conflicts {
		conflicts = append(conflicts, c)
	}

	var failedNotes, badNotes []string
	for id := range o.failed {
		failedNotes = append(failedNotes, id)
	}
	for id := range o.badPassphrase {
		badNotes = append(badNotes, id)
	}

	return &domain.SyncStatus{
		State:          o.state,
		PendingChanges: o.queue.Len(),
		Conflicts:      conflicts,
		FailedNotes:    failedNotes,
		BadPassphrase:  badNotes,
		LastSyncedAt:   o.lastSyncedAt,
		LastError:      o.lastError,
	}
}

// TriggerSync requests a cycle. Coalesced: triggering during a running
// cycle schedules exactly one follow-up, never a backlog.
func (o *Orchestrator) TriggerSync() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Disconnect cancels any in-flight cycle and stops syncing until
// Reconnect. Unacknowledged changes stay queued, so nothing is lost.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	o.state = domain.StateDisconnected
	o.session = nil
	cancel := o.cancelCycle
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.notify(Event{Type: EventStateChange, State: domain.StateDisconnected})
}

// Reconnect leaves the disconnected state and schedules a cycle.
func (o *Orchestrator) Reconnect() {
	o.mu.Lock()
	if o.state == domain.StateDisconnected {
		o.state = domain.StateIdle
	}
	o.mu.Unlock()

	o.notify(Event{Type: EventStateChange, State: domain.StateIdle})
	o.TriggerSync()
}

// ResolveConflict consumes an outstanding conflict with the given
// strategy. The resolved snapshot is applied locally and queued for
// upload with a version bumped past both sides.
func (o *Orchestrator) ResolveConflict(noteID string, strategy domain.ResolutionStrategy) (*domain.NoteSnapshot, error) {
	o.mu.Lock()
	conflict, ok := o.conflicts[noteID]
	o.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no outstanding conflict for note %s", noteID)
	}

	resolved, err := o.resolver.Resolve(conflict, strategy)
	if err != nil {
		return nil, err
	}

	if err := o.local.ApplySnapshot(resolved); err != nil {
		return nil, err
	}

	if err := o.queue.Enqueue(&domain.PendingChange{
		NoteID:   noteID,
		Type:     domain.ChangeUpdate,
		Snapshot: resolved,
	}); err != nil {
		return nil, err
	}

	o.mu.Lock()
	delete(o.conflicts, noteID)
	o.mu.Unlock()

	log.Printf("conflict on note %s resolved with strategy %s (new version %d)", noteID, strategy, resolved.Version)
	o.TriggerSync()

	return resolved, nil
}

// AcknowledgeFailure clears a note's terminal failed status so it can
// sync again.
func (o *Orchestrator) AcknowledgeFailure(noteID string) {
	o.mu.Lock()
	delete(o.failed, noteID)
	delete(o.badPassphrase, noteID)
	if len(o.failed) == 0 && o.state == domain.StateFailed {
		o.state = domain.StateIdle
	}
	o.mu.Unlock()
}

// Run owns the admission loop: local change events feed the debounce
// timer, the periodic interval fires while idle, and manual triggers
// arrive through TriggerSync. All three funnel into the same coalesced
// admission point. Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	debounce := time.NewTimer(o.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if o.cfg.Interval > 0 {
		ticker = time.NewTicker(o.cfg.Interval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-o.local.Changes():
			if !ok {
				return nil
			}
			if err := o.observeLocalChange(event); err != nil {
				log.Printf("failed to enqueue local change for note %s: %v", event.NoteID, err)
			}
			debounce.Reset(o.cfg.Debounce)

		case <-debounce.C:
			o.TriggerSync()

		case <-tick:
			if o.State() == domain.StateIdle {
				o.TriggerSync()
			}

		case <-o.trigger:
			if o.State() == domain.StateDisconnected {
				continue
			}
			o.runCycle(ctx)
		}
	}
}

// observeLocalChange turns a note-changed event into a queued pending
// change. The enqueue persists before this returns; a persistence
// failure is surfaced to the caller, who retries the enqueue.
func (o *Orchestrator) observeLocalChange(event localstore.Event) error {
	o.mu.Lock()
	_, conflicted := o.conflicts[event.NoteID]
	o.mu.Unlock()

	// A conflicted note is paused until a resolution strategy arrives.
	if conflicted {
		return &domain.ConflictPendingError{NoteID: event.NoteID}
	}

	change := &domain.PendingChange{
		NoteID: event.NoteID,
		Type:   event.Type,
	}

	if event.Type != domain.ChangeDelete {
		snapshot, err := o.local.GetDirtySnapshot(event.NoteID)
		if err != nil {
			return err
		}
		if snapshot == nil {
			// Deleted between the event and now; the delete event is
			// right behind this one.
			return nil
		}
		change.Snapshot = snapshot
	}

	return o.queue.Enqueue(change)
}
