package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
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

const testPassphrase = "correct horse battery staple"

type testRig struct {
	orch    *Orchestrator
	notes   *localstore.NoteStore
	store   *remote.MemoryStore
	queue   *queue.ChangeQueue
	cursors repository.CursorRepository
	codec   *crypto.Codec
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db, err := repository.OpenState(":memory:")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t.Cleanup(func() { db.Close() })

	notes := localstore.NewNoteStore(db)
	store := remote.NewMemoryStore()
	cursors := repository.NewCursorRepository(db)

	changeQueue, err := queue.New(repository.NewQueueRepository(db))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	codec := crypto.NewCodec(1000)
	policy := retry.NewPolicy(time.Millisecond, 5*time.Millisecond, 3)

	orch := NewOrchestrator(Config{
		Passphrase: testPassphrase,
		DeviceID:   "device-b",
		Debounce:   10 * time.Millisecond,
		OpTimeout:  time.Second,
	}, notes, store, changeQueue, codec, cursors, policy)

	return &testRig{
		orch:    orch,
		notes:   notes,
		store:   store,
		queue:   changeQueue,
		cursors: cursors,
		codec:   codec,
	}
}

func (r *testRig) drainEvents() {
	for {
		select {
		case <-r.notes.Changes():
		default:
			return
		}
	}
}

// seedRemote encrypts a payload under the shared account passphrase and
// plants it in the remote store, as another device would.
func (r *testRig) seedRemote(t *testing.T, noteID string, version int64, content, passphrase string) {
	t.Helper()

	payload, err := domain.EncodePayload(&domain.NotePayload{
		Title:   "shared note",
		Content: content,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	salt, _ := r.codec.NewSalt()
	key := r.codec.DeriveKey(passphrase, salt)
	envelope, err := r.codec.Encrypt(payload, key, salt)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, err := r.store.Upload(context.Background(), &domain.RemoteRecord{
		NoteID:           noteID,
		Version:          version,
		RemoteModifiedAt: time.Now().UTC(),
		EditDevice:       "device-a",
		Envelope:         envelope,
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCycle_UploadsPendingChange(t *testing.T) {
	rig := newTestRig(t)

	noteID, _ := rig.notes.CreateNote("todo", "buy milk", nil, "en")
	rig.drainEvents()

	rig.orch.runCycle(context.Background())

	if rig.orch.State() != domain.StateIdle {
		t.Errorf("expected idle after a clean cycle, got %s", rig.orch.State())
	}
	if rig.queue.Len() != 0 {
		t.Errorf("expected queue drained, got %d entries", rig.queue.Len())
	}

	record := rig.store.Record(noteID)
	if record == nil {
		t.Fatal("expected the note to be uploaded")
	}
	if record.Version != 1 {
		t.Errorf("expected remote version 1, got %d", record.Version)
	}
	if record.EditDevice != "device-b" {
		t.Errorf("expected upload attributed to device-b, got %s", record.EditDevice)
	}

	cursor, _ := rig.cursors.Get(noteID)
	if cursor.LastSyncedVersion != 1 {
		t.Errorf("expected cursor at version 1, got %d", cursor.LastSyncedVersion)
	}

	dirty, _ := rig.notes.ListDirty()
	if len(dirty) != 0 {
		t.Errorf("expected no dirty notes after upload, got %v", dirty)
	}
}

func TestCycle_UploadedEnvelopeRoundTrips(t *testing.T) {
	rig := newTestRig(t)

	noteID, _ := rig.notes.CreateNote("secret", "the payload is encrypted", nil, "")
	rig.drainEvents()

	rig.orch.runCycle(context.Background())

	record := rig.store.Record(noteID)
	if record == nil || record.Envelope == nil {
		t.Fatal("expected an encrypted envelope remotely")
	}

	res := resolver.New(rig.codec)
	snapshot, err := res.DecryptRemote(record, testPassphrase)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	payload, _ := snapshot.DecodePayload()
	if payload.Content != "the payload is encrypted" {
		t.Errorf("expected decrypted content to round-trip, got %q", payload.Content)
	}
}

func TestCycle_PullsRemoteNote(t *testing.T) {
	rig := newTestRig(t)

	rig.seedRemote(t, "from-device-a", 1, "written elsewhere", testPassphrase)

	rig.orch.runCycle(context.Background())

	snapshot, err := rig.notes.GetDirtySnapshot("from-device-a")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot == nil {
		t.Fatal("expected the remote note to be applied locally")
	}
	if snapshot.Version != 1 {
		t.Errorf("expected version 1, got %d", snapshot.Version)
	}

	payload, _ := snapshot.DecodePayload()
	if payload.Content != "written elsewhere" {
		t.Errorf("expected pulled content, got %q", payload.Content)
	}

	cursor, _ := rig.cursors.Get("from-device-a")
	if cursor.LastSyncedVersion != 1 {
		t.Errorf("expected cursor at version 1, got %d", cursor.LastSyncedVersion)
	}
}

func TestCycle_RetryCeilingExactlyThreeAttempts(t *testing.T) {
	rig := newTestRig(t)

	noteID, _ := rig.notes.CreateNote("flaky", "content", nil, "")
	rig.drainEvents()

	transient := func() error {
		return &domain.TransientError{Op: "upload", Err: errors.New("timeout")}
	}
	// First call is Authenticate, then three upload attempts.
	rig.store.NextErrors = []error{nil, transient(), transient(), transient()}

	rig.orch.runCycle(context.Background())

	if len(rig.store.NextErrors) != 0 {
		t.Errorf("expected exactly 3 upload attempts, %d injected errors unconsumed", len(rig.store.NextErrors))
	}
	if rig.store.Uploads() != 0 {
		t.Errorf("expected no successful upload, got %d", rig.store.Uploads())
	}
	if rig.orch.State() != domain.StateFailed {
		t.Errorf("expected failed state after retry exhaustion, got %s", rig.orch.State())
	}
	if rig.queue.Len() != 1 {
		t.Error("expected the change to stay queued for replay")
	}

	status := rig.orch.Status()
	if len(status.FailedNotes) != 1 || status.FailedNotes[0] != noteID {
		t.Errorf("expected note %s in failed list, got %v", noteID, status.FailedNotes)
	}
}

func TestCycle_PermanentFailureFailsFast(t *testing.T) {
	rig := newTestRig(t)

	rig.notes.CreateNote("doomed", "content", nil, "")
	rig.drainEvents()

	permanent := &domain.PermanentError{Op: "upload", Err: errors.New("forbidden")}
	// Authenticate succeeds, the single upload attempt is rejected, and
	// the trailing nil must never be consumed: the cycle stops.
	rig.store.NextErrors = []error{nil, permanent, nil}

	rig.orch.runCycle(context.Background())

	if len(rig.store.NextErrors) != 1 {
		t.Errorf("expected the cycle to stop after a permanent failure, %d errors unconsumed", len(rig.store.NextErrors))
	}
	if rig.orch.State() != domain.StateFailed {
		t.Errorf("expected failed state, got %s", rig.orch.State())
	}
}

func TestCycle_WrongPassphraseHaltsNoteSync(t *testing.T) {
	rig := newTestRig(t)

	rig.seedRemote(t, "foreign", 1, "sealed elsewhere", "a different passphrase")

	var events []Event
	rig.orch.SetListener(func(e Event) { events = append(events, e) })

	rig.orch.runCycle(context.Background())

	if snapshot, _ := rig.notes.GetDirtySnapshot("foreign"); snapshot != nil {
		t.Error("expected undecryptable note not to be applied locally")
	}

	status := rig.orch.Status()
	if len(status.BadPassphrase) != 1 || status.BadPassphrase[0] != "foreign" {
		t.Errorf("expected wrong-passphrase notice for note, got %v", status.BadPassphrase)
	}

	var sawWrongPassphrase bool
	for _, e := range events {
		if e.Type == EventWrongPassphrase && e.NoteID == "foreign" {
			sawWrongPassphrase = true
		}
	}
	if !sawWrongPassphrase {
		t.Error("expected a wrong_passphrase event")
	}
}

func TestCycle_AuthRevokedDisconnects(t *testing.T) {
	rig := newTestRig(t)

	rig.store.NextErrors = []error{
		&domain.PermanentError{Op: "authenticate", Err: errors.New("token revoked")},
	}

	rig.orch.runCycle(context.Background())

	if rig.orch.State() != domain.StateDisconnected {
		t.Errorf("expected disconnected on revoked credentials, got %s", rig.orch.State())
	}
}

func TestTriggerSync_Coalesces(t *testing.T) {
	rig := newTestRig(t)

	rig.orch.TriggerSync()
	rig.orch.TriggerSync()
	rig.orch.TriggerSync()

	if len(rig.orch.trigger) != 1 {
		t.Errorf("expected triggers to coalesce into one, got %d", len(rig.orch.trigger))
	}
}

// Two devices edit the same note offline; the spec's end-to-end
// scenario: detect the conflict, merge, and push the merged v3.
func TestEndToEnd_ConflictDetectionAndMerge(t *testing.T) {
	rig := newTestRig(t)

	// Device B creates the note and syncs: remote and cursor at v1.
	noteID, _ := rig.notes.CreateNote("shared", "base text", nil, "")
	rig.drainEvents()
	rig.orch.runCycle(context.Background())

	if rig.store.Record(noteID).Version != 1 {
		t.Fatal("expected remote at v1 after first sync")
	}

	// Device A syncs its own edit first: remote moves to v2-A.
	rig.seedRemote(t, noteID, 2, "edit from device A", testPassphrase)

	// Device B edits offline: local v2-B.
	if err := rig.notes.UpdateNote(noteID, "shared", "edit from device B", nil, ""); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rig.drainEvents()

	var events []Event
	rig.orch.SetListener(func(e Event) { events = append(events, e) })

	// Device B reconnects: the push is rejected (remote is newer) and
	// the pull detects the divergence.
	rig.orch.runCycle(context.Background())

	status := rig.orch.Status()
	if len(status.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(status.Conflicts))
	}

	conflict := status.Conflicts[0]
	if conflict.NoteID != noteID {
		t.Errorf("expected conflict on %s, got %s", noteID, conflict.NoteID)
	}
	if conflict.Local.Version != 2 || conflict.Remote.Version != 2 {
		t.Errorf("expected both sides at v2, got local v%d remote v%d",
			conflict.Local.Version, conflict.Remote.Version)
	}

	var sawConflictEvent bool
	for _, e := range events {
		if e.Type == EventConflictDetected {
			sawConflictEvent = true
		}
	}
	if !sawConflictEvent {
		t.Error("expected a conflict_detected event")
	}

	// The note is paused: another cycle must not resolve anything.
	rig.orch.runCycle(context.Background())
	if len(rig.orch.Status().Conflicts) != 1 {
		t.Fatal("expected the conflict to persist until a strategy is supplied")
	}

	// The user picks merge.
	resolved, err := rig.orch.ResolveConflict(noteID, domain.ResolutionMerge)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resolved.Version != 3 {
		t.Errorf("expected merged version 3, got %d", resolved.Version)
	}

	payload, _ := resolved.DecodePayload()
	for _, want := range []string{"<<<<<<< LOCAL", "edit from device B", "=======", "edit from device A", ">>>>>>> REMOTE"} {
		if !strings.Contains(payload.Content, want) {
			t.Errorf("expected merged content to contain %q", want)
		}
	}

	// Next cycle pushes the merged note.
	rig.orch.runCycle(context.Background())

	record := rig.store.Record(noteID)
	if record.Version != 3 {
		t.Errorf("expected remote at merged v3, got v%d", record.Version)
	}

	cursor, _ := rig.cursors.Get(noteID)
	if cursor.LastSyncedVersion != 3 {
		t.Errorf("expected cursor at v3, got v%d", cursor.LastSyncedVersion)
	}
	if len(rig.orch.Status().Conflicts) != 0 {
		t.Error("expected no conflicts after resolution")
	}
}

func TestCycle_RemoteDeletePropagates(t *testing.T) {
	rig := newTestRig(t)

	// Synced note at v1 on both sides.
	noteID, _ := rig.notes.CreateNote("ephemeral", "to be deleted", nil, "")
	rig.drainEvents()
	rig.orch.runCycle(context.Background())

	// Another device deletes it: tombstone at v2.
	if err := rig.store.Delete(context.Background(), noteID, 2); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rig.orch.runCycle(context.Background())

	if snapshot, _ := rig.notes.GetDirtySnapshot(noteID); snapshot != nil {
		t.Error("expected the local note to be removed")
	}
}

func TestCycle_LocalDeleteUploadsTombstone(t *testing.T) {
	rig := newTestRig(t)

	noteID, _ := rig.notes.CreateNote("doomed", "content", nil, "")
	rig.drainEvents()
	rig.orch.runCycle(context.Background())

	if err := rig.notes.DeleteNote(noteID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Feed the delete event through the admission path by hand.
	event := <-rig.notes.Changes()
	if err := rig.orch.observeLocalChange(event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rig.orch.runCycle(context.Background())

	record := rig.store.Record(noteID)
	if record == nil || !record.Deleted {
		t.Fatal("expected a remote tombstone")
	}
	if record.Version != 2 {
		t.Errorf("expected tombstone at v2, got v%d", record.Version)
	}
	if rig.queue.Len() != 0 {
		t.Error("expected the delete to be acknowledged")
	}
}

// A local delete racing a newer remote edit must lose: the tombstone is
// rejected and the remote edit resurrects the note.
func TestCycle_LocalDeleteLosesToNewerRemoteEdit(t *testing.T) {
	rig := newTestRig(t)

	noteID, _ := rig.notes.CreateNote("contested", "base text", nil, "")
	rig.drainEvents()
	rig.orch.runCycle(context.Background())

	// Another device edits to v2 while this device deletes offline.
	rig.seedRemote(t, noteID, 2, "edited elsewhere", testPassphrase)

	if err := rig.notes.DeleteNote(noteID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	event := <-rig.notes.Changes()
	if err := rig.orch.observeLocalChange(event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rig.orch.runCycle(context.Background())

	record := rig.store.Record(noteID)
	if record.Deleted {
		t.Error("expected the stale tombstone to be rejected")
	}
	if record.Version != 2 {
		t.Errorf("expected remote edit to survive at v2, got v%d", record.Version)
	}

	snapshot, err := rig.notes.GetDirtySnapshot(noteID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot == nil {
		t.Fatal("expected the remote edit to resurrect the note locally")
	}

	payload, _ := snapshot.DecodePayload()
	if payload.Content != "edited elsewhere" {
		t.Errorf("expected resurrected content from remote, got %q", payload.Content)
	}
	if rig.queue.Len() != 0 {
		t.Error("expected the superseded delete to be dropped from the queue")
	}
}

func TestDisconnectAndReconnect(t *testing.T) {
	rig := newTestRig(t)

	rig.orch.Disconnect()
	if rig.orch.State() != domain.StateDisconnected {
		t.Errorf("expected disconnected, got %s", rig.orch.State())
	}

	rig.orch.Reconnect()
	if rig.orch.State() != domain.StateIdle {
		t.Errorf("expected idle after reconnect, got %s", rig.orch.State())
	}
	if len(rig.orch.trigger) != 1 {
		t.Error("expected reconnect to schedule a cycle")
	}
}

func TestAcknowledgeFailure_UnblocksNote(t *testing.T) {
	rig := newTestRig(t)

	noteID, _ := rig.notes.CreateNote("flaky", "content", nil, "")
	rig.drainEvents()

	transient := func() error {
		return &domain.TransientError{Op: "upload", Err: errors.New("timeout")}
	}
	rig.store.NextErrors = []error{nil, transient(), transient(), transient()}
	rig.orch.runCycle(context.Background())

	if rig.orch.State() != domain.StateFailed {
		t.Fatalf("expected failed state, got %s", rig.orch.State())
	}

	rig.orch.AcknowledgeFailure(noteID)
	if rig.orch.State() != domain.StateIdle {
		t.Errorf("expected idle after acknowledging the failure, got %s", rig.orch.State())
	}

	// The queued change syncs on the next cycle.
	rig.orch.runCycle(context.Background())
	if rig.store.Record(noteID) == nil {
		t.Error("expected the note to upload once the failure was acknowledged")
	}
}
