package localstore

import (
	"testing"

	"quillsync/internal/domain"
	"quillsync/internal/repository"
)

func newTestStore(t *testing.T) *NoteStore {
	t.Helper()

	db, err := repository.OpenState(":memory:")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewNoteStore(db)
}

func TestCreateNote_EmitsEventAndIsDirty(t *testing.T) {
	store := newTestStore(t)

	noteID, err := store.CreateNote("groceries", "milk", []string{"home"}, "en")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	select {
	case event := <-store.Changes():
		if event.NoteID != noteID || event.Type != domain.ChangeCreate {
			t.Errorf("expected create event for %s, got %+v", noteID, event)
		}
	default:
		t.Fatal("expected a change event")
	}

	dirty, err := store.ListDirty()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(dirty) != 1 || dirty[0] != noteID {
		t.Errorf("expected %s to be dirty, got %v", noteID, dirty)
	}
}

func TestUpdateNote_BumpsVersion(t *testing.T) {
	store := newTestStore(t)

	noteID, _ := store.CreateNote("title", "v1", nil, "")
	<-store.Changes()

	if err := store.UpdateNote(noteID, "title", "v2", nil, ""); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	snapshot, err := store.GetDirtySnapshot(noteID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", snapshot.Version)
	}

	payload, _ := snapshot.DecodePayload()
	if payload.Content != "v2" {
		t.Errorf("expected updated content, got %q", payload.Content)
	}
}

func TestGetDirtySnapshot_MissingNote(t *testing.T) {
	store := newTestStore(t)

	snapshot, err := store.GetDirtySnapshot("no-such-note")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snapshot != nil {
		t.Error("expected nil snapshot for a missing note")
	}
}

func TestApplySnapshot_ClearsDirtyAndUpserts(t *testing.T) {
	store := newTestStore(t)

	noteID, _ := store.CreateNote("title", "local edit", nil, "")
	<-store.Changes()

	snapshot, _ := store.GetDirtySnapshot(noteID)
	snapshot.Version = 5

	if err := store.ApplySnapshot(snapshot); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	dirty, _ := store.ListDirty()
	if len(dirty) != 0 {
		t.Errorf("expected no dirty notes after apply, got %v", dirty)
	}

	applied, _ := store.GetDirtySnapshot(noteID)
	if applied.Version != 5 {
		t.Errorf("expected applied version 5, got %d", applied.Version)
	}
}

func TestApplySnapshot_InsertsUnknownNote(t *testing.T) {
	store := newTestStore(t)

	payload, _ := domain.EncodePayload(&domain.NotePayload{Title: "from device A", Content: "pulled"})
	snapshot := &domain.NoteSnapshot{
		NoteID:      "remote-note",
		ContentHash: "h",
		Version:     3,
		Payload:     payload,
	}

	if err := store.ApplySnapshot(snapshot); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	applied, err := store.GetDirtySnapshot("remote-note")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if applied == nil || applied.Version != 3 {
		t.Errorf("expected pulled note at version 3, got %+v", applied)
	}
}

func TestDeleteNote_EmitsDeleteEvent(t *testing.T) {
	store := newTestStore(t)

	noteID, _ := store.CreateNote("title", "content", nil, "")
	<-store.Changes()

	if err := store.DeleteNote(noteID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	event := <-store.Changes()
	if event.Type != domain.ChangeDelete {
		t.Errorf("expected delete event, got %s", event.Type)
	}

	snapshot, _ := store.GetDirtySnapshot(noteID)
	if snapshot != nil {
		t.Error("expected note to be gone")
	}
}
