package handler

import (
	"encoding/json"
	"net/http"

	"quillsync/internal/domain"
	"quillsync/internal/localstore"
	"quillsync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// NoteHandler is the editor's mutation path into the local note store.
// Every write marks the note dirty and feeds the sync engine's debounce.
type NoteHandler struct {
	notes    *localstore.NoteStore
	validate *validator.Validate
}

func NewNoteHandler(notes *localstore.NoteStore) *NoteHandler {
	return &NoteHandler{
		notes:    notes,
		validate: validator.New(),
	}
}

func (h *NoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	noteID, err := h.notes.CreateNote(req.Title, req.Content, req.Tags, req.Language)
	if err != nil {
		response.JSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create note"})
		return
	}

	response.JSON(w, http.StatusCreated, map[string]string{"id": noteID})
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteID := vars["id"]
	if noteID == "" {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Note ID is required"})
		return
	}

	snapshot, err := h.notes.GetDirtySnapshot(noteID)
	if err != nil {
		response.JSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load note"})
		return
	}
	if snapshot == nil {
		response.JSON(w, http.StatusNotFound, map[string]string{"error": "Note not found"})
		return
	}

	payload, err := snapshot.DecodePayload()
	if err != nil {
		response.JSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to decode note"})
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"id":      snapshot.NoteID,
		"version": snapshot.Version,
		"note":    payload,
	})
}

func (h *NoteHandler) Update(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteID := vars["id"]
	if noteID == "" {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Note ID is required"})
		return
	}

	var req domain.UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.notes.UpdateNote(noteID, req.Title, req.Content, req.Tags, req.Language); err != nil {
		response.JSON(w, http.StatusNotFound, map[string]string{"error": "Note not found"})
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"message": "note updated"})
}

func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteID := vars["id"]
	if noteID == "" {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Note ID is required"})
		return
	}

	if err := h.notes.DeleteNote(noteID); err != nil {
		response.JSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to delete note"})
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"message": "note deleted"})
}
