package handler

import (
	"encoding/json"
	"net/http"

	"quillsync/internal/domain"
	"quillsync/internal/sync"
	"quillsync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// StatusHandler exposes the engine's status surface to the editor UI.
type StatusHandler struct {
	orchestrator *sync.Orchestrator
	validate     *validator.Validate
}

func NewStatusHandler(orchestrator *sync.Orchestrator) *StatusHandler {
	return &StatusHandler{
		orchestrator: orchestrator,
		validate:     validator.New(),
	}
}

func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.orchestrator.Status())
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(h.orchestrator.State()),
	})
}

func (h *StatusHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.orchestrator.Status().Conflicts)
}

func (h *StatusHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteID := vars["noteId"]
	if noteID == "" {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Note ID is required"})
		return
	}

	var req domain.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resolved, err := h.orchestrator.ResolveConflict(noteID, req.Strategy)
	if err != nil {
		response.JSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"message": "conflict resolved",
		"note":    resolved,
	})
}

// TriggerSync requests a sync cycle. Always returns 202: triggers
// coalesce, so the cycle may already be scheduled.
func (h *StatusHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.TriggerSync()
	response.JSON(w, http.StatusAccepted, map[string]string{"message": "sync scheduled"})
}

func (h *StatusHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.Disconnect()
	response.JSON(w, http.StatusOK, map[string]string{"message": "disconnected"})
}

func (h *StatusHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.Reconnect()
	response.JSON(w, http.StatusOK, map[string]string{"message": "reconnecting"})
}

func (h *StatusHandler) AcknowledgeFailure(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteID := vars["noteId"]
	if noteID == "" {
		response.JSON(w, http.StatusBadRequest, map[string]string{"error": "Note ID is required"})
		return
	}

	h.orchestrator.AcknowledgeFailure(noteID)
	response.JSON(w, http.StatusOK, map[string]string{"message": "failure acknowledged"})
}
