package handler

import (
	"encoding/json"
	"log"
	"net/http"

	"quillsync/internal/sync"
	"quillsync/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager      *websocket.Manager
	orchestrator *sync.Orchestrator
	upgrader     ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, orchestrator *sync.Orchestrator, readBufferSize, writeBufferSize int) *WebSocketHandler {
	return &WebSocketHandler{
		manager:      manager,
		orchestrator: orchestrator,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// The daemon binds to loopback; the editor connects locally.
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade websocket connection: %v", err)
		return
	}

	clientID := uuid.New().String()
	client := websocket.NewClient(clientID, conn, h.manager)

	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()

	// Fresh subscribers get the current status up front so they do not
	// have to wait for the next event.
	snapshot, err := websocket.NewMessage(websocket.TypeStatus, h.orchestrator.Status())
	if err != nil {
		log.Printf("failed to build status snapshot: %v", err)
		return
	}
	if payload, err := json.Marshal(snapshot); err == nil {
		client.Send <- payload
	}
}
