package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quillsync/internal/config"
	"quillsync/internal/crypto"
	"quillsync/internal/handler"
	"quillsync/internal/localstore"
	"quillsync/internal/middleware"
	"quillsync/internal/queue"
	"quillsync/internal/remote"
	"quillsync/internal/repository"
	"quillsync/internal/retry"
	syncengine "quillsync/internal/sync"
	"quillsync/internal/websocket"

	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := repository.OpenState(cfg.State.Path)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer db.Close()

	deviceID, err := repository.NewDeviceRepository(db).GetOrCreateID()
	if err != nil {
		log.Fatalf("Failed to establish device identity: %v", err)
	}

	notes := localstore.NewNoteStore(db)
	cursorRepo := repository.NewCursorRepository(db)

	changeQueue, err := queue.New(repository.NewQueueRepository(db))
	if err != nil {
		log.Fatalf("Failed to load change queue: %v", err)
	}
	if n := changeQueue.Len(); n > 0 {
		log.Printf("Replaying %d unacknowledged changes from a previous run", n)
	}

	remoteStore, err := buildRemoteStore(cfg)
	if err != nil {
		log.Fatalf("Failed to configure remote store: %v", err)
	}

	codec := crypto.NewCodec(cfg.Sync.PBKDF2Iterations)
	policy := retry.NewPolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.MaxAttempts)

	orchestrator := syncengine.NewOrchestrator(syncengine.Config{
		Passphrase:        cfg.Sync.Passphrase,
		DeviceID:          deviceID,
		Debounce:          cfg.Sync.Debounce,
		Interval:          cfg.Sync.Interval,
		OpTimeout:         cfg.Sync.OpTimeout,
		UploadConcurrency: cfg.Sync.UploadConcurrency,
		BatchSize:         cfg.Sync.BatchSize,
	}, notes, remoteStore, changeQueue, codec, cursorRepo, policy)

	wsManager := websocket.NewManager(
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
	)
	go wsManager.Run()

	// Every engine event fans out to connected UI subscribers.
	orchestrator.SetListener(func(event syncengine.Event) {
		msg, err := websocket.NewMessage(websocket.MessageType(event.Type), event)
		if err != nil {
			log.Printf("failed to encode status event: %v", err)
			return
		}
		if err := wsManager.Broadcast(msg); err != nil {
			log.Printf("failed to broadcast status event: %v", err)
		}
	})

	runCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	go func() {
		if err := orchestrator.Run(runCtx); err != nil && err != context.Canceled {
			log.Printf("sync engine stopped: %v", err)
		}
	}()
	orchestrator.TriggerSync()

	statusHandler := handler.NewStatusHandler(orchestrator)
	noteHandler := handler.NewNoteHandler(notes)
	wsHandler := handler.NewWebSocketHandler(wsManager, orchestrator,
		cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	r.HandleFunc("/status", statusHandler.GetStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/conflicts", statusHandler.ListConflicts).Methods("GET", "OPTIONS")
	r.HandleFunc("/conflicts/{noteId}/resolve", statusHandler.ResolveConflict).Methods("POST", "OPTIONS")
	r.HandleFunc("/failures/{noteId}/ack", statusHandler.AcknowledgeFailure).Methods("POST", "OPTIONS")
	r.HandleFunc("/sync", statusHandler.TriggerSync).Methods("POST", "OPTIONS")
	r.HandleFunc("/disconnect", statusHandler.Disconnect).Methods("POST", "OPTIONS")
	r.HandleFunc("/reconnect", statusHandler.Reconnect).Methods("POST", "OPTIONS")

	r.HandleFunc("/notes", noteHandler.Create).Methods("POST", "OPTIONS")
	r.HandleFunc("/notes/{id}", noteHandler.Get).Methods("GET", "OPTIONS")
	r.HandleFunc("/notes/{id}", noteHandler.Update).Methods("PUT", "OPTIONS")
	r.HandleFunc("/notes/{id}", noteHandler.Delete).Methods("DELETE", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/health", statusHandler.Health).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting quillsync daemon on %s (provider: %s, device: %s)",
			addr, cfg.Remote.Provider, deviceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	stopEngine()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Daemon stopped gracefully")
}

func buildRemoteStore(cfg *config.Config) (remote.Store, error) {
	switch cfg.Remote.Provider {
	case "couch":
		return remote.NewCouchStore(cfg.Remote.CouchDSN, cfg.Remote.CouchDB)
	case "http":
		return remote.NewHTTPStore(
			cfg.Remote.HTTPBaseURL,
			cfg.Remote.HTTPAccount,
			cfg.Remote.HTTPSecret,
			cfg.Remote.HTTPTimeout,
		), nil
	case "memory":
		return remote.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Remote.Provider)
	}
}
