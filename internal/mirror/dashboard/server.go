// Package dashboard provides the ops server of the mirror: a WebSocket feed
// of sync events plus HTTP endpoints to trigger syncs, read sync health and
// upload attachments.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/attach"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/conflict"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStats carries event counters; sent to every new client
	MessageTypeStats MessageType = "stats"

	// DB→FS events
	MessageTypePageSynced   MessageType = "page_synced"
	MessageTypePageRemoved  MessageType = "page_removed"
	MessageTypeConflict     MessageType = "conflict"
	MessageTypeSyncComplete MessageType = "sync_complete"

	// FS→DB events
	MessageTypePageChanged MessageType = "page_changed"
	MessageTypePageCreated MessageType = "page_created"
	MessageTypePageDeleted MessageType = "page_deleted"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PageEventData identifies the page and file of a page event
type PageEventData struct {
	Tenant   string `json:"tenant"`
	PageID   string `json:"pageId"`
	FilePath string `json:"filePath"`
}

// ConflictData describes a conflict backup
type ConflictData struct {
	Tenant string `json:"tenant"`
	conflict.Info
}

// SyncCompleteData contains full sync results
type SyncCompleteData struct {
	Tenant string `json:"tenant"`
	dbsync.Result
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8787)
	Addr string

	// Tenant used when a request has no tenant parameter
	Tenant string

	// MaxUpload caps attachment uploads in bytes (default: 50 MiB)
	MaxUpload int64

	Root        *mirrorfs.Root
	Meta        *syncmeta.Store
	Conflicts   *conflict.Detector
	Sync        *dbsync.Service
	Queue       *dbsync.Queue
	Attachments *attach.Store

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:      "127.0.0.1:8787",
		Tenant:    "default",
		MaxUpload: 50 << 20,
	}
}

// Server manages WebSocket connections, broadcasts dashboard messages and
// serves the sync API
type Server struct {
	cfg      Config
	addr     string
	listener net.Listener
	server   *http.Server
	handler  *Handler

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewServer creates a new dashboard server
func NewServer(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Tenant == "" {
		cfg.Tenant = def.Tenant
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = def.MaxUpload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Conflicts == nil && cfg.Sync != nil {
		cfg.Conflicts = cfg.Sync.Conflicts()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:       cfg,
		addr:      cfg.Addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger.With("component", "dashboard"),
	}
}

// SetSync attaches the sync service and its queue. The service usually
// takes the server's Handler as its notifier, so it is built after the
// server. Call before Start.
func (s *Server) SetSync(svc *dbsync.Service, queue *dbsync.Queue) {
	s.cfg.Sync = svc
	s.cfg.Queue = queue
	if s.cfg.Conflicts == nil && svc != nil {
		s.cfg.Conflicts = svc.Conflicts()
	}
}

// Routes returns the HTTP handler of the server
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/sync", s.handleSyncStatus)
	mux.HandleFunc("POST /api/sync", s.handleFullSync)
	mux.HandleFunc("GET /api/sync/health", s.handleSyncHealth)
	mux.HandleFunc("POST /api/pages/{id}/sync", s.handlePageSync)
	mux.HandleFunc("DELETE /api/pages/{id}/file", s.handlePageFileDelete)
	mux.HandleFunc("GET /api/pages/{id}/attachments", s.handleListAttachments)
	mux.HandleFunc("POST /api/pages/{id}/attachments", s.handleUpload)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Dashboard server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Info("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Info("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients. It never blocks; a
// message that does not fit in the buffer is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Warn("Broadcast channel full, dropping message", "type", string(msg.Type))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("Failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("Failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("Client connected", "clients", clientCount)

	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.handler != nil {
		welcome.Data, _ = json.Marshal(s.handler.Stats())
	}
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("Client disconnected", "clients", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>skbmirror</title>
</head>
<body>
    <h1>skbmirror ops server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Sync health: <a href="/api/sync/health">/api/sync/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
