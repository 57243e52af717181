package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/conflict"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/daemon"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
)

var (
	_ dbsync.Notifier = (*Handler)(nil)
	_ daemon.Notifier = (*Handler)(nil)
)

// StatsData counts the events seen since the server started
type StatsData struct {
	Synced    int `json:"synced"`
	Removed   int `json:"removed"`
	Changed   int `json:"changed"`
	Created   int `json:"created"`
	Deleted   int `json:"deleted"`
	Conflicts int `json:"conflicts"`
	FullSyncs int `json:"fullSyncs"`
}

// Handler turns sync events from both directions into dashboard messages.
// It is the Notifier of the sync service and of the daemon.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting on server. New clients of the
// server receive the handler's statistics.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server: server,
		logger: logger.With("component", "dashboard"),
	}
	server.handler = h
	return h
}

// PageSynced implements dbsync.Notifier.
func (h *Handler) PageSynced(tenant, pageID, filePath string) {
	h.count(func(s *StatsData) { s.Synced++ })
	h.page(MessageTypePageSynced, tenant, pageID, filePath)
}

// PageRemoved implements dbsync.Notifier.
func (h *Handler) PageRemoved(tenant, pageID, filePath string) {
	h.count(func(s *StatsData) { s.Removed++ })
	h.page(MessageTypePageRemoved, tenant, pageID, filePath)
}

// Conflict implements dbsync.Notifier.
func (h *Handler) Conflict(tenant string, info conflict.Info) {
	h.count(func(s *StatsData) { s.Conflicts++ })
	h.send(MessageTypeConflict, ConflictData{Tenant: tenant, Info: info})
}

// FullSyncDone implements dbsync.Notifier.
func (h *Handler) FullSyncDone(tenant string, r dbsync.Result) {
	h.count(func(s *StatsData) { s.FullSyncs++ })
	h.send(MessageTypeSyncComplete, SyncCompleteData{Tenant: tenant, Result: r})
}

// PageChanged implements daemon.Notifier.
func (h *Handler) PageChanged(tenant, pageID, filePath string) {
	h.count(func(s *StatsData) { s.Changed++ })
	h.page(MessageTypePageChanged, tenant, pageID, filePath)
}

// PageCreated implements daemon.Notifier.
func (h *Handler) PageCreated(tenant, pageID, filePath string) {
	h.count(func(s *StatsData) { s.Created++ })
	h.page(MessageTypePageCreated, tenant, pageID, filePath)
}

// PageDeleted implements daemon.Notifier.
func (h *Handler) PageDeleted(tenant, pageID, filePath string) {
	h.count(func(s *StatsData) { s.Deleted++ })
	h.page(MessageTypePageDeleted, tenant, pageID, filePath)
}

// Stats returns the current statistics
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) count(fn func(*StatsData)) {
	h.mu.Lock()
	fn(&h.stats)
	h.mu.Unlock()
}

func (h *Handler) page(t MessageType, tenant, pageID, filePath string) {
	h.send(t, PageEventData{Tenant: tenant, PageID: pageID, FilePath: filePath})
}

func (h *Handler) send(t MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to marshal message data", "type", string(t), "error", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      t,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
