package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/status"
)

// Error codes of the API error envelope.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeUnavailable = "UNAVAILABLE"
	CodeInternal    = "INTERNAL_ERROR"
)

type apiMeta struct {
	Timestamp time.Time `json:"timestamp"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, struct {
		Data any     `json:"data"`
		Meta apiMeta `json:"meta"`
	}{data, apiMeta{Timestamp: time.Now().UTC()}})
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, struct {
		Error apiError `json:"error"`
		Meta  apiMeta  `json:"meta"`
	}{apiError{Code: errCode, Message: msg}, apiMeta{Timestamp: time.Now().UTC()}})
}

// tenant returns the tenant of a request, from the tenant query parameter or
// the server default. An invalid tenant is answered with 400.
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := r.URL.Query().Get("tenant")
	if t == "" {
		t = s.cfg.Tenant
	}
	if !mirrorfs.ValidTenant(t) {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid tenant")
		return "", false
	}
	return t, true
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, CodeUnavailable, what+" is not configured")
}

// GET /api/sync
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if s.cfg.Meta == nil || s.cfg.Root == nil {
		s.unavailable(w, "sync metadata")
		return
	}
	metaPath, err := s.cfg.Root.MetaPath(tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if _, err := os.Stat(metaPath); err != nil {
		writeData(w, http.StatusOK, map[string]any{
			"status":  status.NotInitialized,
			"message": "Mirror has not been synced yet. POST /api/sync to initialize.",
		})
		return
	}
	m, err := s.cfg.Meta.Load(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	out := map[string]any{
		"status":    "active",
		"tenantId":  m.TenantID,
		"pageCount": len(m.Pages),
	}
	if !m.LastFullSync.IsZero() {
		out["lastFullSync"] = m.LastFullSync
	}
	writeData(w, http.StatusOK, out)
}

// POST /api/sync
func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if s.cfg.Sync == nil {
		s.unavailable(w, "sync")
		return
	}
	res, err := s.cfg.Sync.FullSync(r.Context(), tenant)
	if err != nil {
		s.logger.Error("Full sync failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Sync failed: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status": "completed",
		"result": res,
	})
}

// GET /api/sync/health
func (s *Server) handleSyncHealth(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if s.cfg.Root == nil || s.cfg.Meta == nil || s.cfg.Conflicts == nil {
		s.unavailable(w, "sync health")
		return
	}
	h, err := status.Report(r.Context(), s.cfg.Root, tenant, s.cfg.Meta, s.cfg.Conflicts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeData(w, http.StatusOK, h)
}

// POST /api/pages/{id}/sync
func (s *Server) handlePageSync(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, dbsync.OpSync)
}

// DELETE /api/pages/{id}/file
func (s *Server) handlePageFileDelete(w http.ResponseWriter, r *http.Request) {
	s.enqueue(w, r, dbsync.OpDelete)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, op dbsync.Op) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if s.cfg.Queue == nil {
		s.unavailable(w, "sync queue")
		return
	}
	job := dbsync.Job{Tenant: tenant, PageID: r.PathValue("id"), Op: op}
	if err := s.cfg.Queue.Enqueue(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		return
	}
	writeData(w, http.StatusAccepted, job)
}

// GET /api/pages/{id}/attachments
func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if s.cfg.Attachments == nil {
		s.unavailable(w, "attachments")
		return
	}
	list, err := s.cfg.Attachments.ListAttachments(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeData(w, http.StatusOK, list)
}

// POST /api/pages/{id}/attachments
//
// Accepts multipart/form-data with a "file" field and an optional "userId".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if s.cfg.Attachments == nil {
		s.unavailable(w, "attachments")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Expected multipart/form-data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Missing 'file' field")
		return
	}
	defer file.Close()
	if header.Size > s.cfg.MaxUpload {
		writeError(w, http.StatusBadRequest, CodeValidation, "File too large")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Failed to read upload")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			mimeType = byExt
		} else {
			mimeType = http.DetectContentType(data)
		}
	}

	stored, err := s.cfg.Attachments.StoreAttachment(r.Context(), tenant, r.PathValue("id"),
		r.FormValue("userId"), header.Filename, data, mimeType)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "Page not found")
		return
	case err != nil:
		s.logger.Error("Failed to store attachment", "tenant", tenant, "page", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"attachmentId": stored.AttachmentID,
		"relativePath": stored.RelativePath,
		"fileName":     filepath.Base(stored.AbsPath),
		"mimeType":     mimeType,
		"size":         len(data),
	})
}
