// Package status reports the sync health of one tenant's mirror.
package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/conflict"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

// State is the overall health of a tenant mirror.
type State string

const (
	Healthy        State = "healthy"
	Degraded       State = "degraded"
	NotInitialized State = "not_initialized"
)

// RecentLimit caps the conflicts listed in a Health.
const RecentLimit = 10

// Mirror describes the mirror root directory.
type Mirror struct {
	Root     string `json:"root"`
	Exists   bool   `json:"exists"`
	Writable bool   `json:"writable"`
}

// Sync summarizes the tenant's sync metadata.
type Sync struct {
	LastFullSync *time.Time `json:"lastFullSync"`
	PageCount    int        `json:"pageCount"`
}

// Conflicts summarizes conflict backups.
type Conflicts struct {
	Recent      int             `json:"recent"`
	FilesOnDisk int             `json:"filesOnDisk"`
	Details     []conflict.Info `json:"details"`
	Files       []conflict.File `json:"files,omitempty"`
}

// Health is the report returned by Report.
type Health struct {
	Tenant    string    `json:"tenant"`
	Status    State     `json:"status"`
	Mirror    Mirror    `json:"mirror"`
	Sync      Sync      `json:"sync"`
	Conflicts Conflicts `json:"conflicts"`
}

// Report builds the health of a tenant. A tenant that was never synced is
// not initialized; recent conflicts or a read-only mirror make it degraded.
func Report(ctx context.Context, root *mirrorfs.Root, tenant string, meta *syncmeta.Store, detector *conflict.Detector) (Health, error) {
	h := Health{
		Tenant: tenant,
		Mirror: Mirror{Root: root.Dir()},
	}
	if err := ctx.Err(); err != nil {
		return h, err
	}

	if info, err := os.Stat(root.Dir()); err == nil && info.IsDir() {
		h.Mirror.Exists = true
		h.Mirror.Writable = writable(root.Dir())
	}

	metaPath, err := root.MetaPath(tenant)
	if err != nil {
		return h, err
	}
	initialized := true
	if _, err := os.Stat(metaPath); errors.Is(err, fs.ErrNotExist) {
		initialized = false
	}
	if initialized {
		m, err := meta.Load(tenant)
		if err != nil {
			return h, fmt.Errorf("failed to load sync metadata: %w", err)
		}
		h.Sync.PageCount = len(m.Pages)
		if !m.LastFullSync.IsZero() {
			t := m.LastFullSync
			h.Sync.LastFullSync = &t
		}
	}

	recent := detector.Recent()
	h.Conflicts.Recent = len(recent)
	h.Conflicts.Details = recent[:min(len(recent), RecentLimit)]
	if h.Mirror.Exists {
		files, err := detector.ListFiles(tenant)
		if err != nil {
			return h, fmt.Errorf("failed to list conflict files: %w", err)
		}
		h.Conflicts.FilesOnDisk = len(files)
		h.Conflicts.Files = files
	}

	switch {
	case !initialized:
		h.Status = NotInitialized
	case h.Conflicts.Recent > 0 || !h.Mirror.Writable:
		h.Status = Degraded
	default:
		h.Status = Healthy
	}
	return h, nil
}

// writable checks dir by creating and removing a temp file.
func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".skb-writable-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
