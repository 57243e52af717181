package dbsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/attach"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/conflict"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/lock"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/paths"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

// DefaultReleaseDelay is how long a written path stays locked after the
// write completes.
const DefaultReleaseDelay = time.Second

// Notifier receives sync events. Implementations must not block.
type Notifier interface {
	PageSynced(tenant, pageID, filePath string)
	PageRemoved(tenant, pageID, filePath string)
	Conflict(tenant string, info conflict.Info)
	FullSyncDone(tenant string, r Result)
}

type nopNotifier struct{}

func (nopNotifier) PageSynced(string, string, string)  {}
func (nopNotifier) PageRemoved(string, string, string) {}
func (nopNotifier) Conflict(string, conflict.Info)     {}
func (nopNotifier) FullSyncDone(string, Result)        {}

// PageError records why one page failed.
type PageError struct {
	PageID string `json:"pageId"`
	Error  string `json:"error"`
}

// Result counts the outcome of a batch. One page failing never stops the
// others.
type Result struct {
	Synced  int         `json:"synced"`
	Skipped int         `json:"skipped"`
	Removed int         `json:"removed"`
	Failed  int         `json:"failed"`
	Errors  []PageError `json:"errors,omitempty"`
}

func (r *Result) fail(pageID string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, PageError{PageID: pageID, Error: err.Error()})
}

// Config wires a Service.
type Config struct {
	Root      *mirrorfs.Root
	Store     docstore.Store
	Meta      *syncmeta.Store
	Locks     *lock.Registry
	Conflicts *conflict.Detector
	Notifier  Notifier
	Logger    *slog.Logger

	// LockTTL bounds how long a lock may outlive a crashed release.
	LockTTL time.Duration
	// ReleaseDelay keeps a written path locked long enough for the watcher's
	// debounce to fire and see the lock. Removals keep it twice as long.
	ReleaseDelay time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service pushes pages from the document store into the mirror.
type Service struct {
	root      *mirrorfs.Root
	store     docstore.Store
	meta      *syncmeta.Store
	locks     *lock.Registry
	conflicts *conflict.Detector
	notifier  Notifier
	logger    *slog.Logger
	ttl       time.Duration
	delay     time.Duration
	now       func() time.Time

	mu       sync.Mutex
	releases map[string]*time.Timer
}

// New creates a Service. Root, Store and Meta are required; the lock
// registry and conflict detector are created when missing.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locks == nil {
		cfg.Locks = lock.New()
	}
	if cfg.Conflicts == nil {
		cfg.Conflicts = conflict.NewDetector(cfg.Meta, conflict.Options{Logger: cfg.Logger})
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = DefaultReleaseDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		root:      cfg.Root,
		store:     cfg.Store,
		meta:      cfg.Meta,
		locks:     cfg.Locks,
		conflicts: cfg.Conflicts,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger.With("component", "dbsync"),
		ttl:       cfg.LockTTL,
		delay:     cfg.ReleaseDelay,
		now:       cfg.Now,
		releases:  make(map[string]*time.Timer),
	}
}

// Locks returns the lock registry shared with the watcher.
func (s *Service) Locks() *lock.Registry { return s.locks }

// Conflicts returns the conflict detector.
func (s *Service) Conflicts() *conflict.Detector { return s.conflicts }

// FullSync writes every page of the tenant to the mirror.
//
// Paths are planned from the full page set. Entries of pages that no longer
// exist are removed along with their files, pages whose path changed leave
// their old file (and carry their assets) first, and then each page is
// written unless the file already holds the same content.
func (s *Service) FullSync(ctx context.Context, tenant string) (Result, error) {
	var res Result
	if !mirrorfs.ValidTenant(tenant) {
		return res, mirrorfs.ErrInvalidTenant
	}
	start := s.now()
	s.logger.Info("Starting full sync", "tenant", tenant)

	pages, err := s.store.ListPages(ctx, tenant)
	if err != nil {
		return res, fmt.Errorf("failed to list pages: %w", err)
	}

	m, err := s.meta.Load(tenant)
	if errors.Is(err, syncmeta.ErrInvalid) {
		s.logger.Warn("Ignoring unreadable sync metadata", "tenant", tenant, "error", err)
		m, err = syncmeta.New(tenant), nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to load sync metadata: %w", err)
	}
	plan := docstore.PlanFolders(pages, s.folders(tenant, m))

	// Prune entries of deleted pages
	for _, id := range m.IDs() {
		if _, live := plan[id]; live {
			continue
		}
		if err := s.removePage(tenant, m.Pages[id]); err != nil {
			s.logger.Warn("Failed to remove file of deleted page", "tenant", tenant, "page", id, "error", err)
			res.fail(id, err)
			continue
		}
		res.Removed++
	}

	// Relocate moved pages before anything is written to their new paths
	docs := make(map[string]*markdown.Node, len(pages))
	for _, p := range pages {
		docs[p.ID] = p.Document()
	}
	for _, p := range pages {
		e, ok := m.Pages[p.ID]
		if !ok || e.FilePath == plan[p.ID].FilePath {
			continue
		}
		if err := s.relocate(ctx, tenant, p.ID, docs[p.ID], e, plan[p.ID]); err != nil {
			s.logger.Warn("Failed to relocate page", "tenant", tenant, "page", p.ID, "error", err)
		}
	}

	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e, hasEntry := m.Pages[p.ID]
		wrote, err := s.write(tenant, p, docs[p.ID], plan[p.ID], e, hasEntry)
		if err != nil {
			s.logger.Warn("Failed to sync page", "tenant", tenant, "page", p.ID, "error", err)
			res.fail(p.ID, err)
			continue
		}
		if wrote {
			res.Synced++
		} else {
			res.Skipped++
		}
	}

	if _, err := s.meta.Update(tenant, func(m *syncmeta.Metadata) error {
		m.LastFullSync = s.now().UTC()
		return nil
	}); err != nil {
		return res, fmt.Errorf("failed to stamp full sync: %w", err)
	}

	s.logger.Info("Full sync complete",
		"tenant", tenant,
		"synced", res.Synced,
		"skipped", res.Skipped,
		"removed", res.Removed,
		"failed", res.Failed,
		"took", s.now().Sub(start).Round(time.Millisecond))
	s.notifier.FullSyncDone(tenant, res)
	return res, nil
}

// SyncPage writes one page. Paths are planned from the full page set, since
// the hierarchy may have changed, but only the target page is written.
func (s *Service) SyncPage(ctx context.Context, tenant, pageID string) error {
	pages, err := s.store.ListPages(ctx, tenant)
	if err != nil {
		return fmt.Errorf("failed to list pages: %w", err)
	}
	m, err := s.meta.Load(tenant)
	if errors.Is(err, syncmeta.ErrInvalid) {
		m, err = syncmeta.New(tenant), nil
	}
	if err != nil {
		return fmt.Errorf("failed to load sync metadata: %w", err)
	}
	plan := docstore.PlanFolders(pages, s.folders(tenant, m))
	target, ok := plan[pageID]
	if !ok {
		return fmt.Errorf("page %s: %w", pageID, docstore.ErrNotFound)
	}
	var page docstore.Page
	for _, p := range pages {
		if p.ID == pageID {
			page = p
			break
		}
	}

	e, hasEntry := m.Pages[pageID]
	doc := page.Document()
	if hasEntry && e.FilePath != target.FilePath {
		if err := s.relocate(ctx, tenant, pageID, doc, e, target); err != nil {
			s.logger.Warn("Failed to relocate page", "tenant", tenant, "page", pageID, "error", err)
		}
	}
	_, err = s.write(tenant, page, doc, target, e, hasEntry)
	return err
}

// folders returns the pages recorded as a folder's _index.md whose folder
// is still on disk. They stay folders after losing their last child.
func (s *Service) folders(tenant string, m *syncmeta.Metadata) map[string]bool {
	out := make(map[string]bool)
	for id, e := range m.Pages {
		if path.Base(e.FilePath) != paths.IndexFile {
			continue
		}
		abs, err := s.root.Resolve(tenant, paths.ParentDir(e.FilePath))
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			out[id] = true
		}
	}
	return out
}

// DeletePageFile removes the file of a deleted page and its metadata entry.
// Emptied folders are left in place. A page without an entry is a no-op.
func (s *Service) DeletePageFile(ctx context.Context, tenant, pageID string) error {
	e, ok, err := s.meta.Entry(tenant, pageID)
	if err != nil {
		return fmt.Errorf("failed to load sync metadata: %w", err)
	}
	if !ok {
		s.logger.Debug("No file recorded for page", "tenant", tenant, "page", pageID)
		return nil
	}
	return s.removePage(tenant, e)
}

// write encodes one page and writes it to target unless the file already
// holds the same bytes. It reports whether the file was written.
func (s *Service) write(tenant string, p docstore.Page, doc *markdown.Node, target paths.ResolvedPath, e syncmeta.Entry, hasEntry bool) (bool, error) {
	meta := p.Metadata()
	text, err := markdown.Encode(doc, markdown.EncodeOptions{IncludeFrontmatter: true, Metadata: &meta})
	if err != nil {
		return false, fmt.Errorf("failed to encode page: %w", err)
	}
	content := []byte(text)
	abs, err := s.root.Resolve(tenant, target.FilePath)
	if err != nil {
		return false, err
	}

	current, err := os.ReadFile(abs)
	switch {
	case err == nil && bytes.Equal(current, content):
		// Nothing to write; make sure the entry matches what is on disk
		return false, s.record(tenant, p.ID, target.FilePath, content)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("failed to read %s: %w", target.FilePath, err)
	case err == nil && hasEntry && e.FilePath == target.FilePath && syncmeta.Hash(current) != e.ContentHash:
		// The file was edited since the last sync and is about to be
		// replaced; keep the edit
		info, err := s.conflicts.CreateBackup(tenant, p.ID, target.FilePath, current, conflict.SourceFS)
		if err != nil {
			return false, fmt.Errorf("failed to back up %s: %w", target.FilePath, err)
		}
		s.notifier.Conflict(tenant, info)
	case err == nil && !(hasEntry && e.FilePath == target.FilePath):
		// The file at target was not written for this page
		info, err := s.conflicts.CreateBackup(tenant, p.ID, target.FilePath, current, conflict.SourceFS)
		if err != nil {
			return false, fmt.Errorf("failed to back up %s: %w", target.FilePath, err)
		}
		s.notifier.Conflict(tenant, info)
	}

	s.hold(abs, s.delay)
	if err := mirrorfs.AtomicWrite(abs, content); err != nil {
		return false, err
	}
	if err := s.record(tenant, p.ID, target.FilePath, content); err != nil {
		return true, err
	}
	s.logger.Debug("Wrote page", "tenant", tenant, "page", p.ID, "file", target.FilePath)
	s.notifier.PageSynced(tenant, p.ID, target.FilePath)
	return true, nil
}

func (s *Service) record(tenant, pageID, rel string, content []byte) error {
	_, err := s.meta.Update(tenant, func(m *syncmeta.Metadata) error {
		m.Set(syncmeta.Entry{
			ID:          pageID,
			FilePath:    rel,
			ContentHash: syncmeta.Hash(content),
			LastSynced:  s.now().UTC(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update sync metadata: %w", err)
	}
	return nil
}

// relocate handles a page whose planned file differs from the recorded one:
// the old file goes, assets follow the page and references to them are
// rewritten in doc and in the store.
func (s *Service) relocate(ctx context.Context, tenant, pageID string, doc *markdown.Node, e syncmeta.Entry, target paths.ResolvedPath) error {
	if err := s.removeFile(tenant, pageID, e); err != nil {
		return err
	}
	oldDir := dirOf(e.FilePath)
	if _, err := attach.MoveAssets(s.root, tenant, oldDir, target.DirPath); err != nil {
		s.logger.Warn("Failed to move assets", "tenant", tenant, "page", pageID, "from", oldDir, "error", err)
	}
	if attach.RewriteAssetRefs(doc, oldDir, target.DirPath) {
		if err := s.store.ReplacePageBlocks(ctx, tenant, pageID, doc); err != nil {
			return fmt.Errorf("failed to store rewritten asset references: %w", err)
		}
	}
	s.logger.Info("Moved page", "tenant", tenant, "page", pageID, "from", e.FilePath, "to", target.FilePath)
	return nil
}

// removePage removes the recorded file of a page and then its entry.
func (s *Service) removePage(tenant string, e syncmeta.Entry) error {
	if err := s.removeFile(tenant, e.ID, e); err != nil {
		return err
	}
	if _, err := s.meta.Update(tenant, func(m *syncmeta.Metadata) error {
		m.Remove(e.ID)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to update sync metadata: %w", err)
	}
	s.logger.Info("Removed page file", "tenant", tenant, "page", e.ID, "file", e.FilePath)
	s.notifier.PageRemoved(tenant, e.ID, e.FilePath)
	return nil
}

// removeFile deletes the file recorded in e under the lock, backing it up
// first if it was edited since the last sync.
func (s *Service) removeFile(tenant, pageID string, e syncmeta.Entry) error {
	abs, err := s.root.Resolve(tenant, e.FilePath)
	if err != nil {
		return err
	}
	if diverged, current := s.conflicts.Diverged(tenant, e); diverged {
		info, err := s.conflicts.CreateBackup(tenant, pageID, e.FilePath, current, conflict.SourceFS)
		if err != nil {
			return fmt.Errorf("failed to back up %s: %w", e.FilePath, err)
		}
		s.notifier.Conflict(tenant, info)
	}
	s.hold(abs, 2*s.delay)
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", e.FilePath, err)
	}
	return nil
}

// hold locks abs and schedules the release after delay. A later hold on
// the same path replaces the pending release.
func (s *Service) hold(abs string, delay time.Duration) {
	s.locks.Acquire(abs, s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.releases[abs]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.releases[abs] != t {
			return
		}
		delete(s.releases, abs)
		s.locks.Release(abs)
	})
	s.releases[abs] = t
}

// ReleaseAll drops every pending lock now. Used on shutdown and in tests.
func (s *Service) ReleaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for abs, t := range s.releases {
		t.Stop()
		s.locks.Release(abs)
	}
	clear(s.releases)
}

// dirOf returns the folder a recorded file used for children and assets.
func dirOf(filePath string) string {
	if path.Base(filePath) == paths.IndexFile {
		return paths.ParentDir(filePath)
	}
	return strings.TrimSuffix(filePath, ".md")
}
