package daemon

import (
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

	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/lock"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/paths"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

// ErrNoID is returned when a changed file carries no page id.
var ErrNoID = errors.New("file has no page id")

// Notifier receives the page mutations made from file events.
// Implementations must not block.
type Notifier interface {
	PageChanged(tenant, pageID, filePath string)
	PageCreated(tenant, pageID, filePath string)
	PageDeleted(tenant, pageID, filePath string)
}

type nopNotifier struct{}

func (nopNotifier) PageChanged(string, string, string) {}
func (nopNotifier) PageCreated(string, string, string) {}
func (nopNotifier) PageDeleted(string, string, string) {}

// Config holds configuration for the daemon.
type Config struct {
	Root  *mirrorfs.Root
	Store docstore.Store
	Meta  *syncmeta.Store

	// Locks is shared with the DB→FS side. When nil the registry of Sync is
	// used, or a new one.
	Locks *lock.Registry

	// Sync runs the initial and periodic full syncs. Optional.
	Sync *dbsync.Service

	// Tenants limits full syncs to these tenants. Empty means every tenant
	// folder under the root.
	Tenants []string

	Notifier Notifier
	Logger   *slog.Logger

	// Debounce is how long a path must stay quiet before its event is
	// handled. Unlinks wait twice as long.
	Debounce time.Duration

	// FullSyncInterval enables a periodic full sync. Zero disables it.
	FullSyncInterval time.Duration

	// LockTTL and ReleaseDelay apply to the daemon's own writes, which
	// only happen when a new page id is injected into a file.
	LockTTL      time.Duration
	ReleaseDelay time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:     500 * time.Millisecond,
		LockTTL:      lock.DefaultTTL,
		ReleaseDelay: dbsync.DefaultReleaseDelay,
	}
}

type pendingEvent struct {
	op    EventOp
	timer *time.Timer
}

// Daemon applies edits made in the mirror to the document store.
type Daemon struct {
	root     *mirrorfs.Root
	store    docstore.Store
	meta     *syncmeta.Store
	locks    *lock.Registry
	sync     *dbsync.Service
	tenants  []string
	notifier Notifier
	logger   *slog.Logger
	debounce time.Duration
	interval time.Duration
	ttl      time.Duration
	delay    time.Duration
	now      func() time.Time

	// handleMu serializes handlers and full syncs
	handleMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	releases map[string]*time.Timer
	stopped  bool
	inflight sync.WaitGroup

	watcher *FileWatcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stop    sync.Once
}

// New creates a daemon. Root, Store and Meta are required; zero durations
// take the DefaultConfig values.
func New(cfg Config) (*Daemon, error) {
	if cfg.Root == nil {
		return nil, fmt.Errorf("root cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Meta == nil {
		return nil, fmt.Errorf("meta cannot be nil")
	}

	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = def.ReleaseDelay
	}
	if cfg.Locks == nil {
		if cfg.Sync != nil {
			cfg.Locks = cfg.Sync.Locks()
		} else {
			cfg.Locks = lock.New()
		}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		root:     cfg.Root,
		store:    cfg.Store,
		meta:     cfg.Meta,
		locks:    cfg.Locks,
		sync:     cfg.Sync,
		tenants:  cfg.Tenants,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With("component", "daemon"),
		debounce: cfg.Debounce,
		interval: cfg.FullSyncInterval,
		ttl:      cfg.LockTTL,
		delay:    cfg.ReleaseDelay,
		now:      cfg.Now,
		pending:  make(map[string]*pendingEvent),
		releases: make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the daemon:
//  1. a full sync of every tenant, when Sync is set
//  2. the recursive watcher on the mirror root
//  3. the periodic full sync, when an interval is set
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("Starting daemon", "root", d.root.Dir())

	if d.sync != nil {
		d.FullSync(ctx)
	}

	w, err := NewFileWatcher()
	if err != nil {
		return err
	}
	if err := w.Start(d.root.Dir()); err != nil {
		return fmt.Errorf("failed to watch mirror root: %w", err)
	}
	d.watcher = w
	d.logger.Info("Watching", "root", d.root.Dir(), "debounce", d.debounce)

	d.wg.Add(1)
	go d.watchFileEvents()
	if d.sync != nil && d.interval > 0 {
		d.wg.Add(1)
		go d.fullSyncLoop()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Pending events are dropped and
// handlers already running are waited for.
func (d *Daemon) Stop() error {
	var err error
	d.stop.Do(func() {
		d.logger.Info("Stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if werr := d.watcher.Stop(); werr != nil {
				err = werr
			}
		}
		d.wg.Wait()

		d.mu.Lock()
		d.stopped = true
		for p, ev := range d.pending {
			ev.timer.Stop()
			delete(d.pending, p)
		}
		for abs, t := range d.releases {
			t.Stop()
			d.locks.Release(abs)
		}
		clear(d.releases)
		d.mu.Unlock()
		d.inflight.Wait()

		d.logger.Info("Daemon stopped")
	})
	return err
}

// FullSync runs a DB→FS full sync of every tenant. Failures are logged.
func (d *Daemon) FullSync(ctx context.Context) {
	if d.sync == nil {
		return
	}
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	for _, tenant := range d.tenantList() {
		if _, err := d.sync.FullSync(ctx, tenant); err != nil {
			d.logger.Error("Full sync failed", "tenant", tenant, "error", err)
		}
	}
}

func (d *Daemon) tenantList() []string {
	if len(d.tenants) > 0 {
		return d.tenants
	}
	entries, err := os.ReadDir(d.root.Dir())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("Failed to list tenants", "error", err)
		}
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && mirrorfs.ValidTenant(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}

func (d *Daemon) fullSyncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.FullSync(d.ctx)
		}
	}
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Debug("File event", "op", ev.Op.String(), "path", ev.Path)
			d.Schedule(ev)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("Watcher error", "error", err)
		}
	}
}

// Schedule debounces ev. A newer event on the same path restarts the wait
// and is merged with the pending one.
func (d *Daemon) Schedule(ev FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	op := ev.Op
	if prev, ok := d.pending[ev.Path]; ok {
		prev.timer.Stop()
		op = mergeOps(prev.op, ev.Op)
	}
	delay := d.debounce
	if op == OpUnlink {
		delay *= 2
	}

	p := &pendingEvent{op: op}
	abs := ev.Path
	p.timer = time.AfterFunc(delay, func() { d.fire(abs, p) })
	d.pending[abs] = p
}

// Pending returns the number of events waiting for their debounce.
func (d *Daemon) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// mergeOps folds a new event into a pending one. An unlink always replaces
// what was pending. A file that comes back after an unlink is handled as an
// add, which treats a known id as an update.
func mergeOps(prev, next EventOp) EventOp {
	switch {
	case next == OpUnlink:
		return OpUnlink
	case prev == OpUnlink:
		return OpAdd
	default:
		return prev
	}
}

func (d *Daemon) fire(abs string, p *pendingEvent) {
	d.mu.Lock()
	if d.pending[abs] != p || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, abs)
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	if err := d.HandleEvent(d.ctx, FileEvent{Path: abs, Op: p.op}); err != nil {
		d.logger.Warn("Failed to handle file event", "op", p.op.String(), "path", abs, "error", err)
	}
}

// HandleEvent applies one debounced event. Events on locked paths are
// dropped; they are echoes of the DB→FS side. The op is checked against the
// disk first, since the file may have come or gone during the debounce.
func (d *Daemon) HandleEvent(ctx context.Context, ev FileEvent) error {
	if d.locks.IsLocked(ev.Path) {
		d.logger.Debug("Skipping locked path", "path", ev.Path)
		return nil
	}
	tenant, ok := d.root.TenantOf(ev.Path)
	if !ok {
		return nil
	}
	rel, err := d.root.Rel(tenant, ev.Path)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}

	op := ev.Op
	_, statErr := os.Stat(ev.Path)
	exists := statErr == nil
	switch {
	case op == OpUnlink && exists:
		op = OpAdd
	case op != OpUnlink && !exists:
		op = OpUnlink
	}

	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	switch op {
	case OpAdd:
		return d.HandleAdd(ctx, tenant, rel)
	case OpChange:
		return d.HandleChange(ctx, tenant, rel)
	default:
		return d.HandleUnlink(ctx, tenant, rel)
	}
}

// HandleChange applies an edited file to the page named by its frontmatter
// id. Title and icon are updated when they differ and the blocks are
// replaced with the decoded body.
func (d *Daemon) HandleChange(ctx context.Context, tenant, rel string) error {
	data, dec, ok, err := d.read(tenant, rel)
	if err != nil || !ok {
		return err
	}
	id := dec.Metadata.ID
	if id == "" {
		d.logger.Warn("Changed file has no page id", "tenant", tenant, "file", rel)
		return fmt.Errorf("%s: %w", rel, ErrNoID)
	}
	page, err := d.store.GetPageWithBlocks(ctx, tenant, id)
	if err != nil {
		return fmt.Errorf("failed to load page %s: %w", id, err)
	}

	m := d.loadMeta(tenant)
	e, hasEntry := m.Pages[id]
	samePath := hasEntry && e.FilePath == rel
	if samePath && e.ContentHash == syncmeta.Hash(data) {
		d.logger.Debug("File matches last sync", "tenant", tenant, "file", rel)
		return nil
	}
	if !samePath && d.copyOf(tenant, e, hasEntry) {
		d.logger.Info("File is a copy of another page, creating a new one", "tenant", tenant, "file", rel, "id", id, "original", e.FilePath)
		return d.create(ctx, tenant, rel, data, dec, m, titleFromPath(rel))
	}
	return d.apply(ctx, tenant, rel, data, dec, page, m, samePath)
}

// HandleAdd handles a file that appeared. A file whose id names an existing
// page is an editor's atomic save or a move and is applied as a change,
// unless the page's recorded file is still on disk: then the file is a copy
// and becomes a new page, as does any file without a known id. New pages get
// their id written back into the file.
func (d *Daemon) HandleAdd(ctx context.Context, tenant, rel string) error {
	data, dec, ok, err := d.read(tenant, rel)
	if err != nil || !ok {
		return err
	}
	m := d.loadMeta(tenant)

	if id := dec.Metadata.ID; id != "" {
		page, err := d.store.GetPageWithBlocks(ctx, tenant, id)
		switch {
		case err == nil:
			e, hasEntry := m.Pages[id]
			samePath := hasEntry && e.FilePath == rel
			if samePath && e.ContentHash == syncmeta.Hash(data) {
				d.logger.Debug("Ignoring echo of own write", "tenant", tenant, "file", rel)
				return nil
			}
			if !samePath && d.copyOf(tenant, e, hasEntry) {
				d.logger.Info("File is a copy of another page, creating a new one", "tenant", tenant, "file", rel, "id", id, "original", e.FilePath)
				return d.create(ctx, tenant, rel, data, dec, m, titleFromPath(rel))
			}
			return d.apply(ctx, tenant, rel, data, dec, page, m, samePath)
		case !errors.Is(err, docstore.ErrNotFound):
			return fmt.Errorf("failed to load page %s: %w", id, err)
		}
		d.logger.Info("File names an unknown page, creating a new one", "tenant", tenant, "file", rel, "id", id)
	}

	title := dec.Metadata.Title
	if title == "" {
		title = titleFromPath(rel)
	}
	return d.create(ctx, tenant, rel, data, dec, m, title)
}

// copyOf reports whether the page recorded in e still has its file on disk,
// which makes another file carrying the same id a copy rather than a move.
func (d *Daemon) copyOf(tenant string, e syncmeta.Entry, hasEntry bool) bool {
	if !hasEntry {
		return false
	}
	abs, err := d.root.Resolve(tenant, e.FilePath)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// create stores the file as a new page and writes the assigned id back.
func (d *Daemon) create(ctx context.Context, tenant, rel string, data []byte, dec markdown.Decoded, m *syncmeta.Metadata, title string) error {
	page, err := d.store.CreatePage(ctx, tenant, docstore.NewPage{
		Title:    title,
		Icon:     dec.Metadata.Icon,
		ParentID: resolveParent(m, rel),
	})
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	if err := d.store.ReplacePageBlocks(ctx, tenant, page.ID, dec.Doc); err != nil {
		return fmt.Errorf("failed to store blocks of %s: %w", page.ID, err)
	}

	content := []byte(markdown.InjectID(string(data), page.ID))
	abs, err := d.root.Resolve(tenant, rel)
	if err != nil {
		return err
	}
	d.hold(abs)
	if err := mirrorfs.AtomicWrite(abs, content); err != nil {
		return fmt.Errorf("failed to write page id into %s: %w", rel, err)
	}
	if err := d.record(tenant, page.ID, rel, content); err != nil {
		return err
	}

	d.logger.Info("Created page from file", "tenant", tenant, "page", page.ID, "file", rel)
	d.notifier.PageCreated(tenant, page.ID, rel)
	return nil
}

// HandleUnlink deletes the page recorded for a removed file. A file no page
// was recorded for is ignored with a warning.
func (d *Daemon) HandleUnlink(ctx context.Context, tenant, rel string) error {
	m := d.loadMeta(tenant)
	e, ok := m.FindByPath(rel)
	if !ok {
		d.logger.Warn("No page recorded for removed file", "tenant", tenant, "file", rel)
		return nil
	}
	if err := d.store.DeletePage(ctx, tenant, e.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("failed to delete page %s: %w", e.ID, err)
	}
	if _, err := d.meta.Update(tenant, func(m *syncmeta.Metadata) error {
		m.Remove(e.ID)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to update sync metadata: %w", err)
	}

	d.logger.Info("Deleted page of removed file", "tenant", tenant, "page", e.ID, "file", rel)
	d.notifier.PageDeleted(tenant, e.ID, rel)
	return nil
}

// apply writes a decoded file onto an existing page. When the file is not
// where the page was last written, the parent is resolved again from the
// new location.
func (d *Daemon) apply(ctx context.Context, tenant, rel string, data []byte, dec markdown.Decoded, page docstore.Page, m *syncmeta.Metadata, samePath bool) error {
	var u docstore.PageUpdate
	if t := dec.Metadata.Title; t != "" && t != page.Title {
		u.Title = &t
	}
	if icon := dec.Metadata.Icon; icon != "" && icon != page.Icon {
		u.Icon = &icon
	}
	if !samePath {
		if parent := resolveParent(m, rel); parent != page.ParentID && parent != page.ID {
			u.ParentID = &parent
		}
	}
	if u != (docstore.PageUpdate{}) {
		if _, err := d.store.UpdatePage(ctx, tenant, page.ID, u); err != nil {
			return fmt.Errorf("failed to update page %s: %w", page.ID, err)
		}
	}
	if err := d.store.ReplacePageBlocks(ctx, tenant, page.ID, dec.Doc); err != nil {
		return fmt.Errorf("failed to store blocks of %s: %w", page.ID, err)
	}
	if err := d.record(tenant, page.ID, rel, data); err != nil {
		return err
	}

	d.logger.Info("Updated page from file", "tenant", tenant, "page", page.ID, "file", rel)
	d.notifier.PageChanged(tenant, page.ID, rel)
	return nil
}

// read loads and decodes a mirror file. ok is false when the file is gone
// or its frontmatter cannot be parsed; such files are left untouched.
func (d *Daemon) read(tenant, rel string) ([]byte, markdown.Decoded, bool, error) {
	abs, err := d.root.Resolve(tenant, rel)
	if err != nil {
		return nil, markdown.Decoded{}, false, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, markdown.Decoded{}, false, nil
	}
	if err != nil {
		return nil, markdown.Decoded{}, false, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	dec := markdown.Decode(string(data))
	if dec.FrontmatterErr != nil {
		d.logger.Warn("Leaving file with malformed frontmatter untouched",
			"tenant", tenant, "file", rel, "error", dec.FrontmatterErr)
		return nil, markdown.Decoded{}, false, nil
	}
	return data, dec, true, nil
}

func (d *Daemon) loadMeta(tenant string) *syncmeta.Metadata {
	m, err := d.meta.Load(tenant)
	if err != nil {
		d.logger.Warn("Ignoring unreadable sync metadata", "tenant", tenant, "error", err)
		return syncmeta.New(tenant)
	}
	return m
}

func (d *Daemon) record(tenant, pageID, rel string, content []byte) error {
	_, err := d.meta.Update(tenant, func(m *syncmeta.Metadata) error {
		m.Set(syncmeta.Entry{
			ID:          pageID,
			FilePath:    rel,
			ContentHash: syncmeta.Hash(content),
			LastSynced:  d.now().UTC(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update sync metadata: %w", err)
	}
	return nil
}

// hold locks abs for the daemon's own write and releases it after the
// release delay.
func (d *Daemon) hold(abs string) {
	d.locks.Acquire(abs, d.ttl)

	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.releases[abs]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.releases[abs] != t {
			return
		}
		delete(d.releases, abs)
		d.locks.Release(abs)
	})
	d.releases[abs] = t
}

// resolveParent finds the page owning the nearest ancestor folder of rel,
// as either <dir>/_index.md or <dir>.md. The folder of an _index.md is the
// page itself, so the search starts one level up.
func resolveParent(m *syncmeta.Metadata, rel string) string {
	dir := paths.ParentDir(rel)
	if path.Base(rel) == paths.IndexFile {
		dir = paths.ParentDir(dir)
	}
	for dir != "" {
		if e, ok := m.FindByPath(dir + "/" + paths.IndexFile); ok {
			return e.ID
		}
		if e, ok := m.FindByPath(dir + ".md"); ok {
			return e.ID
		}
		dir = paths.ParentDir(dir)
	}
	return ""
}

// titleFromPath names a page created from a file without a title: the file
// name, or the folder name for an _index.md.
func titleFromPath(rel string) string {
	base := path.Base(rel)
	if base == paths.IndexFile {
		if dir := paths.ParentDir(rel); dir != "" {
			return path.Base(dir)
		}
		return "Untitled"
	}
	if name := strings.TrimSuffix(base, ".md"); name != "" {
		return name
	}
	return "Untitled"
}
