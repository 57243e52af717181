package daemon

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

type recorder struct {
	mu      sync.Mutex
	changed []string
	created []string
	deleted []string
}

func (r *recorder) PageChanged(_, id, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, id)
}

func (r *recorder) PageCreated(_, id, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, id)
}

func (r *recorder) PageDeleted(_, id, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

type env struct {
	d     *Daemon
	svc   *dbsync.Service
	store *docstore.Memory
	root  *mirrorfs.Root
	meta  *syncmeta.Store
	rec   *recorder
}

func newEnv(t *testing.T, debounce time.Duration) *env {
	t.Helper()
	root, err := mirrorfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("mirrorfs.New() failed: %v", err)
	}
	meta := syncmeta.NewStore(root, nil)
	store := docstore.NewMemory()
	svc := dbsync.New(dbsync.Config{
		Root:         root,
		Store:        store,
		Meta:         meta,
		ReleaseDelay: time.Hour,
	})
	t.Cleanup(svc.ReleaseAll)

	rec := &recorder{}
	d, err := New(Config{
		Root:         root,
		Store:        store,
		Meta:         meta,
		Sync:         svc,
		Tenants:      []string{"acme"},
		Notifier:     rec,
		Debounce:     debounce,
		ReleaseDelay: time.Hour,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return &env{d: d, svc: svc, store: store, root: root, meta: meta, rec: rec}
}

func (e *env) put(id, title, parent string, position int, body string) {
	doc := markdown.Doc(markdown.Paragraph(markdown.Text(body)))
	e.store.Put("acme", docstore.Page{
		ID:        id,
		Title:     title,
		ParentID:  parent,
		Position:  position,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Blocks:    docstore.BlocksFromDocument(doc),
	})
}

// synced runs a full sync and drops its locks, as if the release delay
// had passed.
func (e *env) synced(t *testing.T) {
	t.Helper()
	if _, err := e.svc.FullSync(context.Background(), "acme"); err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	e.svc.ReleaseAll()
}

func (e *env) abs(t *testing.T, rel string) string {
	t.Helper()
	abs, err := e.root.Resolve("acme", rel)
	if err != nil {
		t.Fatalf("Resolve(%s) failed: %v", rel, err)
	}
	return abs
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	if err := e.root.WriteFile("acme", rel, []byte(content)); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", rel, err)
	}
}

func (e *env) page(t *testing.T, id string) docstore.Page {
	t.Helper()
	p, err := e.store.GetPageWithBlocks(context.Background(), "acme", id)
	if err != nil {
		t.Fatalf("GetPageWithBlocks(%s) failed: %v", id, err)
	}
	return p
}

func (e *env) entry(t *testing.T, id string) (syncmeta.Entry, bool) {
	t.Helper()
	en, ok, err := e.meta.Entry("acme", id)
	if err != nil {
		t.Fatalf("Entry(%s) failed: %v", id, err)
	}
	return en, ok
}

func TestNew_Validation(t *testing.T) {
	root, _ := mirrorfs.New(t.TempDir())
	store := docstore.NewMemory()
	meta := syncmeta.NewStore(root, nil)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no root", Config{Store: store, Meta: meta}},
		{"no store", Config{Root: root, Meta: meta}},
		{"no meta", Config{Root: root, Store: store}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestHandleEvent_SuppressesEcho(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	if _, err := e.svc.FullSync(ctx, "acme"); err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	before := e.store.Mutations()

	// Locked by the write that produced it
	if err := e.d.HandleEvent(ctx, FileEvent{Path: e.abs(t, "Projects.md"), Op: OpChange}); err != nil {
		t.Fatalf("HandleEvent() failed: %v", err)
	}
	if got := e.store.Mutations(); got != before {
		t.Errorf("locked echo mutated the store: %d -> %d", before, got)
	}

	// Lock gone, content unchanged
	e.svc.ReleaseAll()
	if err := e.d.HandleEvent(ctx, FileEvent{Path: e.abs(t, "Projects.md"), Op: OpChange}); err != nil {
		t.Fatalf("HandleEvent() failed: %v", err)
	}
	if got := e.store.Mutations(); got != before {
		t.Errorf("unchanged file mutated the store: %d -> %d", before, got)
	}
}

func TestHandleChange_UpdatesPage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	e.synced(t)

	edited, err := markdown.Encode(
		markdown.Doc(markdown.Paragraph(markdown.Text("Edited body"))),
		markdown.EncodeOptions{
			IncludeFrontmatter: true,
			Metadata:           &markdown.PageMetadata{ID: "p1", Title: "Renamed", Icon: "rocket"},
		})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	e.write(t, "Projects.md", edited)

	if err := e.d.HandleChange(ctx, "acme", "Projects.md"); err != nil {
		t.Fatalf("HandleChange() failed: %v", err)
	}

	p := e.page(t, "p1")
	if p.Title != "Renamed" || p.Icon != "rocket" {
		t.Errorf("page = %q %q, want Renamed rocket", p.Title, p.Icon)
	}
	if got := markdown.PlainText(p.Document()); !strings.Contains(got, "Edited body") {
		t.Errorf("page text = %q", got)
	}
	en, ok := e.entry(t, "p1")
	if !ok || en.FilePath != "Projects.md" || en.ContentHash != syncmeta.Hash([]byte(edited)) {
		t.Errorf("entry = %+v", en)
	}
	if len(e.rec.changed) != 1 || e.rec.changed[0] != "p1" {
		t.Errorf("PageChanged calls = %v", e.rec.changed)
	}
}

func TestHandleChange_KeepsFieldsMissingFromFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.store.Put("acme", docstore.Page{ID: "p1", Title: "Projects", Icon: "folder"})
	e.synced(t)

	e.write(t, "Projects.md", "---\nid: p1\n---\n\nNew text\n")
	if err := e.d.HandleChange(ctx, "acme", "Projects.md"); err != nil {
		t.Fatalf("HandleChange() failed: %v", err)
	}
	p := e.page(t, "p1")
	if p.Title != "Projects" || p.Icon != "folder" {
		t.Errorf("page = %q %q, want the old title and icon", p.Title, p.Icon)
	}
}

func TestHandleChange_NoID(t *testing.T) {
	e := newEnv(t, 0)
	e.write(t, "Loose.md", "Just text\n")

	err := e.d.HandleChange(context.Background(), "acme", "Loose.md")
	if !errors.Is(err, ErrNoID) {
		t.Errorf("HandleChange() error = %v, want ErrNoID", err)
	}
	if e.store.Mutations() != 0 {
		t.Error("file without id mutated the store")
	}
}

func TestHandleChange_MalformedFrontmatter(t *testing.T) {
	e := newEnv(t, 0)
	content := "---\nid: [unclosed\n---\n\nbody\n"
	e.write(t, "Broken.md", content)

	if err := e.d.HandleChange(context.Background(), "acme", "Broken.md"); err != nil {
		t.Errorf("HandleChange() = %v, want nil", err)
	}
	data, _ := e.root.ReadFile("acme", "Broken.md")
	if string(data) != content {
		t.Error("malformed file was modified")
	}
	if e.store.Mutations() != 0 {
		t.Error("malformed file mutated the store")
	}
}

func TestHandleAdd_CreatesPage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	e.put("p2", "Alpha", "p1", 0, "Alpha body")
	e.synced(t)

	e.write(t, "Projects/Beta.md", "Beta body\n")
	if err := e.d.HandleAdd(ctx, "acme", "Projects/Beta.md"); err != nil {
		t.Fatalf("HandleAdd() failed: %v", err)
	}

	data, err := e.root.ReadFile("acme", "Projects/Beta.md")
	if err != nil {
		t.Fatal(err)
	}
	dec := markdown.Decode(string(data))
	id := dec.Metadata.ID
	if id == "" {
		t.Fatalf("page id was not written into the file:\n%s", data)
	}
	if !strings.Contains(string(data), "Beta body") {
		t.Errorf("body lost after id injection:\n%s", data)
	}

	p := e.page(t, id)
	if p.Title != "Beta" || p.ParentID != "p1" {
		t.Errorf("page = %+v, want title Beta under p1", p)
	}
	if got := markdown.PlainText(p.Document()); !strings.Contains(got, "Beta body") {
		t.Errorf("page text = %q", got)
	}
	en, ok := e.entry(t, id)
	if !ok || en.FilePath != "Projects/Beta.md" || en.ContentHash != syncmeta.Hash(data) {
		t.Errorf("entry = %+v", en)
	}
	if !e.d.locks.IsLocked(e.abs(t, "Projects/Beta.md")) {
		t.Error("id injection was not locked")
	}
	if len(e.rec.created) != 1 || e.rec.created[0] != id {
		t.Errorf("PageCreated calls = %v", e.rec.created)
	}

	// The write-back is an echo
	before := e.store.Mutations()
	if err := e.d.HandleAdd(ctx, "acme", "Projects/Beta.md"); err != nil {
		t.Fatalf("HandleAdd() failed: %v", err)
	}
	if e.store.Mutations() != before {
		t.Error("echo of the id write-back mutated the store")
	}
}

func TestHandleAdd_ParentFromLeafFolder(t *testing.T) {
	e := newEnv(t, 0)
	e.put("p1", "Alpha", "", 0, "x")
	e.synced(t)

	// Alpha.md has no children yet; its assets and children go in Alpha/
	e.write(t, "Alpha/Child.md", "---\ntitle: Child Page\n---\n\nhi\n")
	if err := e.d.HandleAdd(context.Background(), "acme", "Alpha/Child.md"); err != nil {
		t.Fatalf("HandleAdd() failed: %v", err)
	}
	data, _ := e.root.ReadFile("acme", "Alpha/Child.md")
	p := e.page(t, markdown.Decode(string(data)).Metadata.ID)
	if p.Title != "Child Page" || p.ParentID != "p1" {
		t.Errorf("page = %q parent %q", p.Title, p.ParentID)
	}
}

func TestHandleAdd_IndexTitleFromFolder(t *testing.T) {
	e := newEnv(t, 0)
	e.write(t, "Notes/_index.md", "Folder text\n")
	if err := e.d.HandleAdd(context.Background(), "acme", "Notes/_index.md"); err != nil {
		t.Fatalf("HandleAdd() failed: %v", err)
	}
	data, _ := e.root.ReadFile("acme", "Notes/_index.md")
	p := e.page(t, markdown.Decode(string(data)).Metadata.ID)
	if p.Title != "Notes" || p.ParentID != "" {
		t.Errorf("page = %q parent %q, want Notes at the root", p.Title, p.ParentID)
	}
}

func TestHandleAdd_UnknownIDCreatesPage(t *testing.T) {
	e := newEnv(t, 0)
	e.write(t, "Copied.md", "---\nid: gone\ntitle: Copied\n---\n\nx\n")
	if err := e.d.HandleAdd(context.Background(), "acme", "Copied.md"); err != nil {
		t.Fatalf("HandleAdd() failed: %v", err)
	}
	data, _ := e.root.ReadFile("acme", "Copied.md")
	id := markdown.Decode(string(data)).Metadata.ID
	if id == "gone" || id == "" {
		t.Fatalf("id = %q, want a fresh id", id)
	}
	if p := e.page(t, id); p.Title != "Copied" {
		t.Errorf("title = %q", p.Title)
	}
}

func TestHandleAdd_MovedFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	e.put("p2", "Alpha", "p1", 0, "Alpha body")
	e.put("p3", "Loose", "", 1, "Loose body")
	e.synced(t)

	if err := os.Rename(e.abs(t, "Loose.md"), e.abs(t, "Projects/Loose.md")); err != nil {
		t.Fatal(err)
	}
	if err := e.d.HandleAdd(ctx, "acme", "Projects/Loose.md"); err != nil {
		t.Fatalf("HandleAdd() failed: %v", err)
	}
	if p := e.page(t, "p3"); p.ParentID != "p1" {
		t.Errorf("parent = %q, want p1", p.ParentID)
	}
	if en, _ := e.entry(t, "p3"); en.FilePath != "Projects/Loose.md" {
		t.Errorf("entry path = %q", en.FilePath)
	}
	if len(e.rec.created) != 0 {
		t.Errorf("move created pages: %v", e.rec.created)
	}

	// The unlink half of the move no longer matches any entry
	if err := e.d.HandleUnlink(ctx, "acme", "Loose.md"); err != nil {
		t.Fatalf("HandleUnlink() failed: %v", err)
	}
	e.page(t, "p3")
}

func TestHandleAdd_CopiedFileCreatesPage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	e.put("p2", "Alpha", "p1", 0, "Alpha body")
	e.synced(t)

	original, err := e.root.ReadFile("acme", "Projects/Alpha.md")
	if err != nil {
		t.Fatal(err)
	}
	e.write(t, "Projects/Alpha copy.md", strings.Replace(string(original), "Alpha body", "my draft in the copy", 1))
	if err := e.d.HandleAdd(ctx, "acme", "Projects/Alpha copy.md"); err != nil {
		t.Fatalf("HandleAdd() failed: %v", err)
	}

	if got := markdown.PlainText(e.page(t, "p2").Document()); got != "Alpha body" {
		t.Errorf("p2 body = %q, want it untouched", got)
	}
	if en, _ := e.entry(t, "p2"); en.FilePath != "Projects/Alpha.md" {
		t.Errorf("p2 entry path = %q", en.FilePath)
	}
	if len(e.rec.created) != 1 {
		t.Fatalf("created pages = %v, want one", e.rec.created)
	}
	id := e.rec.created[0]
	cp := e.page(t, id)
	if cp.Title != "Alpha copy" || cp.ParentID != "p1" {
		t.Errorf("copy page = %q parent %q", cp.Title, cp.ParentID)
	}
	if got := markdown.PlainText(cp.Document()); got != "my draft in the copy" {
		t.Errorf("copy body = %q", got)
	}
	data, _ := e.root.ReadFile("acme", "Projects/Alpha copy.md")
	if dec := markdown.Decode(string(data)); dec.Metadata.ID != id {
		t.Errorf("copy file id = %q, want %q", dec.Metadata.ID, id)
	}

	// Both files survive the next full sync
	e.synced(t)
	if _, err := e.root.ReadFile("acme", "Projects/Alpha copy.md"); err != nil {
		t.Errorf("copy removed by full sync: %v", err)
	}
	data, _ = e.root.ReadFile("acme", "Projects/Alpha.md")
	if !bytes.Equal(data, original) {
		t.Errorf("Projects/Alpha.md changed:\n%s", data)
	}
	if files, _ := e.svc.Conflicts().ListFiles("acme"); len(files) != 0 {
		t.Errorf("copy produced conflict backups: %+v", files)
	}
}

func TestHandleChange_CopiedFileCreatesPage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	e.synced(t)

	e.write(t, "Projects copy.md", "---\nid: p1\ntitle: Projects\n---\n\nOther text\n")
	if err := e.d.HandleChange(ctx, "acme", "Projects copy.md"); err != nil {
		t.Fatalf("HandleChange() failed: %v", err)
	}
	if got := markdown.PlainText(e.page(t, "p1").Document()); got != "All projects" {
		t.Errorf("p1 body = %q, want it untouched", got)
	}
	if len(e.rec.created) != 1 || len(e.rec.changed) != 0 {
		t.Errorf("created = %v, changed = %v", e.rec.created, e.rec.changed)
	}
}

func TestHandleUnlink(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	e.put("p2", "Alpha", "p1", 0, "Alpha body")
	e.synced(t)

	if err := os.Remove(e.abs(t, "Projects/Alpha.md")); err != nil {
		t.Fatal(err)
	}
	if err := e.d.HandleUnlink(ctx, "acme", "Projects/Alpha.md"); err != nil {
		t.Fatalf("HandleUnlink() failed: %v", err)
	}
	if _, err := e.store.GetPageWithBlocks(ctx, "acme", "p2"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("page p2 still exists: %v", err)
	}
	if _, ok := e.entry(t, "p2"); ok {
		t.Error("entry of p2 was not removed")
	}
	if len(e.rec.deleted) != 1 || e.rec.deleted[0] != "p2" {
		t.Errorf("PageDeleted calls = %v", e.rec.deleted)
	}
}

func TestHandleUnlink_Unknown(t *testing.T) {
	e := newEnv(t, 0)
	if err := e.d.HandleUnlink(context.Background(), "acme", "Nothing.md"); err != nil {
		t.Errorf("HandleUnlink() = %v, want nil", err)
	}
	if e.store.Mutations() != 0 {
		t.Error("unknown unlink mutated the store")
	}
}

func TestHandleEvent_ChecksDisk(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	e.put("p1", "Projects", "", 0, "All projects")
	e.put("p2", "Other", "", 1, "Other body")
	e.synced(t)
	before := e.store.Mutations()

	// An unlink for a file that is back is an add, here an echo
	if err := e.d.HandleEvent(ctx, FileEvent{Path: e.abs(t, "Projects.md"), Op: OpUnlink}); err != nil {
		t.Fatalf("HandleEvent() failed: %v", err)
	}
	if e.store.Mutations() != before {
		t.Error("unlink of an existing file mutated the store")
	}
	e.page(t, "p1")

	// A change for a file that is gone is an unlink
	if err := os.Remove(e.abs(t, "Other.md")); err != nil {
		t.Fatal(err)
	}
	if err := e.d.HandleEvent(ctx, FileEvent{Path: e.abs(t, "Other.md"), Op: OpChange}); err != nil {
		t.Fatalf("HandleEvent() failed: %v", err)
	}
	if _, err := e.store.GetPageWithBlocks(ctx, "acme", "p2"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("page p2 still exists: %v", err)
	}
}

func TestHandleEvent_OutsideTenant(t *testing.T) {
	e := newEnv(t, 0)
	path := filepath.Join(e.root.Dir(), "README.md")
	if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.d.HandleEvent(context.Background(), FileEvent{Path: path, Op: OpAdd}); err != nil {
		t.Errorf("HandleEvent() = %v", err)
	}
	if e.store.Mutations() != 0 {
		t.Error("file outside a tenant mutated the store")
	}
}

func TestMergeOps(t *testing.T) {
	tests := []struct {
		prev, next, want EventOp
	}{
		{OpAdd, OpChange, OpAdd},
		{OpChange, OpAdd, OpChange},
		{OpChange, OpChange, OpChange},
		{OpAdd, OpUnlink, OpUnlink},
		{OpChange, OpUnlink, OpUnlink},
		{OpUnlink, OpAdd, OpAdd},
		{OpUnlink, OpChange, OpAdd},
	}
	for _, tt := range tests {
		if got := mergeOps(tt.prev, tt.next); got != tt.want {
			t.Errorf("mergeOps(%v, %v) = %v, want %v", tt.prev, tt.next, got, tt.want)
		}
	}
}

func TestResolveParent(t *testing.T) {
	m := syncmeta.New("acme")
	m.Set(syncmeta.Entry{ID: "proj", FilePath: "Projects/_index.md"})
	m.Set(syncmeta.Entry{ID: "alpha", FilePath: "Projects/Alpha.md"})

	tests := []struct {
		rel  string
		want string
	}{
		{"Top.md", ""},
		{"Projects/_index.md", ""},
		{"Projects/New.md", "proj"},
		{"Projects/Alpha/Child.md", "alpha"},
		{"Projects/Alpha/Deep/Child.md", "alpha"},
		{"Projects/Alpha/_index.md", "proj"},
		{"Other/Child.md", ""},
	}
	for _, tt := range tests {
		if got := resolveParent(m, tt.rel); got != tt.want {
			t.Errorf("resolveParent(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}

func TestTitleFromPath(t *testing.T) {
	tests := []struct {
		rel, want string
	}{
		{"Meeting Notes.md", "Meeting Notes"},
		{"Projects/Alpha.md", "Alpha"},
		{"Projects/_index.md", "Projects"},
		{"_index.md", "Untitled"},
		{".md", "Untitled"},
	}
	for _, tt := range tests {
		if got := titleFromPath(tt.rel); got != tt.want {
			t.Errorf("titleFromPath(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}

func TestSchedule_Debounces(t *testing.T) {
	e := newEnv(t, 20*time.Millisecond)
	e.write(t, "Inbox.md", "hello\n")
	path := e.abs(t, "Inbox.md")

	e.d.Schedule(FileEvent{Path: path, Op: OpAdd})
	e.d.Schedule(FileEvent{Path: path, Op: OpChange})
	e.d.Schedule(FileEvent{Path: path, Op: OpChange})
	if n := e.d.Pending(); n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		e.rec.mu.Lock()
		n := len(e.rec.created)
		e.rec.mu.Unlock()
		if n > 0 && e.d.Pending() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced add never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// One create and one block replacement
	if got := e.store.Mutations(); got != 2 {
		t.Errorf("Mutations() = %d, want 2", got)
	}
}

// TestDaemon_EndToEnd runs the daemon on a real watcher.
func TestDaemon_EndToEnd(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	e.put("p1", "Projects", "", 0, "All projects")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.d.Start(ctx) }()

	waitFor(t, "initial full sync", func() bool {
		_, err := os.Stat(e.abs(t, "Projects.md"))
		return err == nil
	})
	// Let the watcher register the tenant folder
	time.Sleep(200 * time.Millisecond)

	e.write(t, "Inbox.md", "---\ntitle: Inbox\n---\n\nTriage\n")
	waitFor(t, "page from new file", func() bool {
		pages, _ := e.store.ListPages(context.Background(), "acme")
		return len(pages) == 2
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
