package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
)

// openTestStore opens a store in a temporary directory
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"pages", "blocks", "attachments"} {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	// Initialize schema again
	if err := s.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestPageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	parent, err := s.CreatePage(ctx, "acme", docstore.NewPage{Title: "Projects", Icon: "folder"})
	if err != nil {
		t.Fatalf("CreatePage() failed: %v", err)
	}
	child, err := s.CreatePage(ctx, "acme", docstore.NewPage{Title: "Alpha", ParentID: parent.ID, Position: 2})
	if err != nil {
		t.Fatalf("CreatePage() failed: %v", err)
	}

	doc := markdown.Doc(
		markdown.Heading(1, markdown.Text("Alpha")),
		markdown.Paragraph(markdown.Text("bold", markdown.Mark{Type: markdown.MarkBold})),
		&markdown.Node{Type: markdown.NodeCodeBlock, Attrs: markdown.Attrs{Language: "go"},
			Content: []*markdown.Node{markdown.Text("x := 1")}},
	)
	if err := s.ReplacePageBlocks(ctx, "acme", child.ID, doc); err != nil {
		t.Fatalf("ReplacePageBlocks() failed: %v", err)
	}

	got, err := s.GetPageWithBlocks(ctx, "acme", child.ID)
	if err != nil {
		t.Fatalf("GetPageWithBlocks() failed: %v", err)
	}
	if got.Title != "Alpha" || got.ParentID != parent.ID || got.Position != 2 {
		t.Errorf("GetPageWithBlocks() = %+v", got)
	}
	if len(got.Blocks) != 3 || got.Blocks[2].Type != docstore.BlockCode {
		t.Fatalf("Blocks = %+v", got.Blocks)
	}
	if diff := cmp.Diff(doc, got.Document()); diff != "" {
		t.Errorf("Document() mismatch (-want +got):\n%s", diff)
	}

	// Replacing again drops the old blocks
	if err := s.ReplacePageBlocks(ctx, "acme", child.ID, markdown.Doc(markdown.Paragraph(markdown.Text("only")))); err != nil {
		t.Fatalf("ReplacePageBlocks() failed: %v", err)
	}
	c, err := s.Counts(ctx, "acme")
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if c != (Counts{Pages: 2, Blocks: 1}) {
		t.Errorf("Counts() = %+v", c)
	}

	title := "Alpha Renamed"
	updated, err := s.UpdatePage(ctx, "acme", child.ID, docstore.PageUpdate{Title: &title})
	if err != nil {
		t.Fatalf("UpdatePage() failed: %v", err)
	}
	if updated.Title != title || updated.ParentID != parent.ID || len(updated.Blocks) != 1 {
		t.Errorf("UpdatePage() = %+v", updated)
	}

	pages, err := s.ListPages(ctx, "acme")
	if err != nil {
		t.Fatalf("ListPages() failed: %v", err)
	}
	if len(pages) != 2 || pages[0].ID != parent.ID {
		t.Fatalf("ListPages() = %+v", pages)
	}
	if pages[0].Icon != "folder" || len(pages[1].Blocks) != 1 {
		t.Errorf("ListPages() lost fields: %+v", pages)
	}

	if others, _ := s.ListPages(ctx, "other"); len(others) != 0 {
		t.Errorf("ListPages(other) = %v", others)
	}
}

func TestDeletePage_ReparentsChildren(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	parent, _ := s.CreatePage(ctx, "acme", docstore.NewPage{Title: "Projects"})
	child, _ := s.CreatePage(ctx, "acme", docstore.NewPage{Title: "Alpha", ParentID: parent.ID})
	if err := s.ReplacePageBlocks(ctx, "acme", parent.ID, markdown.Doc(markdown.Paragraph(markdown.Text("x")))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAttachment(ctx, docstore.Attachment{
		TenantID: "acme", PageID: parent.ID, FileName: "a.png", StoragePath: "./Projects/assets/a.png", Checksum: "c", Size: 1,
	}); err != nil {
		t.Fatalf("CreateAttachment() failed: %v", err)
	}

	if err := s.DeletePage(ctx, "acme", parent.ID); err != nil {
		t.Fatalf("DeletePage() failed: %v", err)
	}

	got, err := s.GetPageWithBlocks(ctx, "acme", child.ID)
	if err != nil {
		t.Fatalf("child lost: %v", err)
	}
	if got.ParentID != "" {
		t.Errorf("child ParentID = %q, want root", got.ParentID)
	}
	c, _ := s.Counts(ctx, "acme")
	if c != (Counts{Pages: 1}) {
		t.Errorf("Counts() after delete = %+v", c)
	}

	if err := s.DeletePage(ctx, "acme", parent.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("second DeletePage() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetPageWithBlocks(ctx, "acme", parent.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("GetPageWithBlocks() error = %v, want ErrNotFound", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p, _ := s.CreatePage(ctx, "acme", docstore.NewPage{Title: "Secret"})
	if _, err := s.GetPageWithBlocks(ctx, "other", p.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("cross-tenant get error = %v", err)
	}
	if err := s.ReplacePageBlocks(ctx, "other", p.ID, markdown.Doc()); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("cross-tenant replace error = %v", err)
	}
	if err := s.DeletePage(ctx, "other", p.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("cross-tenant delete error = %v", err)
	}
}

func TestAttachments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p, _ := s.CreatePage(ctx, "acme", docstore.NewPage{Title: "Page"})

	a, err := s.CreateAttachment(ctx, docstore.Attachment{
		TenantID: "acme", PageID: p.ID, UserID: "u1", FileName: "diagram.png",
		MimeType: "image/png", StoragePath: "./Page/assets/diagram.png", Checksum: "abc", Size: 42,
	})
	if err != nil {
		t.Fatalf("CreateAttachment() failed: %v", err)
	}

	list, err := s.ListAttachments(ctx, "acme", p.ID)
	if err != nil {
		t.Fatalf("ListAttachments() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListAttachments() = %+v", list)
	}
	if diff := cmp.Diff(a, list[0]); diff != "" {
		t.Errorf("attachment mismatch (-want +got):\n%s", diff)
	}

	all, _ := s.ListAttachments(ctx, "acme", "")
	if len(all) != 1 {
		t.Errorf("ListAttachments(all) = %+v", all)
	}
}

func TestInsertPage_KeepsIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p, err := s.InsertPage(ctx, docstore.Page{ID: "p1", TenantID: "acme", Title: "Imported", SpaceType: "team"})
	if err != nil {
		t.Fatalf("InsertPage() failed: %v", err)
	}
	if p.CreatedAt.IsZero() || !p.UpdatedAt.Equal(p.CreatedAt) {
		t.Errorf("InsertPage() timestamps = %v / %v", p.CreatedAt, p.UpdatedAt)
	}
	got, err := s.GetPageWithBlocks(ctx, "acme", "p1")
	if err != nil || got.SpaceType != "team" {
		t.Errorf("GetPageWithBlocks() = %+v, %v", got, err)
	}
}

func TestClose(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	// Closing twice is safe
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
