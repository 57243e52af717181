package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
)

func TestBlockType(t *testing.T) {
	tests := []struct {
		node markdown.NodeType
		want string
	}{
		{markdown.NodeParagraph, BlockParagraph},
		{markdown.NodeHeading, BlockParagraph},
		{markdown.NodeBulletList, BlockBulletedList},
		{markdown.NodeOrderedList, BlockNumberedList},
		{markdown.NodeTaskList, BlockTodo},
		{markdown.NodeCodeBlock, BlockCode},
		{markdown.NodeHorizontalRule, BlockDivider},
		{markdown.NodeTable, BlockTable},
		{markdown.NodeWikilink, BlockParagraph},
		{"mystery", BlockParagraph},
	}
	for _, tt := range tests {
		if got := BlockType(tt.node); got != tt.want {
			t.Errorf("BlockType(%s) = %s, want %s", tt.node, got, tt.want)
		}
	}
}

func TestDocumentJoinsBlocksByPosition(t *testing.T) {
	h := markdown.Heading(1, markdown.Text("Title"))
	p1 := markdown.Paragraph(markdown.Text("one"))
	p2 := markdown.Paragraph(markdown.Text("two"))

	page := Page{Blocks: []Block{
		{Position: 2, Content: p2},
		{Position: 0, Content: h},
		{Position: 1, Content: markdown.Doc(p1)},
		{Position: 3},
	}}
	want := markdown.Doc(h, p1, p2)
	if diff := cmp.Diff(want, page.Document()); diff != "" {
		t.Errorf("Document() mismatch (-want +got):\n%s", diff)
	}
}

func TestBlocksFromDocument(t *testing.T) {
	doc := markdown.Doc(
		markdown.Heading(2, markdown.Text("H")),
		&markdown.Node{Type: markdown.NodeHorizontalRule},
		markdown.Paragraph(markdown.Text("p")),
	)
	blocks := BlocksFromDocument(doc)
	if len(blocks) != 3 {
		t.Fatalf("BlocksFromDocument() = %d blocks", len(blocks))
	}
	for i, b := range blocks {
		if b.Position != i {
			t.Errorf("block %d position = %d", i, b.Position)
		}
	}
	if blocks[1].Type != BlockDivider {
		t.Errorf("block 1 type = %s", blocks[1].Type)
	}
	if diff := cmp.Diff(doc, Page{Blocks: blocks}.Document()); diff != "" {
		t.Errorf("split/join mismatch (-want +got):\n%s", diff)
	}
}

func TestMemory_CRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	parent, err := m.CreatePage(ctx, "acme", NewPage{Title: "Projects"})
	if err != nil {
		t.Fatalf("CreatePage() failed: %v", err)
	}
	child, err := m.CreatePage(ctx, "acme", NewPage{Title: "Alpha", ParentID: parent.ID, Position: 1})
	if err != nil {
		t.Fatalf("CreatePage() failed: %v", err)
	}

	doc := markdown.Doc(markdown.Paragraph(markdown.Text("body")))
	if err := m.ReplacePageBlocks(ctx, "acme", child.ID, doc); err != nil {
		t.Fatalf("ReplacePageBlocks() failed: %v", err)
	}
	doc.Content[0].Content[0].Text = "mutated"

	got, err := m.GetPageWithBlocks(ctx, "acme", child.ID)
	if err != nil {
		t.Fatalf("GetPageWithBlocks() failed: %v", err)
	}
	if text := markdown.PlainText(got.Document()); text != "body" {
		t.Errorf("stored content = %q, store kept a reference to the caller's tree", text)
	}

	title := "Renamed"
	updated, err := m.UpdatePage(ctx, "acme", child.ID, PageUpdate{Title: &title})
	if err != nil || updated.Title != "Renamed" || updated.ParentID != parent.ID {
		t.Errorf("UpdatePage() = %+v, %v", updated, err)
	}

	if _, err := m.GetPageWithBlocks(ctx, "other", child.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant get error = %v, want ErrNotFound", err)
	}

	if err := m.DeletePage(ctx, "acme", parent.ID); err != nil {
		t.Fatalf("DeletePage() failed: %v", err)
	}
	orphan, _ := m.GetPageWithBlocks(ctx, "acme", child.ID)
	if orphan.ParentID != "" {
		t.Errorf("child ParentID = %q after parent delete, want root", orphan.ParentID)
	}
	if err := m.DeletePage(ctx, "acme", parent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeletePage() error = %v", err)
	}
	if got := m.Mutations(); got != 5 {
		t.Errorf("Mutations() = %d, want 5", got)
	}
}

func TestMemory_Attachments(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put("acme", Page{ID: "p1", Title: "Page"})

	a, err := m.CreateAttachment(ctx, Attachment{TenantID: "acme", PageID: "p1", FileName: "a.png"})
	if err != nil || a.ID == "" || a.CreatedAt.IsZero() {
		t.Fatalf("CreateAttachment() = %+v, %v", a, err)
	}
	list, _ := m.ListAttachments(ctx, "acme", "p1")
	if len(list) != 1 {
		t.Fatalf("ListAttachments() = %v", list)
	}
	if err := m.DeletePage(ctx, "acme", "p1"); err != nil {
		t.Fatal(err)
	}
	list, _ = m.ListAttachments(ctx, "acme", "")
	if len(list) != 0 {
		t.Errorf("attachments survived page delete: %v", list)
	}
}
