package attach

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
)

func setup(t *testing.T) (*Store, *docstore.Memory, *mirrorfs.Root) {
	t.Helper()
	root, err := mirrorfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("mirrorfs.New() failed: %v", err)
	}
	mem := docstore.NewMemory()
	mem.Put("acme", docstore.Page{ID: "p1", Title: "Projects"})
	mem.Put("acme", docstore.Page{ID: "p2", Title: "Alpha", ParentID: "p1"})
	return New(root, mem, mem, nil), mem, root
}

func TestStoreAttachment(t *testing.T) {
	ctx := context.Background()
	s, mem, root := setup(t)

	got, err := s.StoreAttachment(ctx, "acme", "p2", "u1", "My Diagram.png", []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("StoreAttachment() failed: %v", err)
	}
	if got.RelativePath != "./Projects/Alpha/assets/My-Diagram.png" {
		t.Errorf("RelativePath = %q", got.RelativePath)
	}
	data, err := os.ReadFile(filepath.Join(root.Dir(), "acme", "Projects", "Alpha", "assets", "My-Diagram.png"))
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("stored file = %q, %v", data, err)
	}

	again, err := s.StoreAttachment(ctx, "acme", "p2", "u1", "My Diagram.png", []byte("other"), "image/png")
	if err != nil {
		t.Fatalf("second StoreAttachment() failed: %v", err)
	}
	if again.RelativePath != "./Projects/Alpha/assets/My-Diagram-2.png" {
		t.Errorf("collision RelativePath = %q", again.RelativePath)
	}

	recs, _ := mem.ListAttachments(ctx, "acme", "p2")
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	first := recs[0]
	// sha256("png-bytes")
	if len(first.Checksum) != 64 || first.Size != 9 || first.StoragePath != "acme/Projects/Alpha/assets/My-Diagram.png" {
		t.Errorf("record = %+v", first)
	}

	listed, err := s.ListAttachments(ctx, "acme", "p2")
	if err != nil || len(listed) != 2 || listed[0].RelativePath != got.RelativePath {
		t.Errorf("ListAttachments() = %+v, %v", listed, err)
	}
}

func TestStoreAttachment_FolderPage(t *testing.T) {
	s, _, _ := setup(t)
	got, err := s.StoreAttachment(context.Background(), "acme", "p1", "u1", "notes.txt", []byte("x"), "text/plain")
	if err != nil {
		t.Fatalf("StoreAttachment() failed: %v", err)
	}
	if got.RelativePath != "./Projects/assets/notes.txt" {
		t.Errorf("RelativePath = %q", got.RelativePath)
	}
}

func TestStoreAttachment_UnknownPage(t *testing.T) {
	s, _, _ := setup(t)
	if _, err := s.StoreAttachment(context.Background(), "acme", "nope", "u1", "a.png", nil, ""); err == nil {
		t.Error("StoreAttachment() for unknown page succeeded")
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"photo.png", "photo.png"},
		{"my photo  final.png", "my-photo-final.png"},
		{`a/b\c:d*e?f"g<h>i|j.txt`, "a-b-c-d-e-f-g-h-i-j.txt"},
		{".env", "env"},
		{"", "file"},
		{strings.Repeat("x", 250) + ".png", strings.Repeat("x", 200)},
	}
	for _, tt := range tests {
		if got := SanitizeFileName(tt.in); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRewriteAssetRefs(t *testing.T) {
	doc := markdown.Doc(
		&markdown.Node{Type: markdown.NodeImage, Attrs: markdown.Attrs{Src: "./Old/assets/a.png"}},
		markdown.Paragraph(
			markdown.Text("file", markdown.Link("./Old/assets/doc.pdf")),
			markdown.Text("site", markdown.Link("https://example.com/Old/assets/x")),
		),
		&markdown.Node{Type: markdown.NodeImage, Attrs: markdown.Attrs{Src: "./Older/assets/b.png"}},
	)

	if !RewriteAssetRefs(doc, "Old", "New/Place") {
		t.Fatal("RewriteAssetRefs() reported no change")
	}
	if src := doc.Content[0].Attrs.Src; src != "./New/Place/assets/a.png" {
		t.Errorf("image src = %q", src)
	}
	if href := doc.Content[1].Content[0].Marks[0].Attrs.Href; href != "./New/Place/assets/doc.pdf" {
		t.Errorf("link href = %q", href)
	}
	if href := doc.Content[1].Content[1].Marks[0].Attrs.Href; href != "https://example.com/Old/assets/x" {
		t.Errorf("external link rewritten: %q", href)
	}
	if src := doc.Content[2].Attrs.Src; src != "./Older/assets/b.png" {
		t.Errorf("unrelated prefix rewritten: %q", src)
	}
	if RewriteAssetRefs(doc, "Old", "New/Place") {
		t.Error("second RewriteAssetRefs() reported a change")
	}
}

func TestMoveAssets(t *testing.T) {
	root, err := mirrorfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := root.WriteFile("acme", "Old/assets/a.png", []byte("a")); err != nil {
		t.Fatal(err)
	}

	moved, err := MoveAssets(root, "acme", "Old", "Parent/New")
	if err != nil || !moved {
		t.Fatalf("MoveAssets() = %v, %v", moved, err)
	}
	if _, err := root.ReadFile("acme", "Parent/New/assets/a.png"); err != nil {
		t.Errorf("moved file missing: %v", err)
	}

	// Merge keeps files already at the destination
	if err := root.WriteFile("acme", "Other/assets/a.png", []byte("other")); err != nil {
		t.Fatal(err)
	}
	if err := root.WriteFile("acme", "Other/assets/b.png", []byte("b")); err != nil {
		t.Fatal(err)
	}
	moved, err = MoveAssets(root, "acme", "Other", "Parent/New")
	if err != nil || !moved {
		t.Fatalf("merging MoveAssets() = %v, %v", moved, err)
	}
	if data, _ := root.ReadFile("acme", "Parent/New/assets/a.png"); string(data) != "a" {
		t.Errorf("existing file overwritten: %q", data)
	}
	if _, err := root.ReadFile("acme", "Parent/New/assets/b.png"); err != nil {
		t.Errorf("merged file missing: %v", err)
	}

	moved, err = MoveAssets(root, "acme", "Nothing", "Else")
	if err != nil || moved {
		t.Errorf("MoveAssets(missing) = %v, %v", moved, err)
	}
}
