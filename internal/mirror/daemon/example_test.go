package daemon_test

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/daemon"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

// Example_newFile shows a file written into the mirror becoming a page.
// The new page id is written back into the file's frontmatter.
func Example_newFile() {
	dir, err := os.MkdirTemp("", "daemon-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	root, err := mirrorfs.New(dir)
	if err != nil {
		log.Fatal(err)
	}
	store := docstore.NewMemory()
	quiet := slog.New(slog.DiscardHandler)

	d, err := daemon.New(daemon.Config{
		Root:   root,
		Store:  store,
		Meta:   syncmeta.NewStore(root, quiet),
		Logger: quiet,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer d.Stop()

	if err := root.WriteFile("acme", "Ideas.md", []byte("Try the **new** layout.\n")); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := d.HandleAdd(ctx, "acme", "Ideas.md"); err != nil {
		log.Fatal(err)
	}

	pages, err := store.ListPages(ctx, "acme")
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range pages {
		fmt.Printf("page %q: %s\n", p.Title, markdown.PlainText(p.Document()))
	}

	data, err := root.ReadFile("acme", "Ideas.md")
	if err != nil {
		log.Fatal(err)
	}
	dec := markdown.Decode(string(data))
	fmt.Println("id written back:", dec.Metadata.ID == pages[0].ID)

	// Output:
	// page "Ideas": Try the new layout.
	// id written back: true
}
