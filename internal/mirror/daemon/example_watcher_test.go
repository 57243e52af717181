package daemon_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/daemon"
)

// ExampleFileWatcher watches a mirror root. Side-cars, temp files and
// conflict backups never produce events.
func ExampleFileWatcher() {
	root, err := os.MkdirTemp("", "watcher-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)

	tenant := filepath.Join(root, "acme")
	if err := os.MkdirAll(tenant, 0o755); err != nil {
		log.Fatal(err)
	}

	fw, err := daemon.NewFileWatcher()
	if err != nil {
		log.Fatal(err)
	}
	defer fw.Stop()

	if err := fw.Start(root); err != nil {
		log.Fatal(err)
	}

	for _, name := range []string{
		".skb-meta.json",
		"Notes.md.tmp.42",
		"Notes.conflict.2024-01-01T00-00-00-000Z.md",
		"Notes.md",
	} {
		if err := os.WriteFile(filepath.Join(tenant, name), []byte("x\n"), 0o644); err != nil {
			log.Fatal(err)
		}
	}

	select {
	case ev := <-fw.Events():
		fmt.Printf("%s: %s\n", ev.Op, filepath.Base(ev.Path))
	case <-time.After(5 * time.Second):
		fmt.Println("no event")
	}

	// Output:
	// add: Notes.md
}
