// Package daemon provides file system watching for the mirror and applies
// edits made there to the document store.
//
// # Architecture
//
// The daemon consists of two components:
//
//   - FileWatcher: recursive fsnotify watcher over the mirror root
//   - Daemon: debounces events per path and dispatches them to handlers
//
// # File Watching
//
// The FileWatcher reports add, change and unlink events for Markdown files.
// Dotfolders and assets folders are never watched, and temp files, the
// metadata side-car and conflict backups are filtered out:
//
//	fw, err := daemon.NewFileWatcher()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fw.Stop()
//
//	if err := fw.Start("/srv/mirror"); err != nil {
//	    log.Fatal(err)
//	}
//
//	for ev := range fw.Events() {
//	    fmt.Println(ev.Op, ev.Path)
//	}
//
// # Debouncing
//
// Each path has its own timer. A new event restarts it and is merged with
// the pending one: an unlink replaces anything, an add stays an add, and a
// file that reappears after an unlink is handled as an add. Unlinks wait
// twice the debounce so that the create half of a rename is seen first.
//
// # Echo Suppression
//
// Files written by the DB→FS side are locked until shortly after the write.
// An event on a locked path is dropped. A file whose hash still matches the
// one recorded at the last sync is also left alone.
//
// # Handlers
//
//   - change: the frontmatter id names the page; title, icon and blocks are
//     updated and the metadata entry is refreshed
//   - add: a known id is handled as a change, which also covers moves and
//     editors that save by rename; otherwise a page is created and its id is
//     written back into the file
//   - unlink: the page recorded for the path is deleted
//
// Files with malformed frontmatter are left untouched with a warning.
package daemon
