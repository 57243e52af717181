package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/paths"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpAdd indicates a new file appeared.
	OpAdd EventOp = iota
	// OpChange indicates an existing file was modified.
	OpChange
	// OpUnlink indicates a file was removed or renamed away.
	OpUnlink
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	case OpUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// FileEvent represents a file system event for a Markdown file in the mirror.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches a mirror root and every folder below it.
// Folders created while running are added as they appear.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	root    string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching root recursively. The root is created if missing.
func (fw *FileWatcher) Start(root string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create mirror root %s: %w", root, err)
	}
	fw.root = filepath.Clean(root)
	if err := fw.addTree(fw.root); err != nil {
		return err
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// addTree watches dir and every folder below it that is not skipped.
func (fw *FileWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != fw.root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", p, err)
		}
		return nil
	})
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			for _, fe := range fw.convertEvent(event) {
				select {
				case fw.events <- fe:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event into zero or more FileEvents.
// A folder moved into the tree yields an add for every Markdown file in it.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) []FileEvent {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !fw.watched(event.Name) || skipDir(filepath.Base(event.Name)) {
				return nil
			}
			if err := fw.addTree(event.Name); err != nil {
				fw.sendErr(err)
			}
			return fw.scan(event.Name)
		}
	}

	if !fw.watched(event.Name) || !strings.HasSuffix(event.Name, ".md") {
		return nil
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpAdd
	case event.Has(fsnotify.Write):
		op = OpChange
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as its own create
		op = OpUnlink
	default:
		return nil
	}

	return []FileEvent{{Path: event.Name, Op: op}}
}

// scan lists the Markdown files below a newly created folder.
func (fw *FileWatcher) scan(dir string) []FileEvent {
	var out []FileEvent
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(p, ".md") && !mirrorfs.ShouldIgnore(p) {
			out = append(out, FileEvent{Path: p, Op: OpAdd})
		}
		return nil
	})
	return out
}

// watched reports whether p is inside the root and outside every skipped
// folder, and is not itself an ignored name.
func (fw *FileWatcher) watched(p string) bool {
	rel, err := filepath.Rel(fw.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, part := range parts[:len(parts)-1] {
		if skipDir(part) {
			return false
		}
	}
	return !mirrorfs.ShouldIgnore(p)
}

func (fw *FileWatcher) sendErr(err error) {
	select {
	case fw.errors <- err:
	default:
	}
}

// skipDir reports whether a folder is never watched: dotfolders and asset
// folders.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == paths.AssetsDir
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}
