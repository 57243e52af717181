package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TestNewFileWatcher verifies that creating a new FileWatcher succeeds.
func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}

	root := filepath.Join(t.TempDir(), "mirror")
	if err := fw.Start(root); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("Start() did not create the root: %v", err)
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestFileWatcher_StartAlreadyRunning(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	root := t.TempDir()
	if err := fw.Start(root); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := fw.Start(root); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestConvertEvent(t *testing.T) {
	root := t.TempDir()
	fw := &FileWatcher{root: root}
	p := func(rel string) string { return filepath.Join(root, filepath.FromSlash(rel)) }

	tests := []struct {
		name  string
		event fsnotify.Event
		want  []FileEvent
	}{
		{"create", fsnotify.Event{Name: p("acme/A.md"), Op: fsnotify.Create}, []FileEvent{{Path: p("acme/A.md"), Op: OpAdd}}},
		{"write", fsnotify.Event{Name: p("acme/A.md"), Op: fsnotify.Write}, []FileEvent{{Path: p("acme/A.md"), Op: OpChange}}},
		{"remove", fsnotify.Event{Name: p("acme/A.md"), Op: fsnotify.Remove}, []FileEvent{{Path: p("acme/A.md"), Op: OpUnlink}}},
		{"rename", fsnotify.Event{Name: p("acme/A.md"), Op: fsnotify.Rename}, []FileEvent{{Path: p("acme/A.md"), Op: OpUnlink}}},
		{"chmod", fsnotify.Event{Name: p("acme/A.md"), Op: fsnotify.Chmod}, nil},
		{"not markdown", fsnotify.Event{Name: p("acme/A.txt"), Op: fsnotify.Write}, nil},
		{"temp file", fsnotify.Event{Name: p("acme/A.md.tmp.42"), Op: fsnotify.Create}, nil},
		{"dotfile", fsnotify.Event{Name: p("acme/.A.md"), Op: fsnotify.Write}, nil},
		{"meta", fsnotify.Event{Name: p("acme/.skb-meta.json"), Op: fsnotify.Write}, nil},
		{"conflict backup", fsnotify.Event{Name: p("acme/A.conflict.2024-01-01T00-00-00-000Z.md"), Op: fsnotify.Create}, nil},
		{"in assets", fsnotify.Event{Name: p("acme/A/assets/notes.md"), Op: fsnotify.Create}, nil},
		{"in dotfolder", fsnotify.Event{Name: p("acme/.git/x.md"), Op: fsnotify.Write}, nil},
		{"outside root", fsnotify.Event{Name: filepath.Join(filepath.Dir(root), "x.md"), Op: fsnotify.Write}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fw.convertEvent(tt.event)
			if len(got) != len(tt.want) {
				t.Fatalf("convertEvent() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("convertEvent()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpAdd, "add"},
		{OpChange, "change"},
		{OpUnlink, "unlink"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

// TestFileWatcher_NewFolder verifies that folders created while running are
// watched and that Markdown files already inside them are reported.
func TestFileWatcher_NewFolder(t *testing.T) {
	root := t.TempDir()
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()
	if err := fw.Start(root); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	dir := filepath.Join(root, "acme", "Projects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher time to pick up the new folders
	time.Sleep(200 * time.Millisecond)

	file := filepath.Join(dir, "Alpha.md")
	if err := os.WriteFile(file, []byte("# Alpha\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			if ev.Path == file {
				return
			}
		case err := <-fw.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-timeout:
			t.Fatal("no event for a file in a new folder")
		}
	}
}
