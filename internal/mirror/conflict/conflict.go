// Package conflict detects unseen edits in the mirror and keeps a copy of
// content that is about to be overwritten.
//
// The policy is fixed: the side that is about to write always wins. Before
// it writes, it asks the Detector whether the target diverged from the last
// synced hash and, if so, saves the current content as
// "<base>.conflict.<timestamp><ext>" next to the original.
package conflict

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

// Source names the side whose content lost.
type Source string

const (
	// SourceDB marks content that came from the document store.
	SourceDB Source = "db"
	// SourceFS marks content that was on disk.
	SourceFS Source = "fs"
)

// DefaultLogSize is the default capacity of the conflict log.
const DefaultLogSize = 100

// isoLayout is the instant format embedded in backup names, before ':' and
// '.' are replaced by '-'.
const isoLayout = "2006-01-02T15:04:05.000Z"

var stampReplacer = strings.NewReplacer(":", "-", ".", "-")

func stamp(t time.Time) string {
	return stampReplacer.Replace(t.UTC().Format(isoLayout))
}

// parseStamp reverses stamp.
func parseStamp(s string) (time.Time, bool) {
	if len(s) != len(isoLayout) {
		return time.Time{}, false
	}
	iso := s[:13] + ":" + s[14:16] + ":" + s[17:19] + "." + s[20:]
	t, err := time.Parse(isoLayout, iso)
	return t, err == nil
}

// Info describes one backup.
type Info struct {
	PageID           string    `json:"pageId"`
	FilePath         string    `json:"filePath"`
	ConflictFilePath string    `json:"conflictFilePath"`
	Timestamp        time.Time `json:"timestamp"`
	Source           Source    `json:"source"`
}

// File is a backup found on disk.
type File struct {
	Path         string    `json:"path"`
	OriginalPath string    `json:"originalPath"`
	Size         int64     `json:"size"`
	Created      time.Time `json:"created"`
}

// Options configures a Detector.
type Options struct {
	// LogSize caps the in-memory conflict log. Default 100.
	LogSize int
	Logger  *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Detector checks files against the sync metadata and writes backups.
type Detector struct {
	root   *mirrorfs.Root
	meta   *syncmeta.Store
	logger *slog.Logger
	now    func() time.Time
	size   int

	mu  sync.Mutex
	log []Info
}

// NewDetector creates a Detector.
func NewDetector(meta *syncmeta.Store, opts Options) *Detector {
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		root:   meta.Root(),
		meta:   meta,
		logger: opts.Logger.With("component", "conflict"),
		now:    opts.Now,
		size:   opts.LogSize,
	}
}

// HasFileChanged reports whether the file recorded for pageID no longer
// matches the recorded hash. A page without an entry, or whose file cannot
// be read, has not changed.
func (d *Detector) HasFileChanged(tenant, pageID string) (bool, error) {
	e, ok, err := d.meta.Entry(tenant, pageID)
	if err != nil || !ok {
		return false, err
	}
	changed, _ := d.Diverged(tenant, e)
	return changed, nil
}

// Diverged compares the file named by e with its recorded hash and returns
// the current content when they differ.
func (d *Detector) Diverged(tenant string, e syncmeta.Entry) (bool, []byte) {
	data, err := d.root.ReadFile(tenant, e.FilePath)
	if err != nil {
		return false, nil
	}
	if syncmeta.Hash(data) == e.ContentHash {
		return false, nil
	}
	return true, data
}

// CreateBackup writes content next to relPath as a conflict file and
// records it in the log.
func (d *Detector) CreateBackup(tenant, pageID, relPath string, content []byte, src Source) (Info, error) {
	now := d.now().UTC()
	dir, file := path.Split(relPath)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	ts := stamp(now)

	name := base + ".conflict." + ts + ext
	abs, err := d.root.Resolve(tenant, dir+name)
	if err != nil {
		return Info{}, err
	}
	for i := 2; exists(abs); i++ {
		name = base + ".conflict." + ts + "-" + strconv.Itoa(i) + ext
		if abs, err = d.root.Resolve(tenant, dir+name); err != nil {
			return Info{}, err
		}
	}

	if err := mirrorfs.AtomicWrite(abs, content); err != nil {
		return Info{}, fmt.Errorf("failed to write conflict backup: %w", err)
	}

	info := Info{
		PageID:           pageID,
		FilePath:         relPath,
		ConflictFilePath: dir + name,
		Timestamp:        now,
		Source:           src,
	}

	d.mu.Lock()
	d.log = append(d.log, info)
	if len(d.log) > d.size {
		d.log = append(d.log[:0:0], d.log[len(d.log)-d.size:]...)
	}
	d.mu.Unlock()

	d.logger.Warn("Sync conflict",
		"tenant", tenant,
		"page", pageID,
		"source", string(src),
		"backup", info.ConflictFilePath)
	return info, nil
}

// Recent returns logged conflicts, newest first.
func (d *Detector) Recent() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Info, len(d.log))
	for i, c := range d.log {
		out[len(d.log)-1-i] = c
	}
	return out
}

// Clear empties the conflict log.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = nil
}

var backupName = regexp.MustCompile(`^(.+)\.conflict\.([0-9T-]+Z)(?:-\d+)?(\.[^.]*)?$`)

// ListFiles walks the tenant tree for conflict backups, sorted by path.
func (d *Detector) ListFiles(tenant string) ([]File, error) {
	base, err := d.root.TenantDir(tenant)
	if err != nil {
		return nil, err
	}

	var out []File
	err = filepath.WalkDir(base, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if p == base && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return nil
		}
		if de.IsDir() || !mirrorfs.IsConflictFile(p) || mirrorfs.IsTempFile(p) {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(base, p)
		f := File{Path: filepath.ToSlash(rel), Size: info.Size(), Created: info.ModTime().UTC()}
		if m := backupName.FindStringSubmatch(de.Name()); m != nil {
			f.OriginalPath = path.Join(path.Dir(f.Path), m[1]+m[3])
			if ts, ok := parseStamp(m[2]); ok {
				f.Created = ts
			}
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict files: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
