// Package attach stores uploaded files in the per-page asset folders of the
// mirror and keeps Markdown references to them valid when pages move.
//
// A page's assets live in "<dirPath>/assets/" where dirPath is the folder
// the path planner assigns to the page. Pages reference them with
// "./<dirPath>/assets/<name>".
package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/paths"
)

// maxNameLen caps sanitized file names, in runes.
const maxNameLen = 200

// Stored describes a stored upload.
type Stored struct {
	// RelativePath is the reference to put in Markdown.
	RelativePath string `json:"relativePath"`
	AttachmentID string `json:"attachmentId"`
	AbsPath      string `json:"-"`
}

// Listed is an attachment record with its Markdown reference.
type Listed struct {
	docstore.Attachment
	RelativePath string `json:"relativePath"`
}

// Store writes uploads below the mirror root and records them.
type Store struct {
	root    *mirrorfs.Root
	pages   docstore.Store
	records docstore.AttachmentRecorder
	logger  *slog.Logger
}

// New creates a Store. A nil logger uses slog.Default.
func New(root *mirrorfs.Root, pages docstore.Store, records docstore.AttachmentRecorder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:    root,
		pages:   pages,
		records: records,
		logger:  logger.With("component", "attach"),
	}
}

// StoreAttachment writes data into the page's asset folder and records it.
// The folder is planned from the tenant's full page set.
func (s *Store) StoreAttachment(ctx context.Context, tenant, pageID, userID, fileName string, data []byte, mimeType string) (Stored, error) {
	pages, err := s.pages.ListPages(ctx, tenant)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to list pages: %w", err)
	}
	resolved, ok := docstore.Plan(pages)[pageID]
	if !ok {
		return Stored{}, fmt.Errorf("page %s: %w", pageID, docstore.ErrNotFound)
	}

	dir := path.Join(resolved.DirPath, paths.AssetsDir)
	name, abs, err := s.freeName(tenant, dir, SanitizeFileName(fileName))
	if err != nil {
		return Stored{}, err
	}
	if err := mirrorfs.AtomicWrite(abs, data); err != nil {
		return Stored{}, fmt.Errorf("failed to write attachment: %w", err)
	}

	sum := sha256.Sum256(data)
	rec, err := s.records.CreateAttachment(ctx, docstore.Attachment{
		TenantID:    tenant,
		PageID:      pageID,
		UserID:      userID,
		FileName:    name,
		MimeType:    mimeType,
		StoragePath: path.Join(tenant, dir, name),
		Checksum:    hex.EncodeToString(sum[:]),
		Size:        int64(len(data)),
	})
	if err != nil {
		os.Remove(abs)
		return Stored{}, fmt.Errorf("failed to record attachment: %w", err)
	}

	s.logger.Info("Stored attachment", "tenant", tenant, "page", pageID, "file", name, "size", len(data))
	return Stored{
		RelativePath: "./" + path.Join(dir, name),
		AttachmentID: rec.ID,
		AbsPath:      abs,
	}, nil
}

// freeName returns name, or name with a "-N" suffix before the extension,
// such that nothing exists at dir/name yet.
func (s *Store) freeName(tenant, dir, name string) (string, string, error) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 2; ; i++ {
		abs, err := s.root.Resolve(tenant, path.Join(dir, candidate))
		if err != nil {
			return "", "", err
		}
		if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
			return candidate, abs, nil
		}
		candidate = base + "-" + strconv.Itoa(i) + ext
	}
}

// ListAttachments returns the page's attachments with their Markdown
// references. An empty pageID lists the whole tenant.
func (s *Store) ListAttachments(ctx context.Context, tenant, pageID string) ([]Listed, error) {
	recs, err := s.records.ListAttachments(ctx, tenant, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	out := make([]Listed, len(recs))
	for i, a := range recs {
		rel := strings.TrimPrefix(a.StoragePath, tenant+"/")
		out[i] = Listed{Attachment: a, RelativePath: "./" + rel}
	}
	return out, nil
}

var (
	unsafeChars = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// SanitizeFileName makes an uploaded file name safe to store: path and
// shell-hostile characters and whitespace become "-", leading dots are
// dropped so the file is not hidden, and the length is capped.
func SanitizeFileName(name string) string {
	name = unsafeChars.ReplaceAllString(name, "-")
	name = spaceRuns.ReplaceAllString(name, "-")
	name = strings.TrimLeft(name, ".")
	if utf8.RuneCountInString(name) > maxNameLen {
		name = string([]rune(name)[:maxNameLen])
	}
	if name == "" {
		return "file"
	}
	return name
}

// RewriteAssetRefs points image sources and link targets under
// "./<oldDir>/assets/" at "./<newDir>/assets/" instead. It reports whether
// anything changed.
func RewriteAssetRefs(doc *markdown.Node, oldDir, newDir string) bool {
	if oldDir == newDir {
		return false
	}
	oldPrefix := assetPrefix(oldDir)
	newPrefix := assetPrefix(newDir)
	rewrite := func(ref string) (string, bool) {
		switch {
		case strings.HasPrefix(ref, "./"+oldPrefix):
			return "./" + newPrefix + ref[len(oldPrefix)+2:], true
		case strings.HasPrefix(ref, oldPrefix):
			return newPrefix + ref[len(oldPrefix):], true
		}
		return ref, false
	}

	changed := false
	markdown.Walk(doc, func(n *markdown.Node) bool {
		if n.Type == markdown.NodeImage {
			if ref, ok := rewrite(n.Attrs.Src); ok {
				n.Attrs.Src = ref
				changed = true
			}
		}
		for i := range n.Marks {
			if n.Marks[i].Type != markdown.MarkLink {
				continue
			}
			if ref, ok := rewrite(n.Marks[i].Attrs.Href); ok {
				n.Marks[i].Attrs.Href = ref
				changed = true
			}
		}
		return true
	})
	return changed
}

func assetPrefix(dir string) string {
	if dir == "" {
		return paths.AssetsDir + "/"
	}
	return dir + "/" + paths.AssetsDir + "/"
}

// MoveAssets moves the asset folder of oldDir under newDir. Files that
// already exist at the destination are left in place. It reports whether
// anything moved; a missing source folder is not an error.
func MoveAssets(root *mirrorfs.Root, tenant, oldDir, newDir string) (bool, error) {
	if oldDir == newDir {
		return false, nil
	}
	src, err := root.Resolve(tenant, path.Join(oldDir, paths.AssetsDir))
	if err != nil {
		return false, err
	}
	dst, err := root.Resolve(tenant, path.Join(newDir, paths.AssetsDir))
	if err != nil {
		return false, err
	}
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
		if err := os.Rename(src, dst); err != nil {
			return false, fmt.Errorf("failed to move assets: %w", err)
		}
		return true, nil
	}

	// Merge into the existing folder
	entries, err := os.ReadDir(src)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", src, err)
	}
	moved := false
	for _, e := range entries {
		to := filepath.Join(dst, e.Name())
		if _, err := os.Lstat(to); err == nil {
			continue
		}
		if err := os.Rename(filepath.Join(src, e.Name()), to); err != nil {
			return moved, fmt.Errorf("failed to move %s: %w", e.Name(), err)
		}
		moved = true
	}
	os.Remove(src)
	return moved, nil
}
