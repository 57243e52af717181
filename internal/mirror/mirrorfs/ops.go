package mirrorfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// TreeNode is a directory tree item.
type TreeNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []TreeNode `json:"children,omitempty"`
}

// Match is a matching line inside a search hit.
type Match struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchResult is one file containing the query.
type SearchResult struct {
	FilePath   string  `json:"filePath"`
	PageID     string  `json:"pageId,omitempty"`
	MatchCount int     `json:"matchCount"`
	Excerpts   []Match `json:"excerpts"`
}

// SearchOptions tunes Search.
type SearchOptions struct {
	// MaxResults caps the number of files returned. Default 20.
	MaxResults int
	// MaxExcerpts caps the excerpts kept per file. Default 3.
	MaxExcerpts int
	// PageID maps a relative file path to its page id, if known.
	PageID func(rel string) string
}

const excerptLen = 200

// List returns the entries of a tenant directory, folders first. A missing
// directory yields an empty listing.
func (r *Root) List(tenant, sub string) ([]Entry, error) {
	dir, err := r.Resolve(tenant, sub)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var out []Entry
	for _, de := range des {
		if ShouldIgnore(de.Name()) {
			continue
		}
		e := Entry{Name: de.Name(), Path: joinRel(sub, de.Name()), IsDir: de.IsDir()}
		if !e.IsDir {
			if info, err := de.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// ReadFile reads a file under the tenant root.
func (r *Root) ReadFile(tenant, rel string) ([]byte, error) {
	p, err := r.Resolve(tenant, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile atomically writes a file under the tenant root.
func (r *Root) WriteFile(tenant, rel string, data []byte) error {
	p, err := r.Resolve(tenant, rel)
	if err != nil {
		return err
	}
	return AtomicWrite(p, data)
}

// DeleteFile removes a file under the tenant root. It reports false when
// the file did not exist.
func (r *Root) DeleteFile(tenant, rel string) (bool, error) {
	p, err := r.Resolve(tenant, rel)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return true, nil
}

// Search looks for query, case-insensitively, in every Markdown file of the
// tenant. Files are visited in lexical order.
func (r *Root) Search(tenant, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	if opts.MaxExcerpts <= 0 {
		opts.MaxExcerpts = 3
	}
	base, err := r.TenantDir(tenant)
	if err != nil {
		return nil, err
	}
	needle := []byte(strings.ToLower(query))
	if len(needle) == 0 {
		return nil, nil
	}

	var out []SearchResult
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return nil
		}
		if len(out) >= opts.MaxResults {
			return fs.SkipAll
		}
		if d.IsDir() {
			if p != base && IsHidden(p) {
				return fs.SkipDir
			}
			return nil
		}
		if ShouldIgnore(p) || filepath.Ext(p) != ".md" {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil || !bytes.Contains(bytes.ToLower(data), needle) {
			return nil
		}
		rel, _ := filepath.Rel(base, p)
		res := SearchResult{FilePath: filepath.ToSlash(rel)}
		if opts.PageID != nil {
			res.PageID = opts.PageID(res.FilePath)
		}

		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if !strings.Contains(strings.ToLower(line), string(needle)) {
				continue
			}
			res.MatchCount++
			if len(res.Excerpts) < opts.MaxExcerpts {
				res.Excerpts = append(res.Excerpts, Match{Line: n, Text: truncate(strings.TrimSpace(line), excerptLen)})
			}
		}
		out = append(out, res)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", tenant, err)
	}
	return out, nil
}

// Tree returns the tenant directory as a tree, at most maxDepth levels deep.
func (r *Root) Tree(tenant string, maxDepth int) ([]TreeNode, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if _, err := r.TenantDir(tenant); err != nil {
		return nil, err
	}
	return r.tree(tenant, "", maxDepth)
}

func (r *Root) tree(tenant, sub string, depth int) ([]TreeNode, error) {
	if depth == 0 {
		return nil, nil
	}
	entries, err := r.List(tenant, sub)
	if err != nil {
		return nil, err
	}
	nodes := make([]TreeNode, 0, len(entries))
	for _, e := range entries {
		n := TreeNode{Name: e.Name, Path: e.Path, IsDir: e.IsDir}
		if e.IsDir {
			if n.Children, err = r.tree(tenant, e.Path, depth-1); err != nil {
				return nil, err
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func joinRel(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return strings.TrimSuffix(dir, "/") + "/" + name
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
