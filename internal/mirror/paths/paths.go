// Package paths plans where each page of a tenant lives inside the mirror
// directory.
//
// A page without children is a single "<slug>.md" file. A page with children
// becomes a folder holding "_index.md" next to the children's files. A page
// marked Folder keeps that form after its last child is gone. Sibling
// names that collide case-insensitively get "-2", "-3", ... suffixes in
// (position, id) order, so planning the same page set twice gives the same
// result.
package paths

import (
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/slug"
)

// IndexFile is the name of the file holding a folder page's own content.
const IndexFile = "_index.md"

// AssetsDir is the folder name reserved for attachments in every directory.
const AssetsDir = "assets"

// Page is the subset of page fields the planner needs.
type Page struct {
	ID       string
	Title    string
	ParentID string
	Position int
	// Folder keeps the folder form for a page without children.
	Folder bool
}

// ResolvedPath is the planned location of one page. Paths are slash
// separated and relative to the tenant root.
type ResolvedPath struct {
	PageID string
	// FilePath is the Markdown file holding the page content.
	FilePath string
	// DirPath is the folder for the page's children and assets.
	DirPath string
	// IsIndex is true when FilePath is a folder's _index.md.
	IsIndex bool
}

// Plan computes a ResolvedPath for every page. Pages whose parent is missing
// and pages caught in a parent cycle are planned at the root.
func Plan(pages []Page) map[string]ResolvedPath {
	byID := make(map[string]Page, len(pages))
	for _, p := range pages {
		byID[p.ID] = p
	}

	children := make(map[string][]Page)
	for _, p := range byID {
		parent := p.ParentID
		if _, ok := byID[parent]; !ok || parent == p.ID {
			parent = ""
		}
		children[parent] = append(children[parent], p)
	}
	for k := range children {
		sortSiblings(children[k])
	}

	pl := &planner{
		children: children,
		used:     make(map[string]map[string]bool),
		out:      make(map[string]ResolvedPath, len(pages)),
	}
	pl.walk("", children[""])

	// Anything left unreached sits in a cycle. Break each cycle at its first
	// member in sibling order and plan that subtree from the root.
	for len(pl.out) < len(byID) {
		var rest []Page
		for _, p := range byID {
			if _, done := pl.out[p.ID]; !done {
				rest = append(rest, p)
			}
		}
		sortSiblings(rest)
		pl.walk("", rest[:1])
	}
	return pl.out
}

type planner struct {
	children map[string][]Page
	used     map[string]map[string]bool
	out      map[string]ResolvedPath
}

func (pl *planner) walk(dir string, siblings []Page) {
	for _, p := range siblings {
		if _, done := pl.out[p.ID]; done {
			continue
		}
		name := pl.unique(dir, slug.File(p.Title))
		folder := join(dir, name)

		kids := pl.children[p.ID]
		if len(kids) > 0 || p.Folder {
			pl.out[p.ID] = ResolvedPath{
				PageID:   p.ID,
				FilePath: folder + "/" + IndexFile,
				DirPath:  folder,
				IsIndex:  true,
			}
			pl.walk(folder, kids)
			continue
		}
		pl.out[p.ID] = ResolvedPath{
			PageID:   p.ID,
			FilePath: folder + ".md",
			DirPath:  folder,
		}
	}
}

// unique claims base in dir, adding a numeric suffix when it is taken.
func (pl *planner) unique(dir, base string) string {
	used := pl.used[dir]
	if used == nil {
		used = map[string]bool{AssetsDir: true}
		pl.used[dir] = used
	}
	name := base
	for i := 2; used[strings.ToLower(name)]; i++ {
		name = base + "-" + strconv.Itoa(i)
	}
	used[strings.ToLower(name)] = true
	return name
}

func sortSiblings(ps []Page) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Position != ps[j].Position {
			return ps[i].Position < ps[j].Position
		}
		return ps[i].ID < ps[j].ID
	})
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}

// ParentDir returns the folder a page file lives in, or "" at the root.
func ParentDir(filePath string) string {
	d := path.Dir(filePath)
	if d == "." {
		return ""
	}
	return d
}
