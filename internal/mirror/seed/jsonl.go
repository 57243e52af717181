// Package seed imports pages into the document store from JSON Lines.
package seed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
)

// maxLine caps one JSONL record.
const maxLine = 16 << 20

// Record is one line of a seed file. Content is the page body as a document
// tree; Markdown is accepted instead when Content is absent.
type Record struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Icon     string         `json:"icon,omitempty"`
	ParentID string         `json:"parentId,omitempty"`
	Position int            `json:"position"`
	Content  *markdown.Node `json:"content,omitempty"`
	Markdown string         `json:"markdown,omitempty"`
}

// Result contains statistics about an import
type Result struct {
	Imported int
	Skipped  int
	// IDs maps record ids to the ids the store assigned.
	IDs    map[string]string
	Errors []string
}

// ReadJSONL parses records line by line. Blank lines are ignored; lines that
// are not valid records are reported in the returned messages and skipped.
func ReadJSONL(r io.Reader) ([]Record, []string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		records []Record
		bad     []string
		lineNum int
	)
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			bad = append(bad, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		if rec.ID == "" {
			bad = append(bad, fmt.Sprintf("line %d: missing id", lineNum))
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return records, bad, nil
}

// ImportJSONL creates a page for every record of r in tenant. Parents are
// created before their children and parent references are remapped to the
// new ids. A parent that is neither in the file nor in the store puts the
// page at the root.
func ImportJSONL(ctx context.Context, r io.Reader, store docstore.Store, tenant string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "seed")

	res := Result{IDs: make(map[string]string)}
	records, bad, err := ReadJSONL(r)
	if err != nil {
		return res, err
	}
	for _, msg := range bad {
		logger.Warn("Skipping malformed record", "detail", msg)
		res.Skipped++
		res.Errors = append(res.Errors, msg)
	}

	for _, rec := range order(records) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, dup := res.IDs[rec.ID]; dup {
			logger.Warn("Skipping duplicate record", "id", rec.ID)
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate id %s", rec.ID))
			continue
		}

		parent, err := resolveParent(ctx, store, tenant, rec.ParentID, res.IDs)
		if err != nil {
			return res, err
		}
		if parent == "" && rec.ParentID != "" {
			logger.Warn("Parent not found, importing at the root", "id", rec.ID, "parent", rec.ParentID)
		}

		title := strings.TrimSpace(rec.Title)
		if title == "" {
			title = "Untitled"
		}
		page, err := store.CreatePage(ctx, tenant, docstore.NewPage{
			Title:    title,
			Icon:     rec.Icon,
			ParentID: parent,
			Position: rec.Position,
		})
		if err != nil {
			return res, fmt.Errorf("failed to create page %s: %w", rec.ID, err)
		}
		if err := store.ReplacePageBlocks(ctx, tenant, page.ID, body(rec)); err != nil {
			return res, fmt.Errorf("failed to store blocks of %s: %w", rec.ID, err)
		}
		res.IDs[rec.ID] = page.ID
		res.Imported++
	}

	logger.Info("Import complete", "tenant", tenant, "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

func resolveParent(ctx context.Context, store docstore.Store, tenant, parentID string, ids map[string]string) (string, error) {
	if parentID == "" {
		return "", nil
	}
	if id, ok := ids[parentID]; ok {
		return id, nil
	}
	_, err := store.GetPageWithBlocks(ctx, tenant, parentID)
	switch {
	case err == nil:
		return parentID, nil
	case errors.Is(err, docstore.ErrNotFound):
		return "", nil
	default:
		return "", fmt.Errorf("failed to look up parent %s: %w", parentID, err)
	}
}

func body(rec Record) *markdown.Node {
	switch {
	case rec.Content != nil && rec.Content.Type == markdown.NodeDocument:
		return rec.Content
	case rec.Content != nil:
		return markdown.Doc(rec.Content)
	case rec.Markdown != "":
		return markdown.Decode(rec.Markdown).Doc
	default:
		return markdown.Doc()
	}
}

// order returns records with every parent before its children. Siblings
// keep (position, id) order. Records in a parent cycle come last, in file
// order.
func order(records []Record) []Record {
	byID := make(map[string]bool, len(records))
	for _, r := range records {
		byID[r.ID] = true
	}
	children := make(map[string][]Record)
	for _, r := range records {
		key := r.ParentID
		if !byID[key] {
			key = ""
		}
		children[key] = append(children[key], r)
	}
	for k := range children {
		sort.SliceStable(children[k], func(i, j int) bool {
			a, b := children[k][i], children[k][j]
			if a.Position != b.Position {
				return a.Position < b.Position
			}
			return a.ID < b.ID
		})
	}

	out := make([]Record, 0, len(records))
	seen := make(map[string]bool, len(records))
	queue := []string{""}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, r := range children[parent] {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
			queue = append(queue, r.ID)
		}
	}
	for _, r := range records {
		if !seen[r.ID] {
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}
