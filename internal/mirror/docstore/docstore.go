// Package docstore defines the document store the mirror reads pages from
// and writes file edits back to, plus an in-memory implementation.
//
// A page holds ordered blocks. Each block carries one top-level node of the
// page's document tree; Page.Document joins them back into a doc node and
// BlocksFromDocument splits a doc node into blocks.
package docstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/paths"
)

// ErrNotFound is returned when a page does not exist for the tenant.
var ErrNotFound = errors.New("page not found")

// Block types stored with each block.
const (
	BlockDocument     = "DOCUMENT"
	BlockParagraph    = "PARAGRAPH"
	BlockBulletedList = "BULLETED_LIST"
	BlockNumberedList = "NUMBERED_LIST"
	BlockTodo         = "TODO"
	BlockToggle       = "TOGGLE"
	BlockCode         = "CODE"
	BlockQuote        = "QUOTE"
	BlockCallout      = "CALLOUT"
	BlockDivider      = "DIVIDER"
	BlockImage        = "IMAGE"
	BlockBookmark     = "BOOKMARK"
	BlockTable        = "TABLE"
)

var blockTypes = map[markdown.NodeType]string{
	markdown.NodeDocument:       BlockDocument,
	markdown.NodeParagraph:      BlockParagraph,
	markdown.NodeHeading:        BlockParagraph,
	markdown.NodeBulletList:     BlockBulletedList,
	markdown.NodeOrderedList:    BlockNumberedList,
	markdown.NodeTaskList:       BlockTodo,
	markdown.NodeToggle:         BlockToggle,
	markdown.NodeCodeBlock:      BlockCode,
	markdown.NodeBlockquote:     BlockQuote,
	markdown.NodeCallout:        BlockCallout,
	markdown.NodeHorizontalRule: BlockDivider,
	markdown.NodeImage:          BlockImage,
	markdown.NodeBookmark:       BlockBookmark,
	markdown.NodeTable:          BlockTable,
}

// BlockType maps a node type to the stored block type. Unmapped types are
// stored as paragraphs.
func BlockType(t markdown.NodeType) string {
	if bt, ok := blockTypes[t]; ok {
		return bt
	}
	return BlockParagraph
}

// Block is one stored block of a page.
type Block struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position int            `json:"position"`
	Content  *markdown.Node `json:"content"`
}

// Page is a page with its blocks.
type Page struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenantId"`
	Title            string    `json:"title"`
	Icon             string    `json:"icon,omitempty"`
	OneLiner         string    `json:"oneLiner,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	SummaryUpdatedAt time.Time `json:"summaryUpdatedAt,omitzero"`
	ParentID         string    `json:"parentId,omitempty"`
	Position         int       `json:"position"`
	SpaceType        string    `json:"spaceType,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Blocks           []Block   `json:"blocks,omitempty"`
}

// NewPage holds the fields of a page to create.
type NewPage struct {
	Title    string
	Icon     string
	ParentID string
	Position int
}

// PageUpdate lists the fields to change. Nil fields are left alone; an empty
// ParentID moves the page to the root.
type PageUpdate struct {
	Title    *string
	Icon     *string
	ParentID *string
	Position *int
}

// Attachment is the stored record of an uploaded file.
type Attachment struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	PageID      string    `json:"pageId"`
	UserID      string    `json:"userId"`
	FileName    string    `json:"fileName"`
	MimeType    string    `json:"mimeType"`
	StoragePath string    `json:"storagePath"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the document store consumed by both sync directions. Every call
// is scoped to a tenant.
type Store interface {
	// ListPages returns every page of the tenant with its blocks.
	ListPages(ctx context.Context, tenant string) ([]Page, error)
	GetPageWithBlocks(ctx context.Context, tenant, id string) (Page, error)
	CreatePage(ctx context.Context, tenant string, p NewPage) (Page, error)
	UpdatePage(ctx context.Context, tenant, id string, u PageUpdate) (Page, error)
	DeletePage(ctx context.Context, tenant, id string) error
	// ReplacePageBlocks drops the page's blocks and stores one block per
	// top-level node of doc.
	ReplacePageBlocks(ctx context.Context, tenant, id string, doc *markdown.Node) error
}

// AttachmentRecorder stores attachment records.
type AttachmentRecorder interface {
	CreateAttachment(ctx context.Context, a Attachment) (Attachment, error)
	ListAttachments(ctx context.Context, tenant, pageID string) ([]Attachment, error)
}

// Document joins the page's blocks, ordered by position, into a doc node.
// Blocks that themselves hold a doc node contribute its children.
func (p Page) Document() *markdown.Node {
	blocks := append([]Block(nil), p.Blocks...)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Position < blocks[j].Position })

	doc := markdown.Doc()
	for _, b := range blocks {
		if b.Content == nil {
			continue
		}
		if b.Content.Type == markdown.NodeDocument {
			doc.Content = append(doc.Content, b.Content.Content...)
			continue
		}
		doc.Content = append(doc.Content, b.Content)
	}
	return doc
}

// Metadata returns the frontmatter fields of the page.
func (p Page) Metadata() markdown.PageMetadata {
	return markdown.PageMetadata{
		ID:               p.ID,
		Title:            p.Title,
		Icon:             p.Icon,
		OneLiner:         p.OneLiner,
		Summary:          p.Summary,
		SummaryUpdatedAt: p.SummaryUpdatedAt,
		ParentID:         p.ParentID,
		Position:         p.Position,
		SpaceType:        p.SpaceType,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// BlocksFromDocument splits doc into blocks at positions 0..n-1. IDs are
// left for the store to assign.
func BlocksFromDocument(doc *markdown.Node) []Block {
	if doc == nil {
		return nil
	}
	nodes := doc.Content
	if doc.Type != markdown.NodeDocument {
		nodes = []*markdown.Node{doc}
	}
	blocks := make([]Block, 0, len(nodes))
	for i, n := range nodes {
		if n == nil {
			continue
		}
		blocks = append(blocks, Block{Type: BlockType(n.Type), Position: i, Content: n})
	}
	return blocks
}

// Plan runs the path planner over pages.
func Plan(pages []Page) map[string]paths.ResolvedPath {
	return PlanFolders(pages, nil)
}

// PlanFolders is Plan with the pages in folders kept in folder form even
// when they have no children left.
func PlanFolders(pages []Page, folders map[string]bool) map[string]paths.ResolvedPath {
	in := make([]paths.Page, len(pages))
	for i, p := range pages {
		in[i] = paths.Page{
			ID:       p.ID,
			Title:    p.Title,
			ParentID: p.ParentID,
			Position: p.Position,
			Folder:   folders[p.ID],
		}
	}
	return paths.Plan(in)
}
