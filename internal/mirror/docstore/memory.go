package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
)

// Memory is a thread-safe in-memory Store and AttachmentRecorder.
type Memory struct {
	mu          sync.Mutex
	pages       map[string]map[string]*Page
	attachments []Attachment
	mutations   int
	now         func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		pages: make(map[string]map[string]*Page),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Put stores p as given, replacing any page with the same id. Missing block
// ids are filled in.
func (m *Memory) Put(tenant string, p Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.TenantID = tenant
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Blocks = cloneBlocks(p.Blocks)
	for i := range p.Blocks {
		if p.Blocks[i].ID == "" {
			p.Blocks[i].ID = uuid.NewString()
		}
	}
	m.tenant(tenant)[p.ID] = &p
}

// Mutations returns how many create, update, delete and block replacement
// calls have succeeded.
func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *Memory) tenant(tenant string) map[string]*Page {
	t, ok := m.pages[tenant]
	if !ok {
		t = make(map[string]*Page)
		m.pages[tenant] = t
	}
	return t
}

// ListPages implements Store. Pages are ordered by parent, position and id.
func (m *Memory) ListPages(_ context.Context, tenant string) ([]Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Page, 0, len(m.pages[tenant]))
	for _, p := range m.pages[tenant] {
		out = append(out, clonePage(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
	return out, nil
}

// GetPageWithBlocks implements Store.
func (m *Memory) GetPageWithBlocks(_ context.Context, tenant, id string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[tenant][id]
	if !ok {
		return Page{}, ErrNotFound
	}
	return clonePage(p), nil
}

// CreatePage implements Store.
func (m *Memory) CreatePage(_ context.Context, tenant string, np NewPage) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	p := &Page{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		Title:     np.Title,
		Icon:      np.Icon,
		ParentID:  np.ParentID,
		Position:  np.Position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tenant(tenant)[p.ID] = p
	m.mutations++
	return clonePage(p), nil
}

// UpdatePage implements Store.
func (m *Memory) UpdatePage(_ context.Context, tenant, id string, u PageUpdate) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[tenant][id]
	if !ok {
		return Page{}, ErrNotFound
	}
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Icon != nil {
		p.Icon = *u.Icon
	}
	if u.ParentID != nil {
		p.ParentID = *u.ParentID
	}
	if u.Position != nil {
		p.Position = *u.Position
	}
	p.UpdatedAt = m.now()
	m.mutations++
	return clonePage(p), nil
}

// DeletePage implements Store. Children move to the root and the page's
// attachment records are dropped.
func (m *Memory) DeletePage(_ context.Context, tenant, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := m.pages[tenant]
	if _, ok := pages[id]; !ok {
		return ErrNotFound
	}
	delete(pages, id)
	for _, p := range pages {
		if p.ParentID == id {
			p.ParentID = ""
		}
	}
	kept := m.attachments[:0]
	for _, a := range m.attachments {
		if a.TenantID != tenant || a.PageID != id {
			kept = append(kept, a)
		}
	}
	m.attachments = kept
	m.mutations++
	return nil
}

// ReplacePageBlocks implements Store.
func (m *Memory) ReplacePageBlocks(_ context.Context, tenant, id string, doc *markdown.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[tenant][id]
	if !ok {
		return ErrNotFound
	}
	blocks := cloneBlocks(BlocksFromDocument(doc))
	for i := range blocks {
		blocks[i].ID = uuid.NewString()
	}
	p.Blocks = blocks
	p.UpdatedAt = m.now()
	m.mutations++
	return nil
}

// CreateAttachment implements AttachmentRecorder.
func (m *Memory) CreateAttachment(_ context.Context, a Attachment) (Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.attachments = append(m.attachments, a)
	return a, nil
}

// ListAttachments implements AttachmentRecorder.
func (m *Memory) ListAttachments(_ context.Context, tenant, pageID string) ([]Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attachment
	for _, a := range m.attachments {
		if a.TenantID == tenant && (pageID == "" || a.PageID == pageID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func clonePage(p *Page) Page {
	c := *p
	c.Blocks = cloneBlocks(p.Blocks)
	return c
}

func cloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		b.Content = CloneNode(b.Content)
		out[i] = b
	}
	return out
}

// CloneNode returns a deep copy of n.
func CloneNode(n *markdown.Node) *markdown.Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Marks != nil {
		c.Marks = append([]markdown.Mark(nil), n.Marks...)
	}
	if n.Content != nil {
		c.Content = make([]*markdown.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = CloneNode(child)
		}
	}
	return &c
}

var (
	_ Store              = (*Memory)(nil)
	_ AttachmentRecorder = (*Memory)(nil)
)
