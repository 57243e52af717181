// Package syncmeta persists the per-tenant sync side-car (.skb-meta.json).
//
// The side-car maps page ids to the file each page was last written to and
// the hash of the content written. Both sync directions read, merge and write
// the whole file through Store.Update, which serializes updates per tenant
// inside the process and replaces the file atomically.
package syncmeta

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
)

// Version is the side-car format version.
const Version = 1

// ErrInvalid is returned when a side-car cannot be parsed or fails validation.
var ErrInvalid = errors.New("invalid sync metadata")

// Entry records the last write of one page.
type Entry struct {
	ID          string    `json:"id"`
	FilePath    string    `json:"filePath"`
	ContentHash string    `json:"contentHash"`
	LastSynced  time.Time `json:"lastSynced"`
}

// Metadata is the side-car content of one tenant.
type Metadata struct {
	Version      int              `json:"version"`
	TenantID     string           `json:"tenantId"`
	LastFullSync time.Time        `json:"lastFullSync"`
	Pages        map[string]Entry `json:"pages"`
}

// New returns empty metadata for a tenant.
func New(tenant string) *Metadata {
	return &Metadata{
		Version:  Version,
		TenantID: tenant,
		Pages:    make(map[string]Entry),
	}
}

// Hash returns the content hash stored in entries: hex MD5 of data.
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks the format version and that every entry is keyed by its
// own id and names a file.
func (m *Metadata) Validate() error {
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, m.Version)
	}
	for id, e := range m.Pages {
		if e.ID != id {
			return fmt.Errorf("%w: entry %q carries id %q", ErrInvalid, id, e.ID)
		}
		if e.FilePath == "" {
			return fmt.Errorf("%w: entry %q has no file path", ErrInvalid, id)
		}
	}
	return nil
}

// Set stores e under its id.
func (m *Metadata) Set(e Entry) {
	if m.Pages == nil {
		m.Pages = make(map[string]Entry)
	}
	e.FilePath = path.Clean(e.FilePath)
	m.Pages[e.ID] = e
}

// Remove deletes the entry for id and reports whether it existed.
func (m *Metadata) Remove(id string) bool {
	if _, ok := m.Pages[id]; !ok {
		return false
	}
	delete(m.Pages, id)
	return true
}

// FindByPath returns the entry recorded for a slash-separated relative
// path. The match is exact.
func (m *Metadata) FindByPath(rel string) (Entry, bool) {
	rel = path.Clean(rel)
	for _, e := range m.Pages {
		if e.FilePath == rel {
			return e, true
		}
	}
	return Entry{}, false
}

// IDs returns the page ids in sorted order.
func (m *Metadata) IDs() []string {
	ids := make([]string, 0, len(m.Pages))
	for id := range m.Pages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store reads and writes side-cars below a mirror root.
type Store struct {
	root   *mirrorfs.Root
	logger *slog.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewStore creates a Store. A nil logger uses slog.Default.
func NewStore(root *mirrorfs.Root, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:    root,
		logger:  logger.With("component", "syncmeta"),
		tenants: make(map[string]*sync.Mutex),
	}
}

// Root returns the mirror root the store writes under.
func (s *Store) Root() *mirrorfs.Root {
	return s.root
}

func (s *Store) tenantLock(tenant string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.tenants[tenant]
	if !ok {
		l = &sync.Mutex{}
		s.tenants[tenant] = l
	}
	return l
}

// Load reads the side-car of a tenant. A missing file yields fresh
// metadata; an unreadable one yields an error wrapping ErrInvalid.
func (s *Store) Load(tenant string) (*Metadata, error) {
	p, err := s.root.MetaPath(tenant)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return New(tenant), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if m.Pages == nil {
		m.Pages = make(map[string]Entry)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.TenantID == "" {
		m.TenantID = tenant
	}
	return &m, nil
}

// Entry returns the recorded entry of a page.
func (s *Store) Entry(tenant, pageID string) (Entry, bool, error) {
	m, err := s.Load(tenant)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := m.Pages[pageID]
	return e, ok, nil
}

// Update runs fn on the current metadata and writes the result back. A
// side-car that cannot be parsed is replaced with fresh metadata. If fn
// returns an error nothing is written.
func (s *Store) Update(tenant string, fn func(*Metadata) error) (*Metadata, error) {
	l := s.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()

	m, err := s.Load(tenant)
	if errors.Is(err, ErrInvalid) {
		s.logger.Warn("Replacing unreadable sync metadata", "tenant", tenant, "error", err)
		m, err = New(tenant), nil
	}
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.write(tenant, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) write(tenant string, m *Metadata) error {
	p, err := s.root.MetaPath(tenant)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sync metadata: %w", err)
	}
	if err := mirrorfs.AtomicWrite(p, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write sync metadata: %w", err)
	}
	return nil
}
