// Package db provides the SQLite document store for skbmirror.
//
// The database runs embedded through the ncruces/go-sqlite3 driver (a
// WebAssembly build of SQLite, no cgo) with WAL for concurrent readers.
//
// Architecture:
//   - Database file: configured by db_path (default ./skb.db)
//   - WAL mode: concurrent readers during writes
//   - Schema: pages, blocks, attachments tables, all scoped by tenant_id
//   - Block content: one JSON document node per row
//
// Workflow:
//  1. The application (or `skbmirror import`) writes pages through Store
//  2. The DB→FS sync service renders them into the mirror directory
//  3. The file watcher writes external edits back through the same Store
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
)

// Store is a docstore.Store and docstore.AttachmentRecorder backed by SQLite.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates a database connection at the specified path and initializes
// the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open(ctx, "./skb.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(ctx context.Context, path string) (*Store, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN run on every pooled connection
	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.InitSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. It is idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		one_liner TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		summary_updated_at TEXT,
		parent_id TEXT REFERENCES pages(id) ON DELETE SET NULL,
		position INTEGER NOT NULL DEFAULT 0,
		space_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		page_id TEXT NOT NULL,
		type TEXT NOT NULL,
		position INTEGER NOT NULL,
		content TEXT NOT NULL,  -- JSON document node
		FOREIGN KEY (page_id) REFERENCES pages(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL,
		checksum TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (page_id) REFERENCES pages(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pages_tenant ON pages(tenant_id, parent_id, position);
	CREATE INDEX IF NOT EXISTS idx_blocks_page ON blocks(page_id, position);
	CREATE INDEX IF NOT EXISTS idx_attachments_page ON attachments(tenant_id, page_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const pageColumns = `id, tenant_id, title, icon, one_liner, summary, summary_updated_at,
	parent_id, position, space_type, created_at, updated_at`

// ListPages implements docstore.Store.
func (s *Store) ListPages(ctx context.Context, tenant string) ([]docstore.Page, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE tenant_id = ?
		ORDER BY COALESCE(parent_id, ''), position, id
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	pages, err := scanPages(rows)
	if err != nil {
		return nil, err
	}

	blocks, err := s.blocks(ctx, `
		SELECT b.page_id, b.id, b.type, b.position, b.content
		FROM blocks b JOIN pages p ON p.id = b.page_id
		WHERE p.tenant_id = ?
		ORDER BY b.page_id, b.position
	`, tenant)
	if err != nil {
		return nil, err
	}
	for i := range pages {
		pages[i].Blocks = blocks[pages[i].ID]
	}
	return pages, nil
}

// GetPageWithBlocks implements docstore.Store.
func (s *Store) GetPageWithBlocks(ctx context.Context, tenant, id string) (docstore.Page, error) {
	p, err := s.page(ctx, tenant, id)
	if err != nil {
		return docstore.Page{}, err
	}
	blocks, err := s.blocks(ctx, `
		SELECT page_id, id, type, position, content
		FROM blocks WHERE page_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return docstore.Page{}, err
	}
	p.Blocks = blocks[id]
	return p, nil
}

func (s *Store) page(ctx context.Context, tenant, id string) (docstore.Page, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE tenant_id = ? AND id = ?
	`, tenant, id)
	if err != nil {
		return docstore.Page{}, fmt.Errorf("failed to get page %s: %w", id, err)
	}
	pages, err := scanPages(rows)
	if err != nil {
		return docstore.Page{}, err
	}
	if len(pages) == 0 {
		return docstore.Page{}, fmt.Errorf("page %s: %w", id, docstore.ErrNotFound)
	}
	return pages[0], nil
}

// CreatePage implements docstore.Store.
func (s *Store) CreatePage(ctx context.Context, tenant string, np docstore.NewPage) (docstore.Page, error) {
	now := s.now()
	p := docstore.Page{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		Title:     np.Title,
		Icon:      np.Icon,
		ParentID:  np.ParentID,
		Position:  np.Position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.InsertPage(ctx, p)
}

// InsertPage stores p with its id and timestamps as given. It is used by
// imports that carry their own metadata.
func (s *Store) InsertPage(ctx context.Context, p docstore.Page) (docstore.Page, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pages (`+pageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.TenantID,
		p.Title,
		p.Icon,
		p.OneLiner,
		p.Summary,
		timeToNullString(p.SummaryUpdatedAt),
		stringToNull(p.ParentID),
		p.Position,
		p.SpaceType,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return docstore.Page{}, fmt.Errorf("failed to insert page: %w", err)
	}
	return p, nil
}

// UpdatePage implements docstore.Store.
func (s *Store) UpdatePage(ctx context.Context, tenant, id string, u docstore.PageUpdate) (docstore.Page, error) {
	p, err := s.page(ctx, tenant, id)
	if err != nil {
		return docstore.Page{}, err
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
	p.UpdatedAt = s.now()

	_, err = s.conn.ExecContext(ctx, `
		UPDATE pages
		SET title = ?, icon = ?, parent_id = ?, position = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`, p.Title, p.Icon, stringToNull(p.ParentID), p.Position, formatTime(p.UpdatedAt), tenant, id)
	if err != nil {
		return docstore.Page{}, fmt.Errorf("failed to update page %s: %w", id, err)
	}
	return s.GetPageWithBlocks(ctx, tenant, id)
}

// DeletePage implements docstore.Store. Blocks and attachment rows go with
// the page; children move to the root.
func (s *Store) DeletePage(ctx context.Context, tenant, id string) error {
	// Start transaction
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Children and dependent rows first, so the result does not depend on
	// PRAGMA foreign_keys
	stmts := []string{
		`UPDATE pages SET parent_id = NULL WHERE tenant_id = ? AND parent_id = ?`,
		`DELETE FROM attachments WHERE tenant_id = ? AND page_id = ?`,
		`DELETE FROM blocks WHERE page_id IN (SELECT id FROM pages WHERE tenant_id = ? AND id = ?)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, tenant, id); err != nil {
			return fmt.Errorf("failed to clean up page %s: %w", id, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE tenant_id = ? AND id = ?`, tenant, id)
	if err != nil {
		return fmt.Errorf("failed to delete page %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("page %s: %w", id, docstore.ErrNotFound)
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReplacePageBlocks implements docstore.Store.
func (s *Store) ReplacePageBlocks(ctx context.Context, tenant, id string, doc *markdown.Node) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE pages SET updated_at = ? WHERE tenant_id = ? AND id = ?`,
		formatTime(s.now()), tenant, id)
	if err != nil {
		return fmt.Errorf("failed to touch page %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("page %s: %w", id, docstore.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE page_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear blocks of %s: %w", id, err)
	}
	for _, b := range docstore.BlocksFromDocument(doc) {
		content, err := json.Marshal(b.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal block: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO blocks (id, page_id, type, position, content) VALUES (?, ?, ?, ?, ?)
		`, uuid.NewString(), id, b.Type, b.Position, string(content))
		if err != nil {
			return fmt.Errorf("failed to insert block: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateAttachment implements docstore.AttachmentRecorder.
func (s *Store) CreateAttachment(ctx context.Context, a docstore.Attachment) (docstore.Attachment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO attachments (
			id, tenant_id, page_id, user_id, file_name, mime_type,
			storage_path, checksum, size, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TenantID, a.PageID, a.UserID, a.FileName, a.MimeType,
		a.StoragePath, a.Checksum, a.Size, formatTime(a.CreatedAt))
	if err != nil {
		return docstore.Attachment{}, fmt.Errorf("failed to insert attachment: %w", err)
	}
	return a, nil
}

// ListAttachments implements docstore.AttachmentRecorder. An empty pageID
// lists every attachment of the tenant.
func (s *Store) ListAttachments(ctx context.Context, tenant, pageID string) ([]docstore.Attachment, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tenant_id, page_id, user_id, file_name, mime_type,
		       storage_path, checksum, size, created_at
		FROM attachments
		WHERE tenant_id = ? AND (? = '' OR page_id = ?)
		ORDER BY created_at, id
	`, tenant, pageID, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var out []docstore.Attachment
	for rows.Next() {
		var a docstore.Attachment
		var created string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.PageID, &a.UserID, &a.FileName, &a.MimeType,
			&a.StoragePath, &a.Checksum, &a.Size, &created); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return out, nil
}

// Counts holds row counts of one tenant.
type Counts struct {
	Pages       int `json:"pages"`
	Blocks      int `json:"blocks"`
	Attachments int `json:"attachments"`
}

// Counts returns the row counts of a tenant.
func (s *Store) Counts(ctx context.Context, tenant string) (Counts, error) {
	var c Counts
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM pages WHERE tenant_id = ?),
			(SELECT COUNT(*) FROM blocks b JOIN pages p ON p.id = b.page_id WHERE p.tenant_id = ?),
			(SELECT COUNT(*) FROM attachments WHERE tenant_id = ?)
	`, tenant, tenant, tenant).Scan(&c.Pages, &c.Blocks, &c.Attachments)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

// blocks runs a block query and groups the rows by page id.
func (s *Store) blocks(ctx context.Context, query string, args ...any) (map[string][]docstore.Block, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]docstore.Block)
	for rows.Next() {
		var pageID, content string
		var b docstore.Block
		if err := rows.Scan(&pageID, &b.ID, &b.Type, &b.Position, &content); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		var n markdown.Node
		if err := json.Unmarshal([]byte(content), &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal block %s: %w", b.ID, err)
		}
		b.Content = &n
		out[pageID] = append(out[pageID], b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return out, nil
}

// scanPages is a helper function to scan pages from query results.
func scanPages(rows *sql.Rows) ([]docstore.Page, error) {
	defer rows.Close()

	var pages []docstore.Page
	for rows.Next() {
		var p docstore.Page
		var summaryAt, parentID sql.NullString
		var createdAt, updatedAt string

		err := rows.Scan(
			&p.ID,
			&p.TenantID,
			&p.Title,
			&p.Icon,
			&p.OneLiner,
			&p.Summary,
			&summaryAt,
			&parentID,
			&p.Position,
			&p.SpaceType,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		p.ParentID = parentID.String
		if summaryAt.Valid {
			p.SummaryUpdatedAt = parseTime(summaryAt.String)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		pages = append(pages, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pages: %w", err)
	}
	return pages, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts a time to a nullable string for SQL.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func stringToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ docstore.Store              = (*Store)(nil)
	_ docstore.AttachmentRecorder = (*Store)(nil)
)
