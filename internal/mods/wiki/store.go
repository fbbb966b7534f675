package wiki

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openagents/openagents/internal/db"
)

var (
	errPageExists      = errors.New("page already exists")
	errPageNotFound    = errors.New("page not found")
	errVersionConflict = errors.New("version conflict")
)

// Page is the pages-table row.
type Page struct {
	Slug      string  `db:"slug" json:"slug"`
	Title     string  `db:"title" json:"title"`
	Version   int     `db:"current_version" json:"version"`
	CreatedBy string  `db:"created_by" json:"created_by"`
	CreatedAt float64 `db:"created_at" json:"created_at"`
	UpdatedAt float64 `db:"updated_at" json:"updated_at"`
}

// Revision is one numbered revision of a page.
type Revision struct {
	Slug      string  `db:"slug" json:"slug"`
	Version   int     `db:"version" json:"version"`
	Content   string  `db:"content" json:"content"`
	Author    string  `db:"author" json:"author"`
	Comment   string  `db:"comment" json:"comment,omitempty"`
	CreatedAt float64 `db:"created_at" json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	slug            TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	current_version INTEGER NOT NULL,
	created_by      TEXT NOT NULL,
	created_at      REAL NOT NULL,
	updated_at      REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS revisions (
	slug       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	content    TEXT NOT NULL,
	author     TEXT NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at REAL NOT NULL,
	PRIMARY KEY (slug, version),
	FOREIGN KEY (slug) REFERENCES pages(slug) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_revisions_slug ON revisions(slug, version DESC);
`

// Store persists pages and revisions in SQLite through separate writer and
// reader pools.
type Store struct {
	pool *db.Pool
}

// OpenStore opens (or creates) the wiki database at path and applies the
// schema.
func OpenStore(path string) (*Store, error) {
	pool, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wiki db: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.initSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying wiki schema: %w", err)
	}
	return nil
}

// Close closes both pools.
func (s *Store) Close() error { return s.pool.Close() }

// Create inserts a page with its first revision.
func (s *Store) Create(ctx context.Context, slug, title, content, author, comment string, ts float64) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM pages WHERE slug = ?`, slug); err != nil {
		return err
	}
	if exists > 0 {
		return errPageExists
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pages (slug, title, current_version, created_by, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)`,
		slug, title, author, ts, ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO revisions (slug, version, content, author, comment, created_at)
		 VALUES (?, 1, ?, ?, ?, ?)`,
		slug, content, author, comment, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// Update appends a new revision. When expectedVersion >= 0 the update only
// succeeds if the page is still at that version.
func (s *Store) Update(ctx context.Context, slug, content, author, comment string, expectedVersion int, ts float64) (int, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int
	err = tx.GetContext(ctx, &current, `SELECT current_version FROM pages WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errPageNotFound
	}
	if err != nil {
		return 0, err
	}
	if expectedVersion >= 0 && expectedVersion != current {
		return current, errVersionConflict
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO revisions (slug, version, content, author, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		slug, next, content, author, comment, ts); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pages SET current_version = ?, updated_at = ? WHERE slug = ?`,
		next, ts, slug); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

// Get returns the page and one revision: the latest when version is 0.
func (s *Store) Get(ctx context.Context, slug string, version int) (*Page, *Revision, error) {
	var page Page
	err := s.pool.Reader().GetContext(ctx, &page, `SELECT * FROM pages WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errPageNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if version == 0 {
		version = page.Version
	}
	var rev Revision
	err = s.pool.Reader().GetContext(ctx, &rev,
		`SELECT * FROM revisions WHERE slug = ? AND version = ?`, slug, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errPageNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return &page, &rev, nil
}

// History returns a page's revisions newest first, without content.
func (s *Store) History(ctx context.Context, slug string, limit, offset int) ([]Revision, int, error) {
	var total int
	if err := s.pool.Reader().GetContext(ctx, &total,
		`SELECT COUNT(*) FROM revisions WHERE slug = ?`, slug); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, errPageNotFound
	}
	var revs []Revision
	err := s.pool.Reader().SelectContext(ctx, &revs,
		`SELECT slug, version, '' AS content, author, comment, created_at
		 FROM revisions WHERE slug = ?
		 ORDER BY version DESC LIMIT ? OFFSET ?`, slug, limit, offset)
	return revs, total, err
}

// List returns all pages ordered by title.
func (s *Store) List(ctx context.Context) ([]Page, error) {
	var pages []Page
	err := s.pool.Reader().SelectContext(ctx, &pages, `SELECT * FROM pages ORDER BY title`)
	return pages, err
}

// Delete removes a page and its revisions.
func (s *Store) Delete(ctx context.Context, slug string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM pages WHERE slug = ?`, slug)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errPageNotFound
	}
	// Cascade is enforced by the FK, but older databases may predate it.
	_, err = s.pool.Writer().ExecContext(ctx, `DELETE FROM revisions WHERE slug = ?`, slug)
	return err
}

// Search matches pages whose title or latest content contains the query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Page, error) {
	pattern := "%" + query + "%"
	var pages []Page
	err := s.pool.Reader().SelectContext(ctx, &pages,
		`SELECT p.* FROM pages p
		 JOIN revisions r ON r.slug = p.slug AND r.version = p.current_version
		 WHERE p.title LIKE ? OR r.content LIKE ?
		 ORDER BY p.title LIMIT ?`, pattern, pattern, limit)
	return pages, err
}

// slugify derives the canonical page key from a title.
func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
