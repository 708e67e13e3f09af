// Package postgres provides the Postgres-backed link and content queue.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultLinksTable   = "crawler_bot_links"
	DefaultContentTable = "crawler_bot_content"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	LinksTable      string
	ContentTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// QueueStore persists links and extraction records in two tables.
type QueueStore struct {
	pool    pool
	links   string
	content string
}

var _ crawler.QueueStore = (*QueueStore)(nil)

// NewQueueStore connects to Postgres using cfg.
func NewQueueStore(ctx context.Context, cfg Config) (*QueueStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewQueueStoreWithPool(p, cfg.LinksTable, cfg.ContentTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewQueueStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewQueueStoreWithPool(p pool, linksTable, contentTable string) (*QueueStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if linksTable == "" {
		linksTable = DefaultLinksTable
	}
	if contentTable == "" {
		contentTable = DefaultContentTable
	}
	for _, table := range []string{linksTable, contentTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &QueueStore{pool: p, links: linksTable, content: contentTable}, nil
}

// Close releases the underlying pool resources.
func (s *QueueStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *QueueStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates both tables and their status indexes if missing.
func (s *QueueStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	source_url TEXT NOT NULL UNIQUE,
	_status TEXT NOT NULL DEFAULT 'pending' CHECK (_status IN ('pending','completed','failed','banned')),
	_created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	_visited_at TIMESTAMPTZ
)`, s.links),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (_status, id)`, s.links),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	source_id BIGINT NOT NULL UNIQUE REFERENCES %s (id) ON DELETE CASCADE,
	content JSONB NOT NULL,
	content_url TEXT NOT NULL DEFAULT '',
	_status TEXT NOT NULL DEFAULT 'pending' CHECK (_status IN ('pending','completed','failed','trashed')),
	_created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	_updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.content, s.links),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (_status, id)`, s.content),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// EnqueueLink inserts url as pending. An existing row is reset to pending
// unless it is banned.
func (s *QueueStore) EnqueueLink(ctx context.Context, url string) (crawler.Link, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (source_url) VALUES ($1)
ON CONFLICT (source_url) DO UPDATE SET _status = CASE
	WHEN %[1]s._status = 'banned' THEN %[1]s._status
	ELSE 'pending'
END
RETURNING id, source_url, _status, _created_at, _visited_at`, s.links)

	link, err := scanLink(s.pool.QueryRow(ctx, query, url))
	if err != nil {
		return crawler.Link{}, fmt.Errorf("enqueue link: %w", err)
	}
	return link, nil
}

// DequeuePendingLinks returns up to limit pending links, oldest first.
func (s *QueueStore) DequeuePendingLinks(ctx context.Context, limit int) ([]crawler.Link, error) {
	query := fmt.Sprintf(`
SELECT id, source_url, _status, _created_at, _visited_at
FROM %s
WHERE _status = 'pending'
ORDER BY id
LIMIT $1`, s.links)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue links: %w", err)
	}
	defer rows.Close()

	var links []crawler.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue links: %w", err)
	}
	return links, nil
}

// CountPendingLinks reports the number of pending links.
func (s *QueueStore) CountPendingLinks(ctx context.Context) (int, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE _status = 'pending'`, s.links)
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending links: %w", err)
	}
	return int(n), nil
}

// MarkLinkVisited stamps the visit time and sets completed or failed.
func (s *QueueStore) MarkLinkVisited(ctx context.Context, linkID int64, success bool) error {
	status := crawler.LinkFailed
	if success {
		status = crawler.LinkCompleted
	}
	query := fmt.Sprintf(`UPDATE %s SET _status = $2, _visited_at = now() WHERE id = $1`, s.links)
	tag, err := s.pool.Exec(ctx, query, linkID, string(status))
	if err != nil {
		return fmt.Errorf("mark link visited: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link %d: %w", linkID, crawler.ErrNotFound)
	}
	return nil
}

// LinkExists reports whether url has ever been enqueued.
func (s *QueueStore) LinkExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE source_url = $1)`, s.links)
	if err := s.pool.QueryRow(ctx, query, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("link exists: %w", err)
	}
	return exists, nil
}

// UpsertContent stores the extraction result for linkID and resets the
// record to pending so it is imported again.
func (s *QueueStore) UpsertContent(ctx context.Context, linkID int64, result crawler.ExtractionResult) (int64, error) {
	doc, contentURL, err := crawler.EncodeContent(result)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (source_id, content, content_url) VALUES ($1, $2, $3)
ON CONFLICT (source_id) DO UPDATE SET
	content = EXCLUDED.content,
	content_url = EXCLUDED.content_url,
	_status = 'pending',
	_updated_at = now()
RETURNING id`, s.content)

	var id int64
	if err := s.pool.QueryRow(ctx, query, linkID, []byte(doc), contentURL).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert content: %w", err)
	}
	return id, nil
}

// DequeuePendingContent returns up to limit pending records, oldest first.
func (s *QueueStore) DequeuePendingContent(ctx context.Context, limit int) ([]crawler.ContentRecord, error) {
	query := fmt.Sprintf(`
SELECT id, source_id, content, content_url, _status, _created_at, _updated_at
FROM %s
WHERE _status = 'pending'
ORDER BY id
LIMIT $1`, s.content)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue content: %w", err)
	}
	defer rows.Close()

	var records []crawler.ContentRecord
	for rows.Next() {
		var (
			rec    crawler.ContentRecord
			doc    []byte
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &doc, &rec.ContentURL, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		rec.Content = json.RawMessage(doc)
		rec.Status = crawler.ContentStatus(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue content: %w", err)
	}
	return records, nil
}

// MarkContentStatus moves a record to status.
func (s *QueueStore) MarkContentStatus(ctx context.Context, contentID int64, status crawler.ContentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid content status %q", status)
	}
	query := fmt.Sprintf(`UPDATE %s SET _status = $2, _updated_at = now() WHERE id = $1`, s.content)
	tag, err := s.pool.Exec(ctx, query, contentID, string(status))
	if err != nil {
		return fmt.Errorf("mark content status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content %d: %w", contentID, crawler.ErrNotFound)
	}
	return nil
}

func scanLink(row pgx.Row) (crawler.Link, error) {
	var (
		link    crawler.Link
		status  string
		visited *time.Time
	)
	if err := row.Scan(&link.ID, &link.SourceURL, &status, &link.CreatedAt, &visited); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Link{}, crawler.ErrNotFound
		}
		return crawler.Link{}, err
	}
	link.Status = crawler.LinkStatus(status)
	link.VisitedAt = visited
	return link, nil
}
