// Package postgres provides the Postgres-backed crawl store. Every coordination rule
// between workers (claim exclusivity, URL and content-hash uniqueness, last-access
// times, the stop flag) is expressed as a statement against the crawldb schema.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	stopKey             = "stop"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs, satisfied by pgxmock in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool pool
}

var _ store.Store = (*Store)(nil)

// New opens a pgx connection pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
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
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the embedded crawldb schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()
	return fn(tx)
}

// ClaimNext moves the best FRONTIER row to CRAWLING in one statement. Rows locked by
// a concurrent claim are skipped rather than waited on.
func (s *Store) ClaimNext(ctx context.Context, owner string, now time.Time) (store.Claim, error) {
	const query = `
UPDATE crawldb.page
SET page_type_code = 'CRAWLING', claimed_at = $1, claimed_by = $2
WHERE id = (
	SELECT id FROM crawldb.page
	WHERE page_type_code = 'FRONTIER'
	ORDER BY relevance DESC, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, url, relevance`

	var c store.Claim
	err := s.pool.QueryRow(ctx, query, now, owner).Scan(&c.PageID, &c.URL, &c.Relevance)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Claim{}, store.ErrFrontierEmpty
	}
	if err != nil {
		return store.Claim{}, fmt.Errorf("claim frontier page: %w", err)
	}
	return c, nil
}

// InsertFrontier inserts-or-ignores the batch by URL and links fromPage to every URL
// of the batch in the same transaction.
func (s *Store) InsertFrontier(ctx context.Context, fromPage *int64, links []store.LinkCandidate) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}
	urls := make([]string, len(links))
	scores := make([]int32, len(links))
	for i, l := range links {
		urls[i] = l.URL
		scores[i] = int32(max(l.Relevance, 0))
	}

	var inserted int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO crawldb.page (url, page_type_code, relevance)
SELECT u, 'FRONTIER', r FROM unnest($1::text[], $2::int[]) AS t(u, r)
ON CONFLICT (url) DO NOTHING`, urls, scores)
		if err != nil {
			return fmt.Errorf("insert frontier pages: %w", err)
		}
		inserted = int(tag.RowsAffected())
		if fromPage == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO crawldb.link (from_page, to_page)
SELECT $1, id FROM crawldb.page WHERE url = ANY($2::text[])
ON CONFLICT DO NOTHING`, *fromPage, urls); err != nil {
			return fmt.Errorf("insert frontier links: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// MarkFetching stamps access time, IP and site right before the fetch is issued and
// renews the claim lease. A NULL owner skips the claimed_by fence.
func (s *Store) MarkFetching(ctx context.Context, pageID int64, owner string, siteID *int64, ip string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawldb.page
SET accessed_time = $2, claimed_at = $2, accessed_ip = $3, site_id = COALESCE($4, site_id)
WHERE id = $1 AND page_type_code = 'CRAWLING'
	AND ($5::text IS NULL OR claimed_by = $5)`, pageID, at, nullString(ip), siteID, nullString(owner))
	if err != nil {
		return fmt.Errorf("mark page fetching: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, pageID, owner)
	}
	return nil
}

// CompletePage applies a terminal classification. Only CRAWLING rows match, which keeps
// terminal states final.
func (s *Store) CompletePage(ctx context.Context, pageID int64, u store.PageUpdate) (store.Page, error) {
	var accessed *time.Time
	if !u.AccessedTime.IsZero() {
		accessed = &u.AccessedTime
	}
	var status *int32
	if u.HTTPStatusCode != 0 {
		code := int32(u.HTTPStatusCode)
		status = &code
	}
	row := s.pool.QueryRow(ctx, `
UPDATE crawldb.page
SET page_type_code = $2,
	html_content = $3,
	content_hash = $4,
	http_status_code = $5,
	accessed_ip = COALESCE($6, accessed_ip),
	site_id = COALESCE($7, site_id),
	accessed_time = COALESCE($8, accessed_time)
WHERE id = $1 AND page_type_code = 'CRAWLING'
	AND ($9::text IS NULL OR claimed_by = $9)
RETURNING `+pageColumns,
		pageID, string(u.Type), u.HTMLContent, u.ContentHash, status, nullString(u.AccessedIP), u.SiteID, accessed,
		nullString(u.Owner))

	page, err := scanPage(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.Page{}, s.transitionError(ctx, pageID, u.Owner)
	case isPgCode(err, uniqueViolation):
		return store.Page{}, store.ErrDuplicateContent
	case err != nil:
		return store.Page{}, fmt.Errorf("complete page: %w", err)
	}
	return page, nil
}

// transitionError explains why an update guarded on CRAWLING and owner matched no row.
func (s *Store) transitionError(ctx context.Context, pageID int64, owner string) error {
	var (
		code      string
		claimedBy *string
	)
	err := s.pool.QueryRow(ctx, `SELECT page_type_code, claimed_by FROM crawldb.page WHERE id = $1`, pageID).
		Scan(&code, &claimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load page state: %w", err)
	}
	if code == string(store.PageCrawling) && owner != "" && (claimedBy == nil || *claimedBy != owner) {
		return fmt.Errorf("%w: page %d", store.ErrClaimLost, pageID)
	}
	return fmt.Errorf("%w: page %d is %s", store.ErrInvalidTransition, pageID, code)
}

// ReleaseStale returns CRAWLING rows whose claim is older than cutoff to FRONTIER.
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawldb.page
SET page_type_code = 'FRONTIER', claimed_at = NULL, claimed_by = NULL
WHERE page_type_code = 'CRAWLING' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByType counts pages in state t.
func (s *Store) CountByType(ctx context.Context, t store.PageType) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM crawldb.page WHERE page_type_code = $1`, string(t)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// GetPage loads a single page row.
func (s *Store) GetPage(ctx context.Context, pageID int64) (store.Page, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM crawldb.page WHERE id = $1`, pageID)
	page, err := scanPage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Page{}, store.ErrNotFound
	}
	if err != nil {
		return store.Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

// AddLink records an edge, ignoring existing ones.
func (s *Store) AddLink(ctx context.Context, link store.Link) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawldb.link (from_page, to_page) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, link.FromPage, link.ToPage)
	if isPgCode(err, foreignKeyViolation) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// CreateSite inserts the site; if the domain already exists the stored row wins.
func (s *Store) CreateSite(ctx context.Context, site store.Site) (store.Site, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO crawldb.site (domain, robots_content, sitemap_content) VALUES ($1, $2, $3)
ON CONFLICT (domain) DO NOTHING
RETURNING id, domain, robots_content, sitemap_content`, site.Domain, site.RobotsContent, site.SitemapContent)

	var out store.Site
	err := row.Scan(&out.ID, &out.Domain, &out.RobotsContent, &out.SitemapContent)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.SiteByDomain(ctx, site.Domain)
	}
	if err != nil {
		return store.Site{}, fmt.Errorf("insert site: %w", err)
	}
	return out, nil
}

// SiteByDomain returns store.ErrNotFound when the domain has no row.
func (s *Store) SiteByDomain(ctx context.Context, domain string) (store.Site, error) {
	var out store.Site
	err := s.pool.QueryRow(ctx, `
SELECT id, domain, robots_content, sitemap_content FROM crawldb.site WHERE domain = $1`, domain).
		Scan(&out.ID, &out.Domain, &out.RobotsContent, &out.SitemapContent)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Site{}, store.ErrNotFound
	}
	if err != nil {
		return store.Site{}, fmt.Errorf("get site: %w", err)
	}
	return out, nil
}

// LastDomainAccess returns the latest access stamp of any page belonging to domain.
func (s *Store) LastDomainAccess(ctx context.Context, domain string) (time.Time, bool, error) {
	return s.lastAccess(ctx, `
SELECT max(p.accessed_time) FROM crawldb.page p
JOIN crawldb.site s ON s.id = p.site_id
WHERE s.domain = $1`, domain)
}

// LastIPAccess returns the latest access stamp of any page fetched from ip.
func (s *Store) LastIPAccess(ctx context.Context, ip string) (time.Time, bool, error) {
	return s.lastAccess(ctx, `SELECT max(accessed_time) FROM crawldb.page WHERE accessed_ip = $1`, ip)
}

func (s *Store) lastAccess(ctx context.Context, query, arg string) (time.Time, bool, error) {
	var last *time.Time
	if err := s.pool.QueryRow(ctx, query, arg).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("read last access: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// PageByContentHash returns the id of the page owning hash.
func (s *Store) PageByContentHash(ctx context.Context, hash string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM crawldb.page WHERE content_hash = $1`, hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup content hash: %w", err)
	}
	return id, nil
}

// AddPageData stores a payload record.
func (s *Store) AddPageData(ctx context.Context, data store.PageData) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO crawldb.page_data (page_id, data_type_code, data, blob_uri) VALUES ($1, $2, $3, $4)
RETURNING id`, data.PageID, string(data.DataType), data.Data, data.BlobURI).Scan(&id)
	if isPgCode(err, foreignKeyViolation) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("insert page data: %w", err)
	}
	return id, nil
}

// SetStop raises the shared stop flag.
func (s *Store) SetStop(ctx context.Context, reason string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawldb.crawl_control (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, stopKey, reason)
	if err != nil {
		return fmt.Errorf("set stop flag: %w", err)
	}
	return nil
}

// ClearStop lowers the shared stop flag.
func (s *Store) ClearStop(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawldb.crawl_control WHERE key = $1`, stopKey); err != nil {
		return fmt.Errorf("clear stop flag: %w", err)
	}
	return nil
}

// StopRequested reports whether the stop flag is raised.
func (s *Store) StopRequested(ctx context.Context) (bool, error) {
	var stopped bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM crawldb.crawl_control WHERE key = $1)`, stopKey).Scan(&stopped); err != nil {
		return false, fmt.Errorf("read stop flag: %w", err)
	}
	return stopped, nil
}

const pageColumns = `id, site_id, url, page_type_code, html_content, content_hash,
	http_status_code, accessed_time, accessed_ip, relevance, claimed_at, claimed_by`

func scanPage(row pgx.Row) (store.Page, error) {
	var (
		p      store.Page
		code   string
		status *int32
	)
	if err := row.Scan(&p.ID, &p.SiteID, &p.URL, &code, &p.HTMLContent, &p.ContentHash,
		&status, &p.AccessedTime, &p.AccessedIP, &p.Relevance, &p.ClaimedAt, &p.ClaimedBy); err != nil {
		return store.Page{}, err
	}
	p.Type = store.PageType(code)
	if status != nil {
		v := int(*status)
		p.HTTPStatusCode = &v
	}
	return p, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
