package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrFrontierEmpty is returned by ClaimNext when no FRONTIER page is claimable.
	ErrFrontierEmpty = errors.New("frontier is empty")
	// ErrInvalidTransition means the page is not in a state that allows the update.
	ErrInvalidTransition = errors.New("invalid page state transition")
	// ErrDuplicateContent means another page already owns the content hash.
	ErrDuplicateContent = errors.New("content hash already stored")
	// ErrClaimLost means the page is CRAWLING under a different owner, typically
	// after a stale lease was reclaimed and handed to another worker.
	ErrClaimLost = errors.New("page claim held by another owner")
)

// PageType mirrors crawldb.page_type.code.
type PageType string

// Page states. FRONTIER and CRAWLING are transient, the rest are terminal.
const (
	PageFrontier  PageType = "FRONTIER"
	PageCrawling  PageType = "CRAWLING"
	PageHTML      PageType = "HTML"
	PageBinary    PageType = "BINARY"
	PageDuplicate PageType = "DUPLICATE"
	PageError     PageType = "ERROR"
)

// Terminal reports whether no further transition is allowed out of t.
func (t PageType) Terminal() bool {
	switch t {
	case PageHTML, PageBinary, PageDuplicate, PageError:
		return true
	default:
		return false
	}
}

// ParsePageType validates a page type code.
func ParsePageType(code string) (PageType, error) {
	t := PageType(code)
	switch t {
	case PageFrontier, PageCrawling, PageHTML, PageBinary, PageDuplicate, PageError:
		return t, nil
	default:
		return "", fmt.Errorf("unknown page type %q", code)
	}
}

// DataType mirrors crawldb.data_type.code for opaque non-HTML payloads.
type DataType string

// Payload data types recorded in page_data.
const (
	DataPDF   DataType = "PDF"
	DataDOC   DataType = "DOC"
	DataDOCX  DataType = "DOCX"
	DataPPT   DataType = "PPT"
	DataPPTX  DataType = "PPTX"
	DataImage DataType = "IMAGE"
	DataVideo DataType = "VIDEO"
	DataOther DataType = "OTHER"
)

// ParseDataType validates a payload data type code.
func ParseDataType(code string) (DataType, error) {
	t := DataType(code)
	switch t {
	case DataPDF, DataDOC, DataDOCX, DataPPT, DataPPTX, DataImage, DataVideo, DataOther:
		return t, nil
	default:
		return "", fmt.Errorf("unknown data type %q", code)
	}
}

// Site is created once per domain and immutable afterwards.
type Site struct {
	ID             int64
	Domain         string
	RobotsContent  *string
	SitemapContent *string
}

// Page is one row of crawldb.page.
type Page struct {
	ID             int64
	SiteID         *int64
	URL            string
	Type           PageType
	HTMLContent    *string
	ContentHash    *string
	HTTPStatusCode *int
	AccessedTime   *time.Time
	AccessedIP     *string
	Relevance      int
	ClaimedAt      *time.Time
	ClaimedBy      *string
}

// Claim is a page a worker holds exclusively while it is CRAWLING.
type Claim struct {
	PageID    int64
	URL       string
	Relevance int
}

// LinkCandidate is a canonical URL discovered on a page together with its score.
type LinkCandidate struct {
	URL       string
	Relevance int
}

// PageUpdate applies a terminal classification to a CRAWLING page.
type PageUpdate struct {
	// Owner fences the update to the current claim holder. Empty skips the check.
	Owner          string
	Type           PageType
	HTMLContent    *string
	ContentHash    *string
	HTTPStatusCode int
	AccessedIP     string
	SiteID         *int64
	AccessedTime   time.Time
}

// Validate enforces the shape each terminal type allows.
func (u PageUpdate) Validate() error {
	if !u.Type.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal page type", ErrInvalidTransition, u.Type)
	}
	if u.Type == PageHTML {
		if u.HTMLContent == nil || u.ContentHash == nil || *u.ContentHash == "" {
			return fmt.Errorf("html pages require content and content hash")
		}
		return nil
	}
	if u.HTMLContent != nil || u.ContentHash != nil {
		return fmt.Errorf("%s pages must not carry html content or content hash", u.Type)
	}
	return nil
}

// PageData is an opaque payload record for a non-HTML page.
type PageData struct {
	ID       int64
	PageID   int64
	DataType DataType
	Data     []byte
	BlobURI  *string
}

// Link is a directed crawl-graph edge.
type Link struct {
	FromPage int64
	ToPage   int64
}

// FrontierRepository owns the page state machine and the frontier queue.
type FrontierRepository interface {
	// ClaimNext atomically moves the highest-relevance FRONTIER page to CRAWLING.
	ClaimNext(ctx context.Context, owner string, now time.Time) (Claim, error)
	// InsertFrontier inserts-or-ignores pages by URL and records links from fromPage
	// (when set) to every URL in the batch. It returns the number of new pages.
	InsertFrontier(ctx context.Context, fromPage *int64, links []LinkCandidate) (int, error)
	// MarkFetching stamps the access time, IP and site of a CRAWLING page held by
	// owner and renews its lease. An empty owner skips the fence.
	MarkFetching(ctx context.Context, pageID int64, owner string, siteID *int64, ip string, at time.Time) error
	// CompletePage applies a terminal classification to a CRAWLING page held by
	// update.Owner.
	CompletePage(ctx context.Context, pageID int64, update PageUpdate) (Page, error)
	// ReleaseStale returns CRAWLING pages claimed before cutoff to FRONTIER.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	// CountByType counts pages in the given state.
	CountByType(ctx context.Context, t PageType) (int64, error)
	// GetPage loads a single page.
	GetPage(ctx context.Context, pageID int64) (Page, error)
}

// LinkRepository records crawl-graph edges.
type LinkRepository interface {
	AddLink(ctx context.Context, link Link) error
}

// SiteRepository persists per-domain robots/sitemap snapshots.
type SiteRepository interface {
	// CreateSite inserts the site or returns the existing row for its domain.
	CreateSite(ctx context.Context, site Site) (Site, error)
	// SiteByDomain returns ErrNotFound when the domain has no row.
	SiteByDomain(ctx context.Context, domain string) (Site, error)
}

// AccessRepository answers politeness queries from durable access stamps.
type AccessRepository interface {
	// LastDomainAccess returns the most recent access time for any page of domain.
	LastDomainAccess(ctx context.Context, domain string) (time.Time, bool, error)
	// LastIPAccess returns the most recent access time for any page fetched from ip.
	LastIPAccess(ctx context.Context, ip string) (time.Time, bool, error)
}

// ContentRepository backs duplicate detection with the unique content hash index.
type ContentRepository interface {
	// PageByContentHash returns the page owning hash or ErrNotFound.
	PageByContentHash(ctx context.Context, hash string) (int64, error)
}

// PageDataRepository stores opaque payload records.
type PageDataRepository interface {
	AddPageData(ctx context.Context, data PageData) (int64, error)
}

// ControlRepository holds the shared stop flag observed by every worker.
type ControlRepository interface {
	SetStop(ctx context.Context, reason string) error
	ClearStop(ctx context.Context) error
	StopRequested(ctx context.Context) (bool, error)
}

// Store is the full durable store every worker coordinates through.
type Store interface {
	FrontierRepository
	LinkRepository
	SiteRepository
	AccessRepository
	ContentRepository
	PageDataRepository
	ControlRepository
	Close()
}
