// Package memory provides in-process implementations of the crawl store and blob store
// for development and tests. They honor the same uniqueness and state-machine rules as
// the PostgreSQL store but are only visible to the process that created them.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

// CrawlStore is a mutex-guarded store.Store.
type CrawlStore struct {
	mu         sync.Mutex
	pages      map[int64]store.Page
	byURL      map[string]int64
	byHash     map[string]int64
	sites      map[int64]store.Site
	byDomain   map[string]int64
	links      map[store.Link]struct{}
	pageData   []store.PageData
	stopReason string
	stopped    bool
	nextPage   int64
	nextSite   int64
}

var _ store.Store = (*CrawlStore)(nil)

// NewCrawlStore constructs an empty CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		pages:    make(map[int64]store.Page),
		byURL:    make(map[string]int64),
		byHash:   make(map[string]int64),
		sites:    make(map[int64]store.Site),
		byDomain: make(map[string]int64),
		links:    make(map[store.Link]struct{}),
	}
}

// ClaimNext picks the FRONTIER page with the highest relevance, lowest id first on ties.
func (s *CrawlStore) ClaimNext(_ context.Context, owner string, now time.Time) (store.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *store.Page
	for id := range s.pages {
		p := s.pages[id]
		if p.Type != store.PageFrontier {
			continue
		}
		if best == nil || p.Relevance > best.Relevance || (p.Relevance == best.Relevance && p.ID < best.ID) {
			cp := p
			best = &cp
		}
	}
	if best == nil {
		return store.Claim{}, store.ErrFrontierEmpty
	}
	best.Type = store.PageCrawling
	best.ClaimedAt = &now
	best.ClaimedBy = &owner
	s.pages[best.ID] = *best
	return store.Claim{PageID: best.ID, URL: best.URL, Relevance: best.Relevance}, nil
}

// InsertFrontier inserts unseen URLs as FRONTIER pages and links fromPage to every URL.
func (s *CrawlStore) InsertFrontier(_ context.Context, fromPage *int64, links []store.LinkCandidate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, l := range links {
		id, ok := s.byURL[l.URL]
		if !ok {
			s.nextPage++
			id = s.nextPage
			s.pages[id] = store.Page{ID: id, URL: l.URL, Type: store.PageFrontier, Relevance: l.Relevance}
			s.byURL[l.URL] = id
			inserted++
		}
		if fromPage != nil {
			s.links[store.Link{FromPage: *fromPage, ToPage: id}] = struct{}{}
		}
	}
	return inserted, nil
}

// MarkFetching stamps access metadata on a CRAWLING page.
func (s *CrawlStore) MarkFetching(_ context.Context, pageID int64, owner string, siteID *int64, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.claimed(pageID, owner)
	if err != nil {
		return err
	}
	if siteID != nil {
		p.SiteID = siteID
	}
	p.AccessedTime = &at
	p.ClaimedAt = &at
	if ip != "" {
		p.AccessedIP = &ip
	}
	s.pages[pageID] = p
	return nil
}

// CompletePage applies a terminal classification to a CRAWLING page.
func (s *CrawlStore) CompletePage(_ context.Context, pageID int64, u store.PageUpdate) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.claimed(pageID, u.Owner)
	if err != nil {
		return store.Page{}, err
	}
	if u.ContentHash != nil {
		if owner, taken := s.byHash[*u.ContentHash]; taken && owner != pageID {
			return store.Page{}, store.ErrDuplicateContent
		}
		s.byHash[*u.ContentHash] = pageID
	}
	p.Type = u.Type
	p.HTMLContent = u.HTMLContent
	p.ContentHash = u.ContentHash
	if u.HTTPStatusCode != 0 {
		code := u.HTTPStatusCode
		p.HTTPStatusCode = &code
	}
	if u.AccessedIP != "" {
		ip := u.AccessedIP
		p.AccessedIP = &ip
	}
	if u.SiteID != nil {
		p.SiteID = u.SiteID
	}
	if !u.AccessedTime.IsZero() {
		at := u.AccessedTime
		p.AccessedTime = &at
	}
	s.pages[pageID] = p
	return p, nil
}

// claimed loads a CRAWLING page held by owner. Callers hold s.mu.
func (s *CrawlStore) claimed(pageID int64, owner string) (store.Page, error) {
	p, ok := s.pages[pageID]
	if !ok {
		return store.Page{}, store.ErrNotFound
	}
	if p.Type != store.PageCrawling {
		return store.Page{}, fmt.Errorf("%w: page %d is %s", store.ErrInvalidTransition, pageID, p.Type)
	}
	if owner != "" && (p.ClaimedBy == nil || *p.ClaimedBy != owner) {
		return store.Page{}, fmt.Errorf("%w: page %d", store.ErrClaimLost, pageID)
	}
	return p, nil
}

// ReleaseStale returns CRAWLING pages claimed before cutoff to FRONTIER.
func (s *CrawlStore) ReleaseStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, p := range s.pages {
		if p.Type != store.PageCrawling || p.ClaimedAt == nil || !p.ClaimedAt.Before(cutoff) {
			continue
		}
		p.Type = store.PageFrontier
		p.ClaimedAt = nil
		p.ClaimedBy = nil
		s.pages[id] = p
		n++
	}
	return n, nil
}

// CountByType counts pages in state t.
func (s *CrawlStore) CountByType(_ context.Context, t store.PageType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.pages {
		if p.Type == t {
			n++
		}
	}
	return n, nil
}

// GetPage returns a copy of the page row.
func (s *CrawlStore) GetPage(_ context.Context, pageID int64) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[pageID]
	if !ok {
		return store.Page{}, store.ErrNotFound
	}
	return p, nil
}

// PageByURL returns the page stored under a canonical URL.
func (s *CrawlStore) PageByURL(_ context.Context, url string) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byURL[url]
	if !ok {
		return store.Page{}, store.ErrNotFound
	}
	return s.pages[id], nil
}

// Pages lists every page ordered by id.
func (s *CrawlStore) Pages() []store.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Page, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddLink records an edge; existing edges are ignored.
func (s *CrawlStore) AddLink(_ context.Context, link store.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link] = struct{}{}
	return nil
}

// HasLink reports whether the edge exists.
func (s *CrawlStore) HasLink(from, to int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.links[store.Link{FromPage: from, ToPage: to}]
	return ok
}

// LinkCount returns the number of distinct edges.
func (s *CrawlStore) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// CreateSite inserts the site or returns the row already stored for its domain.
func (s *CrawlStore) CreateSite(_ context.Context, site store.Site) (store.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDomain[site.Domain]; ok {
		return s.sites[id], nil
	}
	s.nextSite++
	site.ID = s.nextSite
	s.sites[site.ID] = site
	s.byDomain[site.Domain] = site.ID
	return site, nil
}

// SiteByDomain returns store.ErrNotFound when the domain is unknown.
func (s *CrawlStore) SiteByDomain(_ context.Context, domain string) (store.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDomain[domain]
	if !ok {
		return store.Site{}, store.ErrNotFound
	}
	return s.sites[id], nil
}

// LastDomainAccess returns the latest access stamp among pages of the domain's site.
func (s *CrawlStore) LastDomainAccess(_ context.Context, domain string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	siteID, ok := s.byDomain[domain]
	if !ok {
		return time.Time{}, false, nil
	}
	return s.latest(func(p store.Page) bool { return p.SiteID != nil && *p.SiteID == siteID })
}

// LastIPAccess returns the latest access stamp among pages fetched from ip.
func (s *CrawlStore) LastIPAccess(_ context.Context, ip string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(func(p store.Page) bool { return p.AccessedIP != nil && *p.AccessedIP == ip })
}

func (s *CrawlStore) latest(match func(store.Page) bool) (time.Time, bool, error) {
	var last time.Time
	found := false
	for _, p := range s.pages {
		if p.AccessedTime == nil || !match(p) {
			continue
		}
		if !found || p.AccessedTime.After(last) {
			last = *p.AccessedTime
			found = true
		}
	}
	return last, found, nil
}

// PageByContentHash returns the id of the page owning hash.
func (s *CrawlStore) PageByContentHash(_ context.Context, hash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return 0, store.ErrNotFound
	}
	return id, nil
}

// AddPageData stores a payload record for an existing page.
func (s *CrawlStore) AddPageData(_ context.Context, data store.PageData) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pages[data.PageID]; !ok {
		return 0, store.ErrNotFound
	}
	data.ID = int64(len(s.pageData) + 1)
	data.Data = append([]byte(nil), data.Data...)
	s.pageData = append(s.pageData, data)
	return data.ID, nil
}

// PageData returns the payload records stored for pageID.
func (s *CrawlStore) PageData(pageID int64) []store.PageData {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.PageData
	for _, d := range s.pageData {
		if d.PageID == pageID {
			out = append(out, d)
		}
	}
	return out
}

// SetStop raises the shared stop flag.
func (s *CrawlStore) SetStop(_ context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopReason = reason
	return nil
}

// ClearStop lowers the shared stop flag.
func (s *CrawlStore) ClearStop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	s.stopReason = ""
	return nil
}

// StopRequested reports whether the stop flag is raised.
func (s *CrawlStore) StopRequested(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped, nil
}

// Ping always succeeds.
func (s *CrawlStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *CrawlStore) Close() {}
