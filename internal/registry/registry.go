// Package registry bootstraps and caches per-domain crawl policy. The first worker to
// meet a domain reads its robots.txt and sitemaps, seeds the frontier with the sitemap
// URLs and persists the site row; later lookups are served from the process cache or
// from the stored robots text.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultFetchTimeout     = 5 * time.Second
	DefaultSitemapRelevance = 3
	maxPolicyBytes          = 1 << 20
)

// Enqueuer accepts frontier candidates discovered in sitemaps.
type Enqueuer interface {
	Enqueue(ctx context.Context, fromPageID *int64, links []store.LinkCandidate) (int, error)
}

// Config controls how policy files are fetched.
type Config struct {
	UserAgent        string
	FetchTimeout     time.Duration
	SitemapRelevance int
	// Scheme used for robots.txt requests; https unless overridden.
	Scheme string
	// HTTPClient overrides the default client; its transport is wrapped with retries.
	HTTPClient *http.Client
	// RetryBackoff overrides the transient-error retry schedule.
	RetryBackoff []time.Duration
}

type policy struct {
	siteID int64
	group  *robotstxt.Group
}

// Registry resolves domains to site ids and answers robots questions.
type Registry struct {
	sites    store.SiteRepository
	frontier Enqueuer
	client   *http.Client
	cfg      Config
	logger   *zap.Logger

	cache sync.Map // domain -> *policy
	group singleflight.Group
}

// New constructs a Registry.
func New(sites store.SiteRepository, frontier Enqueuer, cfg Config, logger *zap.Logger) *Registry {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.SitemapRelevance <= 0 {
		cfg.SitemapRelevance = DefaultSitemapRelevance
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := http.DefaultTransport
	var jar http.CookieJar
	if cfg.HTTPClient != nil {
		if cfg.HTTPClient.Transport != nil {
			base = cfg.HTTPClient.Transport
		}
		jar = cfg.HTTPClient.Jar
	}
	client := &http.Client{
		Transport: &retryTransport{base: base, backoff: cfg.RetryBackoff},
		Jar:       jar,
	}
	return &Registry{
		sites:    sites,
		frontier: frontier,
		client:   client,
		cfg:      cfg,
		logger:   logger,
	}
}

// GetOrCreateSite returns the site id for domain, bootstrapping its policy on first
// encounter. Sitemap URLs are attributed to originPageID.
func (r *Registry) GetOrCreateSite(ctx context.Context, domain string, originPageID *int64) (int64, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return 0, fmt.Errorf("domain is required")
	}
	if p, ok := r.cache.Load(domain); ok {
		return p.(*policy).siteID, nil
	}
	v, err, _ := r.group.Do(domain, func() (any, error) {
		return r.resolve(ctx, domain, originPageID)
	})
	if err != nil {
		return 0, err
	}
	return v.(*policy).siteID, nil
}

func (r *Registry) resolve(ctx context.Context, domain string, originPageID *int64) (*policy, error) {
	if p, ok := r.cache.Load(domain); ok {
		return p.(*policy), nil
	}
	site, err := r.sites.SiteByDomain(ctx, domain)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		site, err = r.bootstrap(ctx, domain, originPageID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("lookup site %s: %w", domain, err)
	}
	p := &policy{siteID: site.ID, group: r.groupFor(domain, site.RobotsContent)}
	r.cache.Store(domain, p)
	return p, nil
}

func (r *Registry) bootstrap(ctx context.Context, domain string, originPageID *int64) (store.Site, error) {
	site := store.Site{Domain: domain}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", r.cfg.Scheme, domain)
	body, ok := r.fetch(ctx, robotsURL)
	if ok {
		robotsText := string(body)
		site.RobotsContent = &robotsText
		data, err := robotstxt.FromBytes(body)
		if err != nil {
			r.logger.Warn("robots parse failed, allowing all", zap.String("domain", domain), zap.Error(err))
		} else {
			group := data.FindGroup(r.cfg.UserAgent)
			sitemapText, err := r.seedSitemaps(ctx, data.Sitemaps, group, originPageID)
			if err != nil {
				return store.Site{}, err
			}
			if sitemapText != "" {
				site.SitemapContent = &sitemapText
			}
		}
	}
	stored, err := r.sites.CreateSite(ctx, site)
	if err != nil {
		return store.Site{}, fmt.Errorf("create site %s: %w", domain, err)
	}
	r.logger.Info("site registered",
		zap.String("domain", domain),
		zap.Int64("site_id", stored.ID),
		zap.Bool("robots", stored.RobotsContent != nil),
	)
	return stored, nil
}

// seedSitemaps fetches the listed sitemaps (following one level of sitemap index) and
// enqueues every allowed URL. It returns the raw sitemap documents joined for audit.
func (r *Registry) seedSitemaps(
	ctx context.Context,
	sitemapURLs []string,
	group *robotstxt.Group,
	originPageID *int64,
) (string, error) {
	var (
		raw  []string
		locs []string
	)
	pending := sitemapURLs
	for depth := 0; depth < 2 && len(pending) > 0; depth++ {
		var next []string
		for _, sm := range pending {
			body, ok := r.fetch(ctx, sm)
			if !ok {
				continue
			}
			doc, err := parseSitemap(body)
			if err != nil {
				r.logger.Warn("sitemap parse failed", zap.String("url", sm), zap.Error(err))
				continue
			}
			raw = append(raw, string(body))
			if doc.index {
				next = append(next, doc.locs...)
				continue
			}
			locs = append(locs, doc.locs...)
		}
		pending = next
	}

	var links []store.LinkCandidate
	for _, u := range crawler.Canonicalize("", locs...) {
		if !allowed(group, u) {
			continue
		}
		links = append(links, store.LinkCandidate{URL: u, Relevance: r.cfg.SitemapRelevance})
	}
	if len(links) > 0 {
		n, err := r.frontier.Enqueue(ctx, originPageID, links)
		if err != nil {
			return "", fmt.Errorf("enqueue sitemap urls: %w", err)
		}
		r.logger.Debug("sitemap urls enqueued", zap.Int("candidates", len(links)), zap.Int("inserted", n))
	}
	return strings.Join(raw, "\n"), nil
}

// fetch performs a bounded GET. Any failure or non-2xx answer reports ok=false.
func (r *Registry) fetch(ctx context.Context, rawURL string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		r.logger.Warn("policy request build failed", zap.String("url", rawURL), zap.Error(err))
		return nil, false
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("policy fetch failed, proceeding unrestricted", zap.String("url", rawURL), zap.Error(err))
		return nil, false
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("policy body close failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Debug("policy file unavailable", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes))
	if err != nil {
		r.logger.Warn("policy body read failed", zap.String("url", rawURL), zap.Error(err))
		return nil, false
	}
	return body, true
}

func (r *Registry) groupFor(domain string, robotsContent *string) *robotstxt.Group {
	if robotsContent == nil {
		return nil
	}
	data, err := robotstxt.FromString(*robotsContent)
	if err != nil {
		r.logger.Warn("stored robots unparsable, allowing all", zap.String("domain", domain), zap.Error(err))
		return nil
	}
	return data.FindGroup(r.cfg.UserAgent)
}

// IsAllowed reports whether robots rules permit rawURL. Domains without cached rules
// are always allowed.
func (r *Registry) IsAllowed(rawURL string) bool {
	v, ok := r.cache.Load(crawler.Domain(rawURL))
	if !ok {
		return true
	}
	return allowed(v.(*policy).group, rawURL)
}

// CrawlDelay returns the robots-declared crawl delay for domain, if any.
func (r *Registry) CrawlDelay(domain string) (time.Duration, bool) {
	v, ok := r.cache.Load(strings.ToLower(domain))
	if !ok {
		return 0, false
	}
	g := v.(*policy).group
	if g == nil || g.CrawlDelay <= 0 {
		return 0, false
	}
	return g.CrawlDelay, true
}

func allowed(group *robotstxt.Group, rawURL string) bool {
	if group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}
