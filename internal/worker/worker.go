// Package worker runs the crawl loop: claim a frontier page, wait out politeness,
// fetch, classify the result and feed discovered links back into the frontier.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/dedup"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// DefaultCheckEvery is how many iterations pass between stop-condition checks.
const DefaultCheckEvery = 10

// DefaultTopic names classification events.
const DefaultTopic = "page.classified"

// Frontier is the scheduler surface the worker drives.
type Frontier interface {
	Claim(ctx context.Context) (store.Claim, error)
	Enqueue(ctx context.Context, fromPageID *int64, links []store.LinkCandidate) (int, error)
	MarkFetching(ctx context.Context, pageID int64, siteID *int64, ip string) error
	Complete(ctx context.Context, pageID int64, update store.PageUpdate) (store.Page, error)
	ReclaimStale(ctx context.Context) (int64, error)
	HTMLCount(ctx context.Context) (int64, error)
	Stop(ctx context.Context, reason string) error
	Stopped(ctx context.Context) (bool, error)
}

// Sites resolves domains and answers robots questions.
type Sites interface {
	GetOrCreateSite(ctx context.Context, domain string, originPageID *int64) (int64, error)
	IsAllowed(rawURL string) bool
}

// Politeness blocks until a fetch to domain from ip is allowed.
type Politeness interface {
	Wait(ctx context.Context, domain, ip string) error
}

// Deduper classifies HTML as new or duplicate content.
type Deduper interface {
	Store(ctx context.Context, req dedup.StoreRequest) (dedup.Result, error)
}

// Resolver maps a host name to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Deps are the collaborators of a Worker. Headless, Detector, HeadlessPolicy, Blobs,
// Publisher and Resolver are optional.
type Deps struct {
	Frontier       Frontier
	Sites          Sites
	Politeness     Politeness
	Dedup          Deduper
	PageData       store.PageDataRepository
	Fetcher        crawler.Fetcher
	Headless       crawler.Fetcher
	Detector       crawler.HeadlessDetector
	HeadlessPolicy crawler.HeadlessPolicy
	Blobs          crawler.BlobStore
	Publisher      crawler.Publisher
	Resolver       Resolver
	Clock          crawler.Clock
	Scorer         crawler.Scorer
}

// Config controls Worker behavior.
type Config struct {
	// Name identifies the worker in logs and events.
	Name string
	// MaxPages stops the crawl once this many HTML pages exist. Zero means unbounded.
	MaxPages   int64
	CheckEvery int
	Topic      string
	BlobPrefix string
	// InlinePayloads stores non-HTML bodies in page_data.data as well as the archive.
	InlinePayloads bool
}

// Worker consumes frontier pages until the frontier is empty or the crawl stops.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Frontier == nil:
		return nil, fmt.Errorf("frontier is required")
	case deps.Sites == nil:
		return nil, fmt.Errorf("site registry is required")
	case deps.Politeness == nil:
		return nil, fmt.Errorf("politeness controller is required")
	case deps.Dedup == nil:
		return nil, fmt.Errorf("dedup engine is required")
	case deps.PageData == nil:
		return nil, fmt.Errorf("page data repository is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run loops until the frontier is empty, the stop flag is raised, the page target is
// reached or ctx is canceled. Iteration failures are logged and the loop moves on.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for iteration := 0; ; iteration++ {
		if ctx.Err() != nil {
			w.logger.Info("worker canceled", zap.Int("iterations", iteration))
			return nil
		}
		if iteration%w.cfg.CheckEvery == 0 {
			stop, err := w.shouldStop(ctx)
			if err != nil {
				w.logger.Warn("stop check failed", zap.Error(err))
			} else if stop {
				w.logger.Info("stop condition observed", zap.Int("iterations", iteration))
				return nil
			}
		}
		err := w.RunOnce(ctx)
		switch {
		case errors.Is(err, store.ErrFrontierEmpty):
			w.logger.Info("frontier is empty", zap.Int("iterations", iteration))
			return nil
		case ctx.Err() != nil:
			w.logger.Info("worker canceled", zap.Int("iterations", iteration+1))
			return nil
		case errors.Is(err, store.ErrClaimLost):
			w.logger.Warn("lease expired before page was classified", zap.Error(err))
		case err != nil:
			w.logger.Error("iteration abandoned", zap.Error(err))
		}
	}
}

// shouldStop reclaims expired leases, then reports whether the crawl is over. Reaching
// the page target raises the shared flag for every other worker.
func (w *Worker) shouldStop(ctx context.Context) (bool, error) {
	if _, err := w.deps.Frontier.ReclaimStale(ctx); err != nil {
		w.logger.Warn("lease reclaim failed", zap.Error(err))
	}
	stopped, err := w.deps.Frontier.Stopped(ctx)
	if err != nil {
		return false, err
	}
	if stopped {
		return true, nil
	}
	if w.cfg.MaxPages <= 0 {
		return false, nil
	}
	count, err := w.deps.Frontier.HTMLCount(ctx)
	if err != nil {
		return false, err
	}
	if count < w.cfg.MaxPages {
		return false, nil
	}
	reason := fmt.Sprintf("html_count=%d max_pages=%d", count, w.cfg.MaxPages)
	if err := w.deps.Frontier.Stop(ctx, reason); err != nil {
		return true, err
	}
	w.logger.Info("page target reached", zap.Int64("html_count", count), zap.Int64("max_pages", w.cfg.MaxPages))
	return true, nil
}

// target is the per-iteration state shared by the classification steps.
type target struct {
	pageID int64
	url    string
	domain string
	siteID *int64
	ip     string
}

// RunOnce processes a single frontier page. It returns store.ErrFrontierEmpty when
// there is nothing to claim; any other error means the iteration was abandoned and the
// page is left for the lease reaper.
func (w *Worker) RunOnce(ctx context.Context) error {
	claim, err := w.deps.Frontier.Claim(ctx)
	if err != nil {
		return err
	}
	t := target{pageID: claim.PageID, url: claim.URL, domain: crawler.Domain(claim.URL)}
	log := w.logger.With(zap.Int64("page_id", t.pageID), zap.String("url", t.url))
	log.Debug("claimed page", zap.Int("relevance", claim.Relevance))

	siteID, err := w.deps.Sites.GetOrCreateSite(ctx, t.domain, &t.pageID)
	if err != nil {
		return fmt.Errorf("register site %s: %w", t.domain, err)
	}
	t.siteID = &siteID

	if !w.deps.Sites.IsAllowed(t.url) {
		log.Info("disallowed by robots.txt")
		return w.complete(ctx, t, store.PageUpdate{Type: store.PageError, SiteID: t.siteID}, crawler.ClassifiedEvent{})
	}

	t.ip = w.resolve(ctx, t.url)
	if err := w.deps.Politeness.Wait(ctx, t.domain, t.ip); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	if err := w.deps.Frontier.MarkFetching(ctx, t.pageID, t.siteID, t.ip); err != nil {
		return err
	}

	resp, err := w.fetch(ctx, t.url)
	if err != nil {
		log.Warn("fetch failed", zap.Error(err))
		metrics.ObserveFetch(metrics.SanitizeSite(t.url), http.StatusInternalServerError, 0)
		return w.complete(ctx, t, store.PageUpdate{
			Type:           store.PageError,
			HTTPStatusCode: http.StatusInternalServerError,
			AccessedIP:     t.ip,
			SiteID:         t.siteID,
		}, crawler.ClassifiedEvent{})
	}
	metrics.ObserveFetch(metrics.SanitizeSite(t.url), resp.StatusCode, len(resp.Body))

	if crawler.ClassifyContent(t.url, resp.ContentType()) != crawler.ContentHTML {
		return w.storeBinary(ctx, t, resp)
	}
	return w.storeHTML(ctx, t, resp)
}

// resolve returns the first address of the URL's host, or "" when it cannot be
// resolved; the fetch then fails on its own and the page is classified ERROR.
func (w *Worker) resolve(ctx context.Context, rawURL string) string {
	if w.deps.Resolver == nil {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	addrs, err := w.deps.Resolver.LookupHost(ctx, u.Hostname())
	if err != nil || len(addrs) == 0 {
		w.logger.Debug("host lookup failed", zap.String("host", u.Hostname()), zap.Error(err))
		return ""
	}
	return addrs[0]
}

// fetch performs the plain fetch and, when the body is a script shell, renders it
// headless and replays the browser cookies on a follow-up plain fetch whose status and
// headers are authoritative.
func (w *Worker) fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	resp, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: %w", err)
	}
	if w.deps.Headless == nil || w.deps.Detector == nil || !w.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}
	if w.deps.HeadlessPolicy != nil && !w.deps.HeadlessPolicy.AllowHeadless(rawURL) {
		metrics.ObserveHeadlessPromotion("throttled")
		return resp, nil
	}

	rendered, err := w.deps.Headless.Fetch(ctx, crawler.FetchRequest{
		URL:         rawURL,
		UseHeadless: true,
		Cookies:     resp.Cookies,
	})
	if err != nil {
		metrics.ObserveHeadlessPromotion("failed")
		w.logger.Warn("headless render failed, keeping plain response", zap.String("url", rawURL), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true

	follow, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Cookies: rendered.Cookies})
	if err != nil {
		metrics.ObserveHeadlessPromotion("rendered_only")
		w.logger.Warn("follow-up fetch failed, using rendered status", zap.String("url", rawURL), zap.Error(err))
		return rendered, nil
	}
	rendered.StatusCode = follow.StatusCode
	rendered.Headers = follow.Headers
	metrics.ObserveHeadlessPromotion("promoted")
	return rendered, nil
}

func (w *Worker) storeBinary(ctx context.Context, t target, resp crawler.FetchResponse) error {
	data := store.PageData{PageID: t.pageID, DataType: crawler.DataTypeFor(t.url, resp.ContentType())}
	ev := crawler.ClassifiedEvent{Headless: resp.UsedHeadless}
	if w.deps.Blobs != nil && len(resp.Body) > 0 {
		uri, err := w.deps.Blobs.PutObject(ctx, w.payloadPath(t), resp.ContentType(), bytes.NewReader(resp.Body))
		if err != nil {
			w.logger.Warn("payload archive failed", zap.Int64("page_id", t.pageID), zap.Error(err))
		} else {
			data.BlobURI = &uri
			ev.BlobURI = uri
		}
	}
	if w.cfg.InlinePayloads {
		data.Data = resp.Body
	}

	if err := w.complete(ctx, t, store.PageUpdate{
		Type:           store.PageBinary,
		HTTPStatusCode: resp.StatusCode,
		AccessedIP:     t.ip,
		SiteID:         t.siteID,
	}, ev); err != nil {
		return err
	}
	if _, err := w.deps.PageData.AddPageData(ctx, data); err != nil {
		return fmt.Errorf("add page data: %w", err)
	}
	return nil
}

func (w *Worker) storeHTML(ctx context.Context, t target, resp crawler.FetchResponse) error {
	body := dedup.Sanitize(resp.Body)
	doc, err := dedup.Parse(body)
	if err != nil {
		w.logger.Warn("unparsable html", zap.Int64("page_id", t.pageID), zap.Error(err))
		return w.complete(ctx, t, store.PageUpdate{
			Type: store.PageError, HTTPStatusCode: resp.StatusCode, AccessedIP: t.ip, SiteID: t.siteID,
		}, crawler.ClassifiedEvent{Headless: resp.UsedHeadless})
	}
	normalized, err := dedup.NormalizeDocument(doc)
	if err != nil {
		return fmt.Errorf("normalize page %d: %w", t.pageID, err)
	}
	res, err := w.deps.Dedup.Store(ctx, dedup.StoreRequest{
		PageID:     t.pageID,
		HTML:       string(body),
		Normalized: normalized,
		StatusCode: resp.StatusCode,
		AccessedIP: t.ip,
		SiteID:     t.siteID,
	})
	if err != nil {
		return err
	}
	w.publish(ctx, res.Page, crawler.ClassifiedEvent{
		ContentHash: res.Hash,
		OriginalID:  res.OriginalID,
		Headless:    resp.UsedHeadless,
	}, resp.StatusCode)
	if res.Duplicate {
		w.logger.Debug("duplicate content", zap.Int64("page_id", t.pageID), zap.Int64("original_id", res.OriginalID))
		return nil
	}

	base := resp.URL
	if base == "" {
		base = t.url
	}
	links := w.deps.Scorer.ScoreAll(w.allowedLinks(base, doc))
	if len(links) == 0 {
		return nil
	}
	n, err := w.deps.Frontier.Enqueue(ctx, &t.pageID, links)
	if err != nil {
		return fmt.Errorf("enqueue links of page %d: %w", t.pageID, err)
	}
	w.logger.Debug("links enqueued", zap.Int64("page_id", t.pageID), zap.Int("found", len(links)), zap.Int("new", n))
	return nil
}

// allowedLinks extracts anchors, onclick navigations and images, canonicalizes them
// against base and drops URLs the robots rules forbid.
func (w *Worker) allowedLinks(base string, doc *goquery.Document) []string {
	var raws []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		raws = append(raws, s.AttrOr("href", ""))
	})
	doc.Find("[onclick]").Each(func(_ int, s *goquery.Selection) {
		if target, ok := crawler.ExtractOnclickURL(s.AttrOr("onclick", "")); ok {
			raws = append(raws, target)
		}
	})
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		raws = append(raws, s.AttrOr("src", ""))
	})

	canonical := crawler.Canonicalize(base, raws...)
	out := canonical[:0]
	for _, u := range canonical {
		if w.deps.Sites.IsAllowed(u) {
			out = append(out, u)
		}
	}
	return out
}

// complete applies a non-HTML classification and publishes it.
func (w *Worker) complete(ctx context.Context, t target, update store.PageUpdate, ev crawler.ClassifiedEvent) error {
	page, err := w.deps.Frontier.Complete(ctx, t.pageID, update)
	if err != nil {
		return err
	}
	w.publish(ctx, page, ev, update.HTTPStatusCode)
	return nil
}

func (w *Worker) publish(ctx context.Context, page store.Page, ev crawler.ClassifiedEvent, status int) {
	if w.deps.Publisher == nil {
		return
	}
	ev.PageID = page.ID
	ev.URL = page.URL
	ev.PageType = string(page.Type)
	ev.StatusCode = status
	ev.Worker = w.cfg.Name
	ev.Timestamp = w.deps.Clock.Now().UTC().Truncate(time.Millisecond)
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, ev); err != nil {
		w.logger.Warn("publish classification failed", zap.Int64("page_id", page.ID), zap.Error(err))
	}
}

func (w *Worker) payloadPath(t target) string {
	name := "payload"
	if u, err := url.Parse(t.url); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	p := fmt.Sprintf("pages/%d/%s", t.pageID, name)
	if prefix := strings.Trim(w.cfg.BlobPrefix, "/"); prefix != "" {
		p = prefix + "/" + p
	}
	return p
}
