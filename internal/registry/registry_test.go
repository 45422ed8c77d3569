package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	from  []*int64
	links []store.LinkCandidate
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, from *int64, links []store.LinkCandidate) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.from = append(e.from, from)
	e.links = append(e.links, links...)
	return len(links), nil
}

func newPolicyServer(t *testing.T, robotsHits *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		robotsHits.Add(1)
		fmt.Fprintf(w, "User-agent: *\nDisallow: /private\nCrawl-delay: 7\nSitemap: %s/sitemap_index.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/sitemap-1.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/sitemap-1.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/forum/a/</loc></url>
  <url><loc> %[1]s/novice/index.html </loc></url>
  <url><loc>%[1]s/private/secret</loc></url>
</urlset>`, srv.URL)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRegistry(sites store.SiteRepository, enq Enqueuer) *Registry {
	return New(sites, enq, Config{UserAgent: "fri-wier-test", Scheme: "http", RetryBackoff: []time.Duration{}}, zap.NewNop())
}

func TestGetOrCreateSiteBootstrapsPolicy(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newPolicyServer(t, &hits)
	domain := strings.TrimPrefix(srv.URL, "http://")
	sites := memory.NewCrawlStore()
	enq := &recordingEnqueuer{}
	reg := newRegistry(sites, enq)
	origin := int64(1)

	id, err := reg.GetOrCreateSite(context.Background(), domain, &origin)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.Equal(t, []store.LinkCandidate{
		{URL: srv.URL + "/forum/a", Relevance: DefaultSitemapRelevance},
		{URL: srv.URL + "/novice", Relevance: DefaultSitemapRelevance},
	}, enq.links)
	require.Equal(t, &origin, enq.from[0])

	site, err := sites.SiteByDomain(context.Background(), domain)
	require.NoError(t, err)
	require.NotNil(t, site.RobotsContent)
	require.Contains(t, *site.RobotsContent, "Disallow: /private")
	require.NotNil(t, site.SitemapContent)
	require.Contains(t, *site.SitemapContent, "sitemapindex")

	require.False(t, reg.IsAllowed(srv.URL+"/private/x"))
	require.True(t, reg.IsAllowed(srv.URL+"/forum/x"))
	delay, ok := reg.CrawlDelay(domain)
	require.True(t, ok)
	require.Equal(t, 7*time.Second, delay)

	again, err := reg.GetOrCreateSite(context.Background(), domain, &origin)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.EqualValues(t, 1, hits.Load())
}

func TestGetOrCreateSiteUsesStoredRobots(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newPolicyServer(t, &hits)
	domain := strings.TrimPrefix(srv.URL, "http://")
	sites := memory.NewCrawlStore()

	first := newRegistry(sites, &recordingEnqueuer{})
	_, err := first.GetOrCreateSite(context.Background(), domain, nil)
	require.NoError(t, err)

	enq := &recordingEnqueuer{}
	second := newRegistry(sites, enq)
	_, err = second.GetOrCreateSite(context.Background(), domain, nil)
	require.NoError(t, err)

	require.EqualValues(t, 1, hits.Load())
	require.Empty(t, enq.links)
	require.False(t, second.IsAllowed(srv.URL+"/private"))
}

func TestGetOrCreateSiteMissingRobotsIsPermissive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	domain := strings.TrimPrefix(srv.URL, "http://")
	sites := memory.NewCrawlStore()
	reg := newRegistry(sites, &recordingEnqueuer{})

	_, err := reg.GetOrCreateSite(context.Background(), domain, nil)
	require.NoError(t, err)

	site, err := sites.SiteByDomain(context.Background(), domain)
	require.NoError(t, err)
	require.Nil(t, site.RobotsContent)
	require.True(t, reg.IsAllowed(srv.URL+"/anything"))
	_, ok := reg.CrawlDelay(domain)
	require.False(t, ok)
}

func TestGetOrCreateSiteUnreachableHostIsPermissive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	domain := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	sites := memory.NewCrawlStore()
	reg := newRegistry(sites, &recordingEnqueuer{})
	id, err := reg.GetOrCreateSite(context.Background(), domain, nil)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.True(t, reg.IsAllowed("http://"+domain+"/x"))
}

func TestIsAllowedWithoutRules(t *testing.T) {
	t.Parallel()

	reg := newRegistry(memory.NewCrawlStore(), &recordingEnqueuer{})
	require.True(t, reg.IsAllowed("https://never-seen.example/private"))
}

func TestParseSitemapIgnoresForeignNamespace(t *testing.T) {
	t.Parallel()

	doc, err := parseSitemap([]byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9" xmlns:img="http://www.google.com/schemas/sitemap-image/1.1">
  <url><loc>https://x.com/a</loc><img:image><img:loc>https://x.com/a.png</img:loc></img:image></url>
</urlset>`))
	require.NoError(t, err)
	require.False(t, doc.index)
	require.Equal(t, []string{"https://x.com/a"}, doc.locs)
}

type stubRoundTripper struct {
	errs  []error
	calls int
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestRetryTransportRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	tr := &retryTransport{base: base, backoff: []time.Duration{0, 0, 0}}
	req := httptest.NewRequest(http.MethodGet, "https://x.com/robots.txt", nil)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, base.calls)
}

func TestRetryTransportGivesUp(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	tr := &retryTransport{base: base, backoff: []time.Duration{0, 0}}
	req := httptest.NewRequest(http.MethodGet, "https://x.com/robots.txt", nil)

	_, err := tr.RoundTrip(req)
	require.Error(t, err)
	require.Equal(t, 3, base.calls)
}

func TestRetryTransportFailsFastOnPermanentError(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{errs: []error{fmt.Errorf("connection refused")}}
	tr := &retryTransport{base: base, backoff: []time.Duration{0, 0}}
	req := httptest.NewRequest(http.MethodGet, "https://x.com/robots.txt", nil)

	_, err := tr.RoundTrip(req)
	require.Error(t, err)
	require.Equal(t, 1, base.calls)
}
