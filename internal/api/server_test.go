package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/frontier"
	"github.com/JakeFAU/polite-crawler/internal/politeness"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingDelays struct{}

func (failingDelays) Delay(context.Context, string, string, *time.Duration) (time.Duration, error) {
	return 5 * time.Second, errors.New("db down")
}

type harness struct {
	store  *memory.CrawlStore
	sched  *frontier.Scheduler
	server *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := memory.NewCrawlStore()
	clock := fixedClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	sched := frontier.New(s, clock, frontier.Config{Owner: "api"}, zap.NewNop())
	ctrl := politeness.New(s, nil, clock, 5*time.Second, zap.NewNop())
	srv := NewServer(Deps{Frontier: sched, Delays: ctrl, Repo: s, Ready: s.Ping}, time.Second, zap.NewNop())
	return &harness{store: s, sched: sched, server: srv}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestClaimEmptyFrontierAnswersNoContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/frontier", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestEnqueueThenClaimByRelevance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/page/frontierlinks", `{"links":[
		{"url":"https://Example.com/a/index.html","relevance":1},
		{"url":"https://example.com/b#frag","relevance":3},
		{"url":"https://example.com/b","relevance":3}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[enqueueResponse](t, rec)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, 2, resp.Inserted)

	rec = h.do(t, http.MethodGet, "/frontier", "")
	require.Equal(t, http.StatusOK, rec.Code)
	claim := decodeBody[claimResponse](t, rec)
	require.Equal(t, "https://example.com/b", claim.URL)

	page, err := h.store.GetPage(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Equal(t, store.PageCrawling, page.Type)
}

func TestEnqueueRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/page/frontierlinks", `{"links":[{"url":"mailto:x@example.com","relevance":1}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	require.Equal(t, kindValidation, resp.Kind)
	require.Empty(t, h.store.Pages())
}

func TestEnqueueRejectsOverlongURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	long := "https://a.com/" + strings.Repeat("x", crawler.MaxURLLength)
	rec := h.do(t, http.MethodPost, "/page/frontierlinks", `{"links":[{"url":"`+long+`","relevance":1}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, kindValidation, decodeBody[errorResponse](t, rec).Kind)
	require.Empty(t, h.store.Pages())
}

func TestUpdatePageRejectsLostClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, nil, []store.LinkCandidate{{URL: "https://a.com/1"}})
	require.NoError(t, err)
	c, err := h.store.ClaimNext(ctx, "worker-1", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	rec := h.do(t, http.MethodPut, "/page/"+itoa(c.PageID), `{"page_type_code":"ERROR","http_status_code":500}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, kindConflict, decodeBody[errorResponse](t, rec).Kind)

	page, err := h.store.GetPage(ctx, c.PageID)
	require.NoError(t, err)
	require.Equal(t, store.PageCrawling, page.Type)
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/page/frontierlinks", `{"links":[],"priority":9}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/page/frontierlinks", `{"links":[]}{"links":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePageLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, nil, []store.LinkCandidate{{URL: "https://a.com/1"}, {URL: "https://a.com/2"}})
	require.NoError(t, err)
	first, err := h.sched.Claim(ctx)
	require.NoError(t, err)
	second, err := h.sched.Claim(ctx)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPut, "/page/"+itoa(first.PageID),
		`{"page_type_code":"HTML","html_content":"<p>x</p>","content_hash":"abc","http_status_code":200,"accessed_ip":"10.0.0.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, first.URL, decodeBody[claimResponse](t, rec).URL)

	rec = h.do(t, http.MethodPut, "/page/"+itoa(first.PageID), `{"page_type_code":"ERROR","http_status_code":500}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPut, "/page/"+itoa(second.PageID),
		`{"page_type_code":"HTML","html_content":"<p>y</p>","content_hash":"abc","http_status_code":200}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPut, "/page/"+itoa(second.PageID), `{"page_type_code":"HTML","http_status_code":200}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/page/"+itoa(second.PageID), `{"page_type_code":"BOGUS"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/page/999", `{"page_type_code":"ERROR"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, kindNotFound, decodeBody[errorResponse](t, rec).Kind)

	rec = h.do(t, http.MethodGet, "/page/exists?content_hash=abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	exists := decodeBody[pageExistsResponse](t, rec)
	require.True(t, exists.Exists)
	require.Equal(t, first.PageID, *exists.PageID)

	rec = h.do(t, http.MethodGet, "/page/html-count", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]int64{"html_page_count": 1}, decodeBody[map[string]int64](t, rec))
}

func TestPageExistsRequiresHash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/page/exists", "").Code)

	rec := h.do(t, http.MethodGet, "/page/exists?content_hash=missing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decodeBody[pageExistsResponse](t, rec).Exists)
}

func TestSiteCreateAndExists(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/site/exists?domain=example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decodeBody[siteExistsResponse](t, rec).Exists)

	rec = h.do(t, http.MethodPost, "/site", `{"domain":"Example.com","robots_content":"User-agent: *\nDisallow: /x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody[siteResponse](t, rec)
	require.Equal(t, "example.com", created.Domain)

	rec = h.do(t, http.MethodPost, "/site", `{"domain":"example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, created.ID, decodeBody[siteResponse](t, rec).ID)

	rec = h.do(t, http.MethodGet, "/site/exists?domain=example.com", "")
	exists := decodeBody[siteExistsResponse](t, rec)
	require.True(t, exists.Exists)
	require.Equal(t, created.ID, *exists.SiteID)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/site", `{"domain":""}`).Code)
}

func TestDelayReportsRemainingSpacing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/site/delay", `{"domain":"a.com","ip":"10.0.0.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]float64{"delay_seconds": 0}, decodeBody[map[string]float64](t, rec))

	ctx := context.Background()
	site, err := h.store.CreateSite(ctx, store.Site{Domain: "a.com"})
	require.NoError(t, err)
	_, err = h.sched.Enqueue(ctx, nil, []store.LinkCandidate{{URL: "https://a.com/"}})
	require.NoError(t, err)
	c, err := h.sched.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, h.sched.MarkFetching(ctx, c.PageID, &site.ID, "10.0.0.1"))

	rec = h.do(t, http.MethodPost, "/site/delay", `{"domain":"a.com","ip":"10.0.0.2","robots_delay":2.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 2.5, decodeBody[map[string]float64](t, rec)["delay_seconds"], 1e-9)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/site/delay", `{}`).Code)
	require.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/site/delay", `{"domain":"a.com","robots_delay":-1}`).Code)
}

func TestDelayRejectsOversizedRobotsDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, delay := range []string{"1e300", "86401", "9223372037"} {
		rec := h.do(t, http.MethodPost, "/site/delay", `{"domain":"a.com","robots_delay":`+delay+`}`)
		require.Equal(t, http.StatusBadRequest, rec.Code, delay)
		require.Equal(t, kindValidation, decodeBody[errorResponse](t, rec).Kind)
	}

	rec := h.do(t, http.MethodPost, "/site/delay", `{"domain":"a.com","robots_delay":86400}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, decodeBody[map[string]float64](t, rec)["delay_seconds"])
}

func TestDelayFailsPolite(t *testing.T) {
	t.Parallel()

	srv := NewServer(Deps{Delays: failingDelays{}}, time.Second, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/site/delay", strings.NewReader(`{"domain":"a.com"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]float64{"delay_seconds": 5}, decodeBody[map[string]float64](t, rec))
}

func TestLinkAndPageData(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sched.Enqueue(ctx, nil, []store.LinkCandidate{{URL: "https://a.com/1"}, {URL: "https://a.com/doc.pdf"}})
	require.NoError(t, err)
	pages := h.store.Pages()
	require.Len(t, pages, 2)

	rec := h.do(t, http.MethodPost, "/link", `{"from_page":`+itoa(pages[0].ID)+`,"to_page":`+itoa(pages[1].ID)+`}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, h.store.HasLink(pages[0].ID, pages[1].ID))

	rec = h.do(t, http.MethodPost, "/pagedata",
		`{"page_id":`+itoa(pages[1].ID)+`,"data_type_code":"PDF","data":"JVBERg==","blob_uri":"file:///tmp/doc.pdf"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	data := h.store.PageData(pages[1].ID)
	require.Len(t, data, 1)
	require.Equal(t, store.DataPDF, data[0].DataType)
	require.Equal(t, []byte("%PDF"), data[0].Data)

	rec = h.do(t, http.MethodPost, "/pagedata", `{"page_id":`+itoa(pages[1].ID)+`,"data_type_code":"EXE"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/pagedata", `{"page_id":404,"data_type_code":"PDF"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "").Code)

	srv := NewServer(Deps{Ready: func(context.Context) error { return errors.New("pool closed") }}, 0, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareAnswersInternal(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	handler := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, kindInternal, decodeBody[errorResponse](t, rec).Kind)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
