// Package headless renders pages in headless Chrome for the rare cases where the
// plain HTTP body is a JavaScript shell. Cookies set during rendering are handed back
// so the follow-up plain fetch can reuse the session.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettle            = 500 * time.Millisecond
)

// ErrBrowserUnavailable means no Chrome or Chromium binary could be found.
var ErrBrowserUnavailable = errors.New("no headless browser binary found")

// browserBinaries are tried on PATH, in order, when Config.ExecPath is empty.
var browserBinaries = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
}

// Config controls the headless renderer.
type Config struct {
	// MaxParallel caps concurrent tabs. Zero leaves rendering unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long the page may run scripts after the body is ready.
	Settle time.Duration
	// ExecPath overrides browser discovery on PATH.
	ExecPath string
}

// Fetcher implements crawler.Fetcher by rendering in a shared headless browser.
type Fetcher struct {
	cfg      Config
	slots    *semaphore.Weighted
	browser  context.Context
	shutdown context.CancelFunc
}

// NewChromedp locates a browser binary and prepares an allocator for it. The browser
// itself starts lazily on the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	execPath, err := findBrowser(cfg.ExecPath, exec.LookPath)
	if err != nil {
		return nil, err
	}
	cfg.ExecPath = execPath
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	f.browser, f.shutdown = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return f, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(cfg.ExecPath),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

func findBrowser(override string, lookPath func(string) (string, error)) (string, error) {
	if override != "" {
		path, err := lookPath(override)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrBrowserUnavailable, override, err)
		}
		return path, nil
	}
	for _, name := range browserBinaries {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrBrowserUnavailable
}

// Close stops the browser process.
func (f *Fetcher) Close() {
	f.shutdown()
}

// Fetch renders request.URL in a fresh tab and returns the serialized DOM together
// with the cookies the browser holds for the final URL.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for headless slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentTracker{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	page, err := f.render(tab, request)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}
	status, headers, finalURL := doc.result(page.location, request.URL)

	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(page.html),
		Duration:     time.Since(start),
		UsedHeadless: true,
		Cookies:      fromNetworkCookies(page.cookies),
	}, nil
}

type renderedPage struct {
	html     string
	location string
	cookies  []*network.Cookie
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		prepareSession(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().WithURLs([]string{page.location}).Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			page.cookies = cookies
			return nil
		}),
	)
	return page, err
}

// prepareSession forwards request headers and the plain fetch's cookies to the tab.
func prepareSession(request crawler.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(request.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(request.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if params := toCookieParams(request.URL, request.Cookies); len(params) > 0 {
			if err := network.SetCookies(params).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		return nil
	})
}

// documentTracker keeps the last document response seen by the tab. After redirects
// that is the response whose body was rendered.
type documentTracker struct {
	mu   sync.Mutex
	resp *network.Response
}

func (d *documentTracker) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	d.mu.Lock()
	d.resp = e.Response
	d.mu.Unlock()
}

// result falls back to the tab location, then the requested URL, and assumes 200 when
// no document response was observed.
func (d *documentTracker) result(location, requested string) (int, http.Header, string) {
	d.mu.Lock()
	resp := d.resp
	d.mu.Unlock()

	status, headers, finalURL := http.StatusOK, http.Header{}, location
	if resp != nil {
		if resp.Status > 0 {
			status = int(resp.Status)
		}
		headers = headersFrom(resp.Headers)
		if resp.URL != "" {
			finalURL = resp.URL
		}
	}
	if finalURL == "" {
		finalURL = requested
	}
	return status, headers, finalURL
}

// headersFrom converts CDP headers, which fold repeated fields into one
// newline-separated value.
func headersFrom(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		var joined string
		switch v := value.(type) {
		case string:
			joined = v
		case []any:
			parts := make([]string, len(v))
			for i, p := range v {
				parts[i] = fmt.Sprint(p)
			}
			joined = strings.Join(parts, "\n")
		default:
			joined = fmt.Sprint(v)
		}
		for _, line := range strings.Split(joined, "\n") {
			out.Add(key, line)
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}

func toCookieParams(rawURL string, cookies []*http.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			URL:      rawURL,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return params
}

func fromNetworkCookies(cookies []*network.Cookie) []*http.Cookie {
	if len(cookies) == 0 {
		return nil
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, hc)
	}
	return out
}
