package headless

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

// fakeBrowser writes an executable placeholder so discovery succeeds without Chrome.
func fakeBrowser(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chromium")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	return path
}

func TestNewChromedpValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1, ExecPath: fakeBrowser(t)})
	require.Error(t, err)

	_, err = NewChromedp(Config{ExecPath: filepath.Join(t.TempDir(), "missing-chrome")})
	require.ErrorIs(t, err, ErrBrowserUnavailable)

	fetcher, err := NewChromedp(Config{MaxParallel: 2, ExecPath: fakeBrowser(t)})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.NotNil(t, fetcher.slots)
	require.Equal(t, defaultNavigationTimeout, fetcher.cfg.NavigationTimeout)
	require.Equal(t, defaultSettle, fetcher.cfg.Settle)

	unbounded, err := NewChromedp(Config{ExecPath: fakeBrowser(t), Settle: time.Second})
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	require.Nil(t, unbounded.slots)
	require.Equal(t, time.Second, unbounded.cfg.Settle)
}

func TestFindBrowserWalksCandidates(t *testing.T) {
	t.Parallel()

	var tried []string
	path, err := findBrowser("", func(name string) (string, error) {
		tried = append(tried, name)
		if name == "chromium-browser" {
			return "/usr/bin/chromium-browser", nil
		}
		return "", errors.New("not found")
	})
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/chromium-browser", path)
	require.Equal(t, []string{"headless-shell", "chromium", "chromium-browser"}, tried)

	_, err = findBrowser("", func(string) (string, error) { return "", errors.New("not found") })
	require.ErrorIs(t, err, ErrBrowserUnavailable)
}

func TestDocumentTrackerKeepsLastDocument(t *testing.T) {
	t.Parallel()

	doc := &documentTracker{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 301, URL: "https://slo-tech.com/old"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://slo-tech.com/novice",
			Headers: network.Headers{"Content-Type": "text/html", "Set-Cookie": "a=1\nb=2"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://slo-tech.com/app.js"},
	})
	doc.observe("unrelated event")

	status, headers, url := doc.result("https://slo-tech.com/novice#top", "https://slo-tech.com/old")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://slo-tech.com/novice", url)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
}

func TestDocumentTrackerFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := (&documentTracker{}).result("https://final", "https://req")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = (&documentTracker{}).result("", "https://req")
	require.Equal(t, "https://req", url)
}

func TestNetworkHeaderConversion(t *testing.T) {
	t.Parallel()

	out := toNetworkHeaders(http.Header{"Accept-Language": {"sl", "en"}, "X-Empty": {}})
	require.Equal(t, network.Headers{"Accept-Language": "sl, en"}, out)

	in := headersFrom(network.Headers{"Vary": []any{"Accept", "Cookie"}, "X-Count": 3})
	require.Equal(t, []string{"Accept", "Cookie"}, in.Values("Vary"))
	require.Equal(t, "3", in.Get("X-Count"))
}

func TestCookieConversion(t *testing.T) {
	t.Parallel()

	params := toCookieParams("https://example.com/a", []*http.Cookie{
		{Name: "sid", Value: "1", Path: "/", HttpOnly: true},
		nil,
		{Name: ""},
	})
	require.Len(t, params, 1)
	require.Equal(t, "sid", params[0].Name)
	require.Equal(t, "https://example.com/a", params[0].URL)
	require.True(t, params[0].HTTPOnly)

	cookies := fromNetworkCookies([]*network.Cookie{
		{Name: "sid", Value: "2", Domain: "example.com", Path: "/", Expires: 1700000000, Secure: true},
		{Name: "tmp", Value: "x", Expires: -1},
	})
	require.Len(t, cookies, 2)
	require.Equal(t, "example.com", cookies[0].Domain)
	require.True(t, cookies[0].Secure)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), cookies[0].Expires)
	require.True(t, cookies[1].Expires.IsZero())
	require.Nil(t, fromNetworkCookies(nil))
}
