package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func htmlResponse(status int, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestHeuristicPromotesEmptyBody(t *testing.T) {
	t.Parallel()

	require.True(t, NewHeuristic(100).ShouldPromote(htmlResponse(200, "")))
}

func TestHeuristicPromotesPlaceholderMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(htmlResponse(200, `<div data-placeholder="loading"></div>`)))
	require.True(t, h.ShouldPromote(htmlResponse(200, `<noscript>Please Enable JavaScript to continue</noscript>`)))
}

func TestHeuristicPromotesScriptHeavyShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.ShouldPromote(htmlResponse(200, `<html><script>var a=1;</script><p>t</p></html>`)))
}

func TestHeuristicKeepsOrdinaryPages(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.Equal(t, defaultThreshold, h.BodyLengthThreshold)
	require.False(t, h.ShouldPromote(htmlResponse(200, `<html><body><p>Forum novice thread with plenty of text.</p></body></html>`)))
}

func TestHeuristicIgnoresErrorsAndBinary(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.False(t, h.ShouldPromote(htmlResponse(404, "")))
	require.False(t, h.ShouldPromote(crawler.FetchResponse{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": {"application/pdf"}},
	}))
}
