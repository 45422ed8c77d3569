package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	UseHeadless bool
	Headers     http.Header
	// Cookies are replayed on the request, typically captured by a headless render.
	Cookies []*http.Cookie
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	Cookies      []*http.Cookie
}

// ContentType returns the declared media type without parameters.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// ClassifiedEvent is published after a page reaches a terminal state.
type ClassifiedEvent struct {
	PageID      int64     `json:"page_id"`
	URL         string    `json:"url"`
	PageType    string    `json:"page_type"`
	StatusCode  int       `json:"status_code"`
	ContentHash string    `json:"content_hash,omitempty"`
	OriginalID  int64     `json:"original_page_id,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	Headless    bool      `json:"headless"`
	Worker      string    `json:"worker"`
	Timestamp   time.Time `json:"timestamp"`
}
