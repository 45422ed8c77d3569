// Package dedup detects pages whose normalized content was already stored. The
// store's unique index on content_hash is authoritative; the in-process cache only
// short-circuits lookups for hashes known to exist.
package dedup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// Repository is the store surface the engine reads and links through.
type Repository interface {
	store.ContentRepository
	store.LinkRepository
}

// Completer applies terminal page classifications.
type Completer interface {
	Complete(ctx context.Context, pageID int64, update store.PageUpdate) (store.Page, error)
}

// Verdict is the outcome of a content lookup.
type Verdict struct {
	Hash       string
	Duplicate  bool
	OriginalID int64
}

// StoreRequest carries everything needed to classify a fetched HTML page.
type StoreRequest struct {
	PageID       int64
	HTML         string
	Normalized   string
	StatusCode   int
	AccessedIP   string
	SiteID       *int64
	AccessedTime time.Time
}

// Result reports how the page was classified.
type Result struct {
	Verdict
	Page store.Page
}

// Engine classifies HTML pages as new or duplicate content.
type Engine struct {
	repo   Repository
	pages  Completer
	hasher crawler.Hasher
	cache  sync.Map // content hash -> page id
	logger *zap.Logger
}

// New constructs an Engine.
func New(repo Repository, pages Completer, hasher crawler.Hasher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, pages: pages, hasher: hasher, logger: logger}
}

// Parse reads an HTML document.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Sanitize makes an HTML body safe for a text column: invalid UTF-8 sequences become
// U+FFFD and NUL bytes are dropped.
func Sanitize(body []byte) []byte {
	out := bytes.ToValidUTF8(body, []byte("\uFFFD"))
	return bytes.ReplaceAll(out, []byte{0}, nil)
}

// Normalize parses body and returns its canonical text form.
func Normalize(body []byte) (string, error) {
	doc, err := Parse(body)
	if err != nil {
		return "", err
	}
	return NormalizeDocument(doc)
}

// NormalizeDocument strips script, style and meta elements from a copy of doc, drops
// comments, collapses whitespace in text nodes and renders the remaining markup.
func NormalizeDocument(doc *goquery.Document) (string, error) {
	clone := goquery.CloneDocument(doc)
	clone.Find("script, style, meta").Remove()
	for _, n := range clone.Nodes {
		tidy(n)
	}
	out, err := clone.Html()
	if err != nil {
		return "", fmt.Errorf("render normalized html: %w", err)
	}
	return out, nil
}

func tidy(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode:
			n.RemoveChild(c)
		case html.TextNode:
			text := strings.Join(strings.Fields(c.Data), " ")
			if text == "" {
				n.RemoveChild(c)
			} else {
				c.Data = text
			}
		case html.ElementNode, html.DocumentNode:
			tidy(c)
		}
		c = next
	}
}

// Classify hashes normalized content and looks the hash up in the process cache,
// then in the store.
func (e *Engine) Classify(ctx context.Context, normalized string) (Verdict, error) {
	hash, err := e.hasher.Hash([]byte(normalized))
	if err != nil {
		return Verdict{}, fmt.Errorf("hash content: %w", err)
	}
	if id, ok := e.cache.Load(hash); ok {
		metrics.ObserveDedupHit("cache")
		return Verdict{Hash: hash, Duplicate: true, OriginalID: id.(int64)}, nil
	}
	id, err := e.repo.PageByContentHash(ctx, hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Verdict{Hash: hash}, nil
	case err != nil:
		return Verdict{}, fmt.Errorf("lookup content hash: %w", err)
	}
	e.cache.Store(hash, id)
	metrics.ObserveDedupHit("store")
	return Verdict{Hash: hash, Duplicate: true, OriginalID: id}, nil
}

// Store classifies the page as HTML or DUPLICATE. When another worker stores the same
// hash first, the unique index rejects this insert and the page becomes a duplicate.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (Result, error) {
	v, err := e.Classify(ctx, req.Normalized)
	if err != nil {
		return Result{}, err
	}
	if v.Duplicate {
		return e.markDuplicate(ctx, req, v)
	}

	content, hash := req.HTML, v.Hash
	page, err := e.pages.Complete(ctx, req.PageID, store.PageUpdate{
		Type:           store.PageHTML,
		HTMLContent:    &content,
		ContentHash:    &hash,
		HTTPStatusCode: req.StatusCode,
		AccessedIP:     req.AccessedIP,
		SiteID:         req.SiteID,
		AccessedTime:   req.AccessedTime,
	})
	if errors.Is(err, store.ErrDuplicateContent) {
		owner, lookupErr := e.repo.PageByContentHash(ctx, v.Hash)
		if lookupErr != nil {
			return Result{}, fmt.Errorf("resolve racing content hash: %w", lookupErr)
		}
		e.logger.Debug("content hash race lost", zap.Int64("page_id", req.PageID), zap.Int64("original_id", owner))
		e.cache.Store(v.Hash, owner)
		metrics.ObserveDedupHit("race")
		return e.markDuplicate(ctx, req, Verdict{Hash: v.Hash, Duplicate: true, OriginalID: owner})
	}
	if err != nil {
		return Result{}, fmt.Errorf("store html page: %w", err)
	}
	e.cache.Store(v.Hash, req.PageID)
	return Result{Verdict: v, Page: page}, nil
}

func (e *Engine) markDuplicate(ctx context.Context, req StoreRequest, v Verdict) (Result, error) {
	page, err := e.pages.Complete(ctx, req.PageID, store.PageUpdate{
		Type:           store.PageDuplicate,
		HTTPStatusCode: req.StatusCode,
		AccessedIP:     req.AccessedIP,
		SiteID:         req.SiteID,
		AccessedTime:   req.AccessedTime,
	})
	if err != nil {
		return Result{}, fmt.Errorf("store duplicate page: %w", err)
	}
	if err := e.repo.AddLink(ctx, store.Link{FromPage: v.OriginalID, ToPage: req.PageID}); err != nil {
		return Result{}, fmt.Errorf("link duplicate to original: %w", err)
	}
	return Result{Verdict: v, Page: page}, nil
}
