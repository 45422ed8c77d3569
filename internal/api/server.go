package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

const maxBodyBytes = 16 << 20

// Frontier is the scheduler surface served over HTTP.
type Frontier interface {
	Claim(ctx context.Context) (store.Claim, error)
	Enqueue(ctx context.Context, fromPageID *int64, links []store.LinkCandidate) (int, error)
	Complete(ctx context.Context, pageID int64, update store.PageUpdate) (store.Page, error)
	HTMLCount(ctx context.Context) (int64, error)
}

// Delays computes politeness delays without waiting.
type Delays interface {
	Delay(ctx context.Context, domain, ip string, robotsDelay *time.Duration) (time.Duration, error)
}

// Repository is the direct store surface behind the site, link and payload routes.
type Repository interface {
	store.SiteRepository
	store.ContentRepository
	store.LinkRepository
	store.PageDataRepository
}

// Deps are the collaborators of a Server. Ready may be nil.
type Deps struct {
	Frontier Frontier
	Delays   Delays
	Repo     Repository
	Ready    func(ctx context.Context) error
}

// Server wires HTTP handlers to the frontier and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Get("/frontier", s.claim)
		r.Route("/page", func(r chi.Router) {
			r.Post("/frontierlinks", s.enqueue)
			r.Put("/{id}", s.updatePage)
			r.Get("/exists", s.pageExists)
			r.Get("/html-count", s.htmlCount)
		})
		r.Route("/site", func(r chi.Router) {
			r.Post("/", s.createSite)
			r.Get("/exists", s.siteExists)
			r.Post("/delay", s.delay)
		})
		r.Post("/link", s.addLink)
		r.Post("/pagedata", s.addPageData)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, kindInternal, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type claimResponse struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Frontier.Claim(r.Context())
	if errors.Is(err, store.ErrFrontierEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimResponse{ID: c.PageID, URL: c.URL})
}

type linkCandidate struct {
	URL       string `json:"url"`
	Relevance int    `json:"relevance"`
}

type enqueueRequest struct {
	FromPageID *int64          `json:"from_page_id"`
	Links      []linkCandidate `json:"links"`
}

type enqueueResponse struct {
	Status   string `json:"status"`
	Inserted int    `json:"inserted"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	links := make([]store.LinkCandidate, 0, len(req.Links))
	for _, l := range req.Links {
		canonical, ok := crawler.CanonicalizeURL("", l.URL)
		if !ok {
			s.writeError(w, http.StatusBadRequest, kindValidation, fmt.Sprintf("url %q is not a crawlable http(s) url", l.URL))
			return
		}
		if l.Relevance < 0 {
			s.writeError(w, http.StatusBadRequest, kindValidation, "relevance must be >= 0")
			return
		}
		links = append(links, store.LinkCandidate{URL: canonical, Relevance: l.Relevance})
	}
	n, err := s.deps.Frontier.Enqueue(r.Context(), req.FromPageID, links)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enqueueResponse{Status: "ok", Inserted: n})
}

type updatePageRequest struct {
	PageTypeCode   string  `json:"page_type_code"`
	HTMLContent    *string `json:"html_content"`
	HTTPStatusCode int     `json:"http_status_code"`
	AccessedIP     string  `json:"accessed_ip"`
	SiteID         *int64  `json:"site_id"`
	ContentHash    *string `json:"content_hash"`
}

func (s *Server) updatePage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, kindValidation, "page id must be a positive integer")
		return
	}
	var req updatePageRequest
	if !s.decode(w, r, &req) {
		return
	}
	pageType, err := store.ParsePageType(req.PageTypeCode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	update := store.PageUpdate{
		Type:           pageType,
		HTMLContent:    req.HTMLContent,
		ContentHash:    req.ContentHash,
		HTTPStatusCode: req.HTTPStatusCode,
		AccessedIP:     req.AccessedIP,
		SiteID:         req.SiteID,
	}
	if err := update.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	page, err := s.deps.Frontier.Complete(r.Context(), id, update)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimResponse{ID: page.ID, URL: page.URL})
}

type pageExistsResponse struct {
	Exists bool   `json:"exists"`
	PageID *int64 `json:"page_id,omitempty"`
}

func (s *Server) pageExists(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("content_hash")
	if hash == "" {
		s.writeError(w, http.StatusBadRequest, kindValidation, "content_hash is required")
		return
	}
	id, err := s.deps.Repo.PageByContentHash(r.Context(), hash)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusOK, pageExistsResponse{})
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pageExistsResponse{Exists: true, PageID: &id})
}

func (s *Server) htmlCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Frontier.HTMLCount(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"html_page_count": n})
}

type createSiteRequest struct {
	Domain         string  `json:"domain"`
	RobotsContent  *string `json:"robots_content"`
	SitemapContent *string `json:"sitemap_content"`
}

type siteResponse struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
}

func (s *Server) createSite(w http.ResponseWriter, r *http.Request) {
	var req createSiteRequest
	if !s.decode(w, r, &req) {
		return
	}
	domain := crawler.Domain("http://" + req.Domain)
	if domain == "" {
		s.writeError(w, http.StatusBadRequest, kindValidation, "domain is required")
		return
	}
	site, err := s.deps.Repo.CreateSite(r.Context(), store.Site{
		Domain:         domain,
		RobotsContent:  req.RobotsContent,
		SitemapContent: req.SitemapContent,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, siteResponse{ID: site.ID, Domain: site.Domain})
}

type siteExistsResponse struct {
	Exists bool   `json:"exists"`
	SiteID *int64 `json:"site_id,omitempty"`
}

func (s *Server) siteExists(w http.ResponseWriter, r *http.Request) {
	domain := crawler.Domain("http://" + r.URL.Query().Get("domain"))
	if domain == "" {
		s.writeError(w, http.StatusBadRequest, kindValidation, "domain is required")
		return
	}
	site, err := s.deps.Repo.SiteByDomain(r.Context(), domain)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusOK, siteExistsResponse{})
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, siteExistsResponse{Exists: true, SiteID: &site.ID})
}

type delayRequest struct {
	Domain      string   `json:"domain"`
	IP          string   `json:"ip"`
	RobotsDelay *float64 `json:"robots_delay"`
}

// maxRobotsDelay bounds client-reported Crawl-delay values so they convert to a
// time.Duration without overflowing.
const maxRobotsDelay = 24 * time.Hour

func (s *Server) delay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Domain == "" && req.IP == "" {
		s.writeError(w, http.StatusBadRequest, kindValidation, "domain or ip is required")
		return
	}
	var robotsDelay *time.Duration
	if req.RobotsDelay != nil {
		if *req.RobotsDelay < 0 || *req.RobotsDelay > maxRobotsDelay.Seconds() {
			s.writeError(w, http.StatusBadRequest, kindValidation,
				fmt.Sprintf("robots_delay must be between 0 and %.0f seconds", maxRobotsDelay.Seconds()))
			return
		}
		d := time.Duration(*req.RobotsDelay * float64(time.Second))
		robotsDelay = &d
	}
	d, err := s.deps.Delays.Delay(r.Context(), crawler.Domain("http://"+req.Domain), req.IP, robotsDelay)
	if err != nil {
		s.logger.Warn("delay lookup failed, answering full delay", zap.String("domain", req.Domain), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"delay_seconds": d.Seconds()})
}

type linkRequest struct {
	FromPage int64 `json:"from_page"`
	ToPage   int64 `json:"to_page"`
}

func (s *Server) addLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FromPage <= 0 || req.ToPage <= 0 {
		s.writeError(w, http.StatusBadRequest, kindValidation, "from_page and to_page are required")
		return
	}
	if err := s.deps.Repo.AddLink(r.Context(), store.Link{FromPage: req.FromPage, ToPage: req.ToPage}); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

type pageDataRequest struct {
	PageID       int64   `json:"page_id"`
	DataTypeCode string  `json:"data_type_code"`
	Data         []byte  `json:"data"`
	BlobURI      *string `json:"blob_uri"`
}

func (s *Server) addPageData(w http.ResponseWriter, r *http.Request) {
	var req pageDataRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PageID <= 0 {
		s.writeError(w, http.StatusBadRequest, kindValidation, "page_id is required")
		return
	}
	dataType, err := store.ParseDataType(req.DataTypeCode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	id, err := s.deps.Repo.AddPageData(r.Context(), store.PageData{
		PageID:   req.PageID,
		DataType: dataType,
		Data:     req.Data,
		BlobURI:  req.BlobURI,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// decode reads exactly one JSON object into dst, rejecting unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, kindValidation, "invalid request body: "+err.Error())
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, kindValidation, "request body must contain a single JSON object")
		return false
	}
	return true
}

const (
	kindValidation = "validation"
	kindNotFound   = "not_found"
	kindConflict   = "conflict"
	kindInternal   = "internal"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrDuplicateContent),
		errors.Is(err, store.ErrClaimLost):
		s.writeError(w, http.StatusConflict, kindConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, kindInternal, "store timed out")
	default:
		s.logger.Error("store operation failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, kindInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out","kind":"internal"}`)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
