// Package metrics exposes Prometheus collectors for the crawler workers and API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesClassifiedTotal        *prometheus.CounterVec
	frontierClaimsTotal         prometheus.Counter
	frontierEnqueuedTotal       prometheus.Counter
	frontierReclaimedTotal      prometheus.Counter
	fetchesTotal                *prometheus.CounterVec
	fetchBytesTotal             *prometheus.CounterVec
	headlessPromotionsTotal     *prometheus.CounterVec
	dedupHitsTotal              *prometheus.CounterVec
	politenessWaitSeconds       *prometheus.HistogramVec
	robotsFetchTLSTimeoutsTotal prometheus.Counter
	activeWorkers               prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesClassifiedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_classified_total",
				Help: "Pages moved to a terminal state, labeled by page type.",
			},
			[]string{"page_type"},
		)

		frontierClaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_frontier_claims_total",
				Help: "Frontier pages claimed by this process.",
			},
		)

		frontierEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_frontier_enqueued_total",
				Help: "New frontier pages inserted by this process.",
			},
		)

		frontierReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_frontier_reclaimed_total",
				Help: "Stale CRAWLING pages returned to the frontier.",
			},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_headless_promotions_total",
				Help: "Headless render attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dedupHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dedup_hits_total",
				Help: "Duplicate content detections, labeled by where the hash was found.",
			},
			[]string{"source"},
		)

		politenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_wait_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFetchTLSTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while fetching robots.txt.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of worker loops currently running.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_api_requests_total",
				Help: "Frontier API requests, labeled by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_api_request_duration_seconds",
				Help:    "Frontier API latencies, labeled by method and route pattern.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClassified counts a page reaching a terminal state.
func ObserveClassified(pageType string) {
	Init()
	pagesClassifiedTotal.WithLabelValues(pageType).Inc()
}

// ObserveClaim counts a successful frontier claim.
func ObserveClaim() {
	Init()
	frontierClaimsTotal.Inc()
}

// ObserveEnqueued counts newly inserted frontier pages.
func ObserveEnqueued(n int) {
	Init()
	frontierEnqueuedTotal.Add(float64(n))
}

// ObserveReclaimed counts pages returned to the frontier by the lease reaper.
func ObserveReclaimed(n int64) {
	Init()
	frontierReclaimedTotal.Add(float64(n))
}

// ObserveFetch records a fetch outcome and its size.
func ObserveFetch(site string, status int, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitized, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveHeadlessPromotion records a headless render attempt.
func ObserveHeadlessPromotion(outcome string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDedupHit records a duplicate found in the process cache or the store.
func ObserveDedupHit(source string) {
	Init()
	dedupHitsTotal.WithLabelValues(source).Inc()
}

// ObservePolitenessWait records the duration of a politeness wait.
func ObservePolitenessWait(domain string, d time.Duration) {
	Init()
	politenessWaitSeconds.WithLabelValues(SanitizeSite(domain)).Observe(d.Seconds())
}

// ObserveRobotsTLSHandshakeTimeout increments the robots fetch handshake timeout counter.
func ObserveRobotsTLSHandshakeTimeout() {
	Init()
	robotsFetchTLSTimeoutsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest records one frontier API request under its route pattern.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
