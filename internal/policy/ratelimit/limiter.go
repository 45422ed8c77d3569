// Package ratelimit caps how often a domain may be rendered in the headless browser.
// Ordinary fetch spacing is owned by the politeness controller; this budget only
// protects the small pool of browser slots from a single JavaScript-heavy site.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Limiter hands out per-domain headless render tokens.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive rate disables limiting.
type Config struct {
	HeadlessPerMinute float64
	Burst             int
}

var _ crawler.HeadlessPolicy = (*Limiter)(nil)

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.HeadlessPerMinute / 60)
	if cfg.HeadlessPerMinute <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// AllowHeadless consumes a render token for the URL's domain without blocking.
func (l *Limiter) AllowHeadless(rawURL string) bool {
	domain := crawler.Domain(rawURL)
	if domain == "" {
		domain = "unknown"
	}
	return l.limiter(domain).Allow()
}

func (l *Limiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}
