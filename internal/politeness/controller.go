// Package politeness enforces per-domain and per-IP fetch spacing across every worker
// process. Last-access times are always read from the shared store; nothing about
// access history is kept in memory.
package politeness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// DefaultDelay applies when a domain declares no crawl-delay.
const DefaultDelay = 5 * time.Second

// maxRounds bounds how often Wait re-reads the store after sleeping.
const maxRounds = 32

// DelaySource exposes robots-declared crawl delays.
type DelaySource interface {
	CrawlDelay(domain string) (time.Duration, bool)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Controller computes and enforces politeness delays.
type Controller struct {
	access       store.AccessRepository
	delays       DelaySource
	clock        crawler.Clock
	defaultDelay time.Duration
	sleep        Sleeper
	logger       *zap.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleeper replaces the context-aware timer used by Wait.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

// New constructs a Controller. delays may be nil when no robots registry is wired.
func New(
	access store.AccessRepository,
	delays DelaySource,
	clock crawler.Clock,
	defaultDelay time.Duration,
	logger *zap.Logger,
	opts ...Option,
) *Controller {
	if defaultDelay <= 0 {
		defaultDelay = DefaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		access:       access,
		delays:       delays,
		clock:        clock,
		defaultDelay: defaultDelay,
		sleep:        sleepContext,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EffectiveDelay returns the robots delay when one is given, else the default.
func (c *Controller) EffectiveDelay(domain string, robotsDelay *time.Duration) time.Duration {
	if robotsDelay != nil && *robotsDelay > 0 {
		return *robotsDelay
	}
	if c.delays != nil {
		if d, ok := c.delays.CrawlDelay(domain); ok {
			return d
		}
	}
	return c.defaultDelay
}

// Delay returns how long a fetch to domain at ip must still wait: the larger of the
// domain's and the IP's remaining spacing. It never writes.
func (c *Controller) Delay(ctx context.Context, domain, ip string, robotsDelay *time.Duration) (time.Duration, error) {
	delay := c.EffectiveDelay(domain, robotsDelay)
	now := c.clock.Now()

	remaining := time.Duration(0)
	if domain != "" {
		last, ok, err := c.access.LastDomainAccess(ctx, domain)
		if err != nil {
			return delay, fmt.Errorf("last domain access: %w", err)
		}
		if ok {
			remaining = max(remaining, delay-now.Sub(last))
		}
	}
	if ip != "" {
		last, ok, err := c.access.LastIPAccess(ctx, ip)
		if err != nil {
			return delay, fmt.Errorf("last ip access: %w", err)
		}
		if ok {
			remaining = max(remaining, delay-now.Sub(last))
		}
	}
	return min(max(remaining, 0), delay), nil
}

// Wait blocks until a read of the store shows no remaining delay for domain and ip.
// Another worker may fetch the same domain while this one sleeps, so the delay is
// recomputed after every sleep. A failed read waits the full delay instead.
func (c *Controller) Wait(ctx context.Context, domain, ip string) error {
	var waited time.Duration
	defer func() {
		if waited > 0 {
			metrics.ObservePolitenessWait(domain, waited)
		}
	}()
	for round := 0; round < maxRounds; round++ {
		d, lookupErr := c.Delay(ctx, domain, ip, nil)
		if lookupErr != nil {
			c.logger.Warn("politeness lookup failed, waiting full delay",
				zap.String("domain", domain), zap.String("ip", ip), zap.Error(lookupErr))
		}
		if d <= 0 {
			return nil
		}
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
		waited += d
		if lookupErr != nil {
			return nil
		}
	}
	c.logger.Warn("politeness wait gave up re-checking", zap.String("domain", domain), zap.Duration("waited", waited))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("politeness wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
