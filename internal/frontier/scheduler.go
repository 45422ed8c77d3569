// Package frontier schedules crawl work over the durable page table. The store is the
// only arbiter of claim exclusivity and URL uniqueness; the scheduler adds batching,
// validation and the lease policy on top of it.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultBatchSize  = 1000
	DefaultClaimLease = 10 * time.Minute
)

// Repository is the store surface the scheduler needs.
type Repository interface {
	store.FrontierRepository
	store.ControlRepository
}

// Config tunes batching and the claim lease.
type Config struct {
	BatchSize  int
	ClaimLease time.Duration
	// Owner identifies this worker in claimed_by.
	Owner string
}

// Scheduler is the frontier front-end used by workers and the API.
type Scheduler struct {
	repo   Repository
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(repo Repository, clock crawler.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{repo: repo, clock: clock, cfg: cfg, logger: logger}
}

// Claim atomically takes the highest-relevance FRONTIER page. It returns
// store.ErrFrontierEmpty when nothing is claimable.
func (s *Scheduler) Claim(ctx context.Context) (store.Claim, error) {
	c, err := s.repo.ClaimNext(ctx, s.cfg.Owner, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrFrontierEmpty) {
			return store.Claim{}, err
		}
		return store.Claim{}, fmt.Errorf("claim: %w", err)
	}
	metrics.ObserveClaim()
	return c, nil
}

// Enqueue inserts unseen URLs as FRONTIER pages and links fromPageID to all of them.
// Duplicate URLs in the input collapse to their highest relevance. Batches are
// committed independently and in URL order so concurrent enqueues lock rows in the
// same order.
func (s *Scheduler) Enqueue(ctx context.Context, fromPageID *int64, links []store.LinkCandidate) (int, error) {
	uniq := dedupe(links)
	inserted := 0
	for start := 0; start < len(uniq); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(uniq))
		n, err := s.repo.InsertFrontier(ctx, fromPageID, uniq[start:end])
		if err != nil {
			return inserted, fmt.Errorf("enqueue batch %d-%d: %w", start, end, err)
		}
		inserted += n
	}
	if inserted > 0 {
		metrics.ObserveEnqueued(inserted)
	}
	return inserted, nil
}

func dedupe(links []store.LinkCandidate) []store.LinkCandidate {
	best := make(map[string]int, len(links))
	for _, l := range links {
		if l.URL == "" {
			continue
		}
		r := max(l.Relevance, 0)
		if cur, ok := best[l.URL]; !ok || r > cur {
			best[l.URL] = r
		}
	}
	out := make([]store.LinkCandidate, 0, len(best))
	for u, r := range best {
		out = append(out, store.LinkCandidate{URL: u, Relevance: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// MarkFetching records that the page is about to be fetched from ip and renews this
// owner's lease on it.
func (s *Scheduler) MarkFetching(ctx context.Context, pageID int64, siteID *int64, ip string) error {
	if err := s.repo.MarkFetching(ctx, pageID, s.cfg.Owner, siteID, ip, s.clock.Now()); err != nil {
		return fmt.Errorf("mark fetching: %w", err)
	}
	return nil
}

// Complete applies a terminal classification after validating its shape. The update
// only lands while this scheduler's owner still holds the claim.
func (s *Scheduler) Complete(ctx context.Context, pageID int64, update store.PageUpdate) (store.Page, error) {
	if err := update.Validate(); err != nil {
		return store.Page{}, err
	}
	update.Owner = s.cfg.Owner
	page, err := s.repo.CompletePage(ctx, pageID, update)
	if err != nil {
		return store.Page{}, fmt.Errorf("complete page %d: %w", pageID, err)
	}
	metrics.ObserveClassified(string(update.Type))
	return page, nil
}

// ReclaimStale returns pages whose claim outlived the lease to the frontier.
func (s *Scheduler) ReclaimStale(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.cfg.ClaimLease)
	n, err := s.repo.ReleaseStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if n > 0 {
		s.logger.Warn("reclaimed stale claims", zap.Int64("pages", n), zap.Time("cutoff", cutoff))
		metrics.ObserveReclaimed(n)
	}
	return n, nil
}

// HTMLCount returns the number of pages classified HTML.
func (s *Scheduler) HTMLCount(ctx context.Context) (int64, error) {
	n, err := s.repo.CountByType(ctx, store.PageHTML)
	if err != nil {
		return 0, fmt.Errorf("html count: %w", err)
	}
	return n, nil
}

// Stop raises the shared stop flag.
func (s *Scheduler) Stop(ctx context.Context, reason string) error {
	if err := s.repo.SetStop(ctx, reason); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Reset clears the shared stop flag before a new crawl.
func (s *Scheduler) Reset(ctx context.Context) error {
	if err := s.repo.ClearStop(ctx); err != nil {
		return fmt.Errorf("reset stop: %w", err)
	}
	return nil
}

// Stopped reports whether any worker raised the stop flag.
func (s *Scheduler) Stopped(ctx context.Context) (bool, error) {
	ok, err := s.repo.StopRequested(ctx)
	if err != nil {
		return false, fmt.Errorf("stop flag: %w", err)
	}
	return ok, nil
}
