package cmd

import (
	"context"
	"fmt"
	"net"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/dedup"
	collyfetcher "github.com/JakeFAU/polite-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/polite-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/polite-crawler/internal/frontier"
	"github.com/JakeFAU/polite-crawler/internal/hash/sha256"
	"github.com/JakeFAU/polite-crawler/internal/headless/detector"
	"github.com/JakeFAU/polite-crawler/internal/id/uuid"
	"github.com/JakeFAU/polite-crawler/internal/logging"
	"github.com/JakeFAU/polite-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/polite-crawler/internal/politeness"
	pubsubpublisher "github.com/JakeFAU/polite-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/polite-crawler/internal/registry"
	gcsblob "github.com/JakeFAU/polite-crawler/internal/storage/gcs"
	localblob "github.com/JakeFAU/polite-crawler/internal/storage/local"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/storage/postgres"
	"github.com/JakeFAU/polite-crawler/internal/store"
	"github.com/JakeFAU/polite-crawler/internal/worker"
)

// crawlStore is the store surface the commands wire together.
type crawlStore interface {
	store.Store
	Ping(ctx context.Context) error
}

// openStore connects to PostgreSQL. With allowMemory set and no DSN configured it
// falls back to a process-local store, which only works when every worker shares
// this process.
func openStore(ctx context.Context, cfg config.Config, allowMemory bool, logger *zap.Logger) (crawlStore, error) {
	if err := cfg.RequireDatabase(); err != nil {
		if !allowMemory {
			return nil, err
		}
		logger.Warn("no database configured, using in-memory store")
		return memory.NewCrawlStore(), nil
	}
	st, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newScheduler(st crawlStore, cfg config.Config, owner string, logger *zap.Logger) *frontier.Scheduler {
	return frontier.New(st, system.New(), frontier.Config{
		BatchSize:  cfg.Frontier.BatchSize,
		ClaimLease: cfg.Frontier.ClaimLease,
		Owner:      owner,
	}, logger.Named("frontier"))
}

// seedFrontier enqueues the configured seed URLs. Already-known URLs are ignored.
func seedFrontier(ctx context.Context, sched *frontier.Scheduler, cfg config.Config) (int, error) {
	var links []store.LinkCandidate
	for _, raw := range cfg.Crawl.SeedURLs {
		u, ok := crawler.CanonicalizeURL("", raw)
		if !ok {
			return 0, fmt.Errorf("seed url %q is not an absolute http(s) url", raw)
		}
		links = append(links, store.LinkCandidate{URL: u, Relevance: cfg.Crawl.SeedRelevance})
	}
	n, err := sched.Enqueue(ctx, nil, links)
	if err != nil {
		return 0, fmt.Errorf("seed frontier: %w", err)
	}
	return n, nil
}

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func buildBlobs(ctx context.Context, cfg config.Config, cleanup *closers, logger *zap.Logger) (crawler.BlobStore, error) {
	switch cfg.Blob.Backend {
	case config.BlobLocal:
		bs, err := localblob.New(localblob.Config{BaseDir: cfg.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		return bs, nil
	case config.BlobGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		cleanup.add(func() {
			if err := client.Close(); err != nil {
				logger.Warn("gcs client close failed", zap.Error(err))
			}
		})
		bs, err := gcsblob.New(client, gcsblob.Config{Bucket: cfg.Blob.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return bs, nil
	case config.BlobMemory:
		return memory.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, cleanup *closers, logger *zap.Logger) (crawler.Publisher, error) {
	if cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName))
	cleanup.add(func() {
		pub.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	})
	return pub, nil
}

// buildWorker assembles one worker over st. Resources it opens are registered in cleanup.
func buildWorker(
	ctx context.Context,
	st crawlStore,
	cfg config.Config,
	index int,
	cleanup *closers,
	logger *zap.Logger,
) (*worker.Worker, error) {
	owner, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("worker identity: %w", err)
	}
	logger = logging.ForWorker(logger, index, owner)
	clk := system.New()

	sched := newScheduler(st, cfg, owner, logger)
	sites := registry.New(st, sched, registry.Config{
		UserAgent:        cfg.Fetch.UserAgent,
		FetchTimeout:     cfg.Fetch.PolicyTimeout,
		SitemapRelevance: cfg.Crawl.SitemapRelevance,
	}, logger.Named("registry"))
	polite := politeness.New(st, sites, clk, cfg.Crawl.DefaultDelay, logger.Named("politeness"),
		politeness.WithSleeper(clk.Sleep))

	deps := worker.Deps{
		Frontier:   sched,
		Sites:      sites,
		Politeness: polite,
		Dedup:      dedup.New(st, sched, sha256.New(), logger.Named("dedup")),
		PageData:   st,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Fetch.UserAgent,
			Timeout:     cfg.Fetch.Timeout,
			MaxBodySize: cfg.Fetch.MaxBodyBytes,
		}),
		Resolver: net.DefaultResolver,
		Clock:    clk,
		Scorer:   crawler.NewScorer(cfg.Crawl.SeedDomain, cfg.Crawl.Keywords),
	}

	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed, continuing without rendering", zap.Error(err))
		} else {
			cleanup.add(hf.Close)
			deps.Headless = hf
			deps.Detector = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
			deps.HeadlessPolicy = ratelimit.New(ratelimit.Config{
				HeadlessPerMinute: cfg.Headless.PerMinute,
				Burst:             cfg.Headless.Burst,
			})
		}
	}

	if deps.Blobs, err = buildBlobs(ctx, cfg, cleanup, logger); err != nil {
		return nil, err
	}
	if deps.Publisher, err = buildPublisher(ctx, cfg, cleanup, logger); err != nil {
		return nil, err
	}

	w, err := worker.New(deps, worker.Config{
		Name:           fmt.Sprintf("worker-%d", index),
		MaxPages:       cfg.Crawl.MaxPages,
		CheckEvery:     cfg.Crawl.CheckEvery,
		Topic:          cfg.Crawl.ClassifyTopic,
		BlobPrefix:     cfg.Blob.Prefix,
		InlinePayloads: cfg.Blob.Inline,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build worker: %w", err)
	}
	return w, nil
}

// runWorker builds and runs one worker to completion.
func runWorker(ctx context.Context, st crawlStore, cfg config.Config, index int, logger *zap.Logger) error {
	var cleanup closers
	defer cleanup.run()
	w, err := buildWorker(ctx, st, cfg, index, &cleanup, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
