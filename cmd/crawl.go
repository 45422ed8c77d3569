package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/dispatcher"
)

func newCrawlCmd() *cobra.Command {
	var (
		inProcess bool
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Seeds the frontier and runs the worker pool until the crawl stops",
		Long: `Clears the shared stop flag, enqueues the seed URLs and launches the
configured number of workers with staggered starts. By default every worker is a
separate process running "worker --index i"; --in-process runs them as goroutines
instead, which also allows crawling without a database for local experiments.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("in-process") {
				rt.cfg.Crawl.InProcess = inProcess
			}
			if cmd.Flags().Changed("workers") {
				rt.cfg.Crawl.Workers = workers
			}
			return runCrawl(cmd.Context(), rt)
		},
	}
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run workers as goroutines instead of processes")
	cmd.Flags().IntVar(&workers, "workers", 0, "override crawl.workers")
	return cmd
}

func runCrawl(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	st, err := openStore(ctx, cfg, cfg.Crawl.InProcess, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sched := newScheduler(st, cfg, "supervisor", logger)
	if err := sched.Reset(ctx); err != nil {
		return err
	}
	n, err := seedFrontier(ctx, sched, cfg)
	if err != nil {
		return err
	}
	logger.Info("frontier seeded", zap.Int("inserted", n), zap.Strings("seeds", cfg.Crawl.SeedURLs))

	launcher, err := workerLauncher(rt, st)
	if err != nil {
		return err
	}
	d, err := dispatcher.New(launcher, dispatcher.Config{
		Workers: cfg.Crawl.Workers,
		Stagger: cfg.Crawl.Stagger,
	}, logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	count, err := sched.HTMLCount(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("final html count failed", zap.Error(err))
	} else {
		logger.Info("crawl finished", zap.Int64("html_pages", count))
	}
	return nil
}

// workerLauncher runs workers in process over the shared store, or re-executes this
// binary once per worker.
func workerLauncher(rt *runtime, st crawlStore) (dispatcher.Launcher, error) {
	if rt.cfg.Crawl.InProcess {
		return dispatcher.LauncherFunc(func(ctx context.Context, index int) error {
			return runWorker(ctx, st, rt.cfg, index, rt.logger)
		}), nil
	}
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	var args []string
	if rt.configPath != "" {
		args = append(args, "--config", rt.configPath)
	}
	return dispatcher.ProcessLauncher{
		Binary:      binary,
		Args:        args,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		GracePeriod: rt.cfg.Crawl.ShutdownGrace,
	}, nil
}
