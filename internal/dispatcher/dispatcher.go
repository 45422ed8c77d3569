// Package dispatcher starts the crawl's worker pool. Workers are independent OS
// processes by default; they share nothing but the store, so a slow start on one
// never blocks another.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultStagger spaces worker launches so they do not all bootstrap the seed domain
// at once.
const DefaultStagger = 5 * time.Second

// Launcher runs worker number index until it finishes.
type Launcher interface {
	Launch(ctx context.Context, index int) error
}

// LauncherFunc adapts a function to Launcher; used to run workers in process.
type LauncherFunc func(ctx context.Context, index int) error

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, index int) error {
	return f(ctx, index)
}

// ProcessLauncher re-executes a binary as `<Binary> <Args...> worker --index i`.
type ProcessLauncher struct {
	Binary string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// GracePeriod bounds how long a worker may take to exit after an interrupt.
	GracePeriod time.Duration
}

// Launch starts the worker process and waits for it. Cancelling ctx interrupts it.
func (p ProcessLauncher) Launch(ctx context.Context, index int) error {
	args := append(append([]string(nil), p.Args...), "worker", "--index", strconv.Itoa(index))
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 30 * time.Second
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("worker %d: %w", index, err)
	}
	return nil
}

// Config sizes the pool.
type Config struct {
	Workers int
	Stagger time.Duration
}

// Dispatcher launches workers with staggered starts and waits for all of them.
type Dispatcher struct {
	launcher Launcher
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// New creates a Dispatcher. A zero Stagger selects DefaultStagger; a negative one
// disables it.
func New(launcher Launcher, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0")
	}
	if cfg.Stagger == 0 {
		cfg.Stagger = DefaultStagger
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{launcher: launcher, cfg: cfg, sleep: sleepContext, logger: logger}, nil
}

// Run starts worker i after i×Stagger and blocks until every started worker exits. A
// failing worker does not stop its siblings; the first failure is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	var g errgroup.Group
	for i := 0; i < d.cfg.Workers; i++ {
		index := i
		g.Go(func() error {
			if delay := time.Duration(index) * d.cfg.Stagger; delay > 0 {
				if err := d.sleep(ctx, delay); err != nil {
					d.logger.Info("worker launch canceled", zap.Int("index", index))
					return nil
				}
			}
			d.logger.Info("launching worker", zap.Int("index", index))
			err := d.launcher.Launch(ctx, index)
			if err != nil {
				d.logger.Error("worker exited with error", zap.Int("index", index), zap.Error(err))
				return err
			}
			d.logger.Info("worker finished", zap.Int("index", index))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
