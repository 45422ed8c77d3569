package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/api"
	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/politeness"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the frontier and site registry over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if addr != "" {
				rt.cfg.API.Addr = addr
			}
			return runServe(cmd.Context(), rt)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override api.addr")
	return cmd
}

func runServe(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	st, err := openStore(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sched := newScheduler(st, cfg, "api", logger)
	delays := politeness.New(st, nil, system.New(), cfg.Crawl.DefaultDelay, logger.Named("politeness"))
	server := api.NewServer(api.Deps{
		Frontier: sched,
		Delays:   delays,
		Repo:     st,
		Ready:    st.Ping,
	}, cfg.API.RequestTimeout, logger.Named("api"))

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
