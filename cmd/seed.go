package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSeedCmd() *cobra.Command {
	var urls []string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Enqueues seed URLs without starting workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if len(urls) > 0 {
				rt.cfg.Crawl.SeedURLs = urls
			}
			st, err := openStore(cmd.Context(), rt.cfg, false, rt.logger)
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := seedFrontier(cmd.Context(), newScheduler(st, rt.cfg, "seed", rt.logger), rt.cfg)
			if err != nil {
				return err
			}
			rt.logger.Info("frontier seeded", zap.Int("inserted", n))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&urls, "url", nil, "seed URL (repeatable); defaults to crawl.seed_urls")
	return cmd
}
