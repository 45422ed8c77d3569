package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs a single crawl worker against the shared database",
		Long: `Claims pages from the shared frontier until it is empty or another worker
raises the stop flag. Normally launched by "crawl"; running it by hand adds a
worker to a crawl in progress.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), rt.cfg, false, rt.logger)
			if err != nil {
				return err
			}
			defer st.Close()
			return runWorker(cmd.Context(), st, rt.cfg, index, rt.logger)
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "worker index, used in logs")
	return cmd
}
