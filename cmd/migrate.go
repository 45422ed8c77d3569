package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/polite-crawler/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the crawldb schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.cfg.RequireDatabase(); err != nil {
				return err
			}
			st, err := postgres.New(cmd.Context(), postgres.Config{DSN: rt.cfg.Database.DSN, MaxConns: 1})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("schema applied")
			return nil
		},
	}
}
