package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies store migrations for the configured STORE_DRIVER",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		e, cleanup, err := connect(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.stores.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", e.cfg.StoreDriver, err)
		}
		e.log.Info("migrations applied", "store", e.cfg.StoreDriver)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(migrateCmd)
}
