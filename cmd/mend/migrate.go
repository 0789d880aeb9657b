package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"mend/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or migrate the backing schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ensureSchemas(ctx); err != nil {
			return err
		}
		logging.NewComponentLogger("Migrate").Info("schemas up to date")
		return nil
	},
}
