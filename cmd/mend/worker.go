package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mend/internal/logging"
)

var workerCloneBase string

func init() {
	workerCmd.Flags().StringVar(&workerCloneBase, "clone-base-url", "https://github.com", "base URL clone URLs are built from")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the agent worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.NewComponentLogger("WorkerMain")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.ensureSchemas(ctx); err != nil {
			return err
		}

		pool := buildWorkerPool(cfg, a, workerCloneBase)

		logger.Info("worker pool starting with %d workers", cfg.WorkerCount)
		return pool.Run(ctx)
	},
}
