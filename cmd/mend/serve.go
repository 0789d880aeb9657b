package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mend/internal/command"
	"mend/internal/janitor"
	"mend/internal/logging"
	"mend/internal/observability"
	"mend/internal/server"
	"mend/internal/webhook"
)

var serveCloneBase string

func init() {
	serveCmd.Flags().StringVar(&serveCloneBase, "clone-base-url", "https://github.com", "base URL clone URLs are built from")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook dispatcher, in-process workers, and read API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.NewComponentLogger("Serve")

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

		router := command.NewRouter(a.svc)
		dispatcher := webhook.NewDispatcher(a.svc, router,
			webhook.InstallationSecrets{Store: a.insts},
			observability.Default(), cfg.BotIdentities)

		jan := janitor.New(janitor.Config{LogRetention: cfg.LogRetention}, a.svc, a.logs, a.clock)
		if err := jan.Start(ctx); err != nil {
			return err
		}
		defer jan.Stop()

		// serve hosts the agent pool in-process; a WORKER_COUNT of zero hands
		// the claim loops off to dedicated worker processes instead.
		if cfg.WorkerCount > 0 {
			pool := buildWorkerPool(cfg, a, serveCloneBase)
			logger.Info("hosting %d in-process workers", cfg.WorkerCount)
			go func() {
				if err := pool.Run(ctx); err != nil {
					logger.Error("worker pool stopped: %v", err)
				}
			}()
		}

		srv := server.New(cfg.ListenAddr, a.svc, a.logs, dispatcher)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
