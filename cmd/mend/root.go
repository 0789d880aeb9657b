package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mend/internal/config"
	"mend/internal/faults"
	"mend/internal/logging"
)

// Exit codes follow sysexits: usage errors, unavailable backends, internal
// software faults.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
)

var rootCmd = &cobra.Command{
	Use:           "mend",
	Short:         "Autonomous bug-fixing orchestrator",
	Long:          "mend turns provider webhooks into planned, human-approved, agent-executed code changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, enqueueCmd, taskCmd, queueCmd, migrateCmd)
}

// Execute runs the CLI and maps errors to exit codes.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mend:", err)
		return exitCodeFor(err)
	}
	return exitOK
}

func exitCodeFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindValidation:
		return exitUsage
	case faults.KindUnavailable:
		return exitUnavailable
	default:
		return exitSoftware
	}
}

// loadConfig loads env config and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "load config")
	}
	logging.SetDefault(logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}))
	return cfg, nil
}
