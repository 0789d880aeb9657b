package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mend/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the stage queues",
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print depth and dead-letter counts for both queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		out := map[string]any{}
		for _, name := range []queue.Name{queue.Plan, queue.Execute} {
			stats, err := a.queue.Stats(ctx, name)
			if err != nil {
				return err
			}
			dead, err := a.queue.DeadLetters(ctx, name)
			if err != nil {
				return err
			}
			out[string(name)] = map[string]any{"stats": stats, "dead_letters": dead}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	queueCmd.AddCommand(queueInspectCmd)
}
