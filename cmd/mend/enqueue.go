package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mend/internal/faults"
	"mend/internal/orchestrator"
	"mend/internal/task"
)

var (
	enqueueKind     string
	enqueueRepo     string
	enqueueRef      string
	enqueuePriority string
	enqueueActor    string
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", "fix", "task kind: enrich, fix, approve, improve, review")
	enqueueCmd.Flags().StringVar(&enqueueRepo, "target", "", "target repository (owner/name)")
	enqueueCmd.Flags().StringVar(&enqueueRef, "ref", "", "target branch or commit")
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "normal", "critical, high, normal, low")
	enqueueCmd.Flags().StringVar(&enqueueActor, "actor", "cli", "actor recorded on the task origin")
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Create and enqueue a task directly",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueRepo == "" {
			return faults.New(faults.KindValidation, "--target is required")
		}
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

		t, duplicate, err := a.svc.CreateTask(ctx, orchestrator.CreateParams{
			Origin: task.Origin{
				Provider: task.ProviderCodeHost,
				EventID:  "cli-" + time.Now().UTC().Format(time.RFC3339Nano),
				Actor:    enqueueActor,
				Surface:  "cli",
			},
			Target:   task.Target{Repo: enqueueRepo, Ref: enqueueRef},
			Kind:     task.Kind(enqueueKind),
			Priority: task.Priority(enqueuePriority),
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"task": t, "duplicate": duplicate})
	},
}
