package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mend/internal/faults"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control tasks",
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Print a task with its execution chain and transitions",
	Args:  cobra.ExactArgs(1),
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

		id := args[0]
		t, err := a.store.Get(ctx, id)
		if err != nil {
			return err
		}
		execs, err := a.store.Executions(ctx, id)
		if err != nil {
			return err
		}
		trs, err := a.store.Transitions(ctx, id)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"task":        t,
			"executions":  execs,
			"transitions": trs,
		})
	},
}

var taskCancelActor string

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Force a non-terminal task to a terminal state",
	Args:  cobra.ExactArgs(1),
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

		t, err := a.svc.Cancel(ctx, args[0], taskCancelActor)
		if err != nil {
			if faults.Is(err, faults.KindIllegalTransition) {
				return faults.Wrap(faults.KindValidation, err, "cancel")
			}
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

func init() {
	taskCancelCmd.Flags().StringVar(&taskCancelActor, "actor", "cli", "actor recorded on the transition")
	taskCmd.AddCommand(taskGetCmd, taskCancelCmd)
}
