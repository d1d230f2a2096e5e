package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/internal/hub"
	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/internal/ralph"
	"github.com/haasonsaas/tandem/internal/toolhistory"
	"github.com/spf13/cobra"
)

func newRalphCmd() *cobra.Command {
	var (
		task          string
		workspace     string
		promise       string
		maxIterations int
		minIterations int
		planMode      bool
	)
	cmd := &cobra.Command{
		Use:   "ralph",
		Short: "Drive a task to completion with the iterative loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" {
				return fmt.Errorf("--task is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.Log, os.Stderr)
			ctx := cmd.Context()

			client, closeClient, err := buildSidecar(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeClient()

			history, err := toolhistory.Open(toolhistory.Config{
				Path:   filepath.Join(cfg.DataDir, "tool_history.db"),
				Logger: logger.With("component", "tool-history"),
			})
			if err != nil {
				return err
			}
			defer history.Close()

			streamHub := hub.New(client, hub.Config{
				Recorder: history,
				Logger:   logger.With("component", "stream-hub"),
			})
			streamHub.Start()
			defer streamHub.Stop()

			loop := ralph.New(client, streamHub, ralph.Config{
				Task:              task,
				SessionID:         uuid.NewString(),
				WorkspaceRoot:     workspace,
				CompletionPromise: promise,
				MaxIterations:     maxIterations,
				MinIterations:     minIterations,
				PlanModeGuard:     planMode,
				IterationTimeout:  10 * time.Minute,
				Logger:            logger.With("component", "ralph"),
			})

			fmt.Println("run:", loop.RunID())
			if err := loop.Run(ctx); err != nil {
				return err
			}
			snap := loop.Status()
			fmt.Printf("status=%s iterations=%d\n", snap.Status, snap.Iteration)
			for _, rec := range loop.History(0, 0) {
				fmt.Printf("  #%d %dms tools=%d files=%d errors=%d completion=%v\n",
					rec.Iteration, rec.DurationMS, rec.ToolsUsed,
					len(rec.FilesModified), len(rec.Errors), rec.CompletionDetected)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&task, "task", "", "task to drive to completion")
	flags.StringVar(&workspace, "workspace", ".", "workspace root for change detection")
	flags.StringVar(&promise, "promise", "DONE", "completion promise token")
	flags.IntVar(&maxIterations, "max-iterations", 10, "iteration bound")
	flags.IntVar(&minIterations, "min-iterations", 1, "iterations required before completion is honored")
	flags.BoolVar(&planMode, "plan-mode", false, "add the plan-mode guard to every prompt")
	return cmd
}
