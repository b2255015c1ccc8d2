package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesayf/deployai-sub003/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for the report pipeline task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tc, err := dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		w := workflow.NewWorker(tc, cfg.Temporal.TaskQueue, env.Activities)
		zap.L().Info("worker starting",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("namespace", cfg.Temporal.Namespace),
		)
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start worker")
		}
		<-ctx.Done()
		zap.L().Info("worker stopping")
		w.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
