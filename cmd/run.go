package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runForce bool

var runCmd = &cobra.Command{
	Use:   "run <report-id>",
	Short: "Run the report pipeline in-process, without Temporal",
	Long:  "Executes all four stages directly against the store. Useful for local development and backfills; production runs go through the Temporal workflow.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reportID := args[0]

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orchestrator.Run(ctx, reportID, runForce); err != nil {
			return err
		}

		report, err := env.Store.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		zap.L().Info("pipeline run finished",
			zap.String("report_id", reportID),
			zap.String("status", string(report.Status)),
			zap.Bool("email_sent", report.EmailSentAt != nil),
		)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "re-run stages even when output already exists")
	rootCmd.AddCommand(runCmd)
}
