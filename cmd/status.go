package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thesayf/deployai-sub003/internal/status"
	"github.com/thesayf/deployai-sub003/internal/workflow"
)

var (
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <report-id>",
	Short: "Show the pipeline run status for a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		workflowID := workflow.WorkflowID(args[0])

		tc, err := dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		reporter := status.NewReporter(tc)
		for {
			rs, err := reporter.Status(ctx, workflowID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if !statusWatch || rs.State != "running" {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(statusInterval):
			}
		}
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "poll until the run closes")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "poll interval with --watch")
	rootCmd.AddCommand(statusCmd)
}
