package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	resendLimit       int
	resendConcurrency int
)

var resendCmd = &cobra.Command{
	Use:   "resend",
	Short: "Send completion emails for reports that finished without one",
	Long:  "Finds completed reports whose notification never went out (provider outage, disabled delivery) and sends them. Safe to re-run; each report is marked on first successful send.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reports, err := env.Store.ListUnnotified(ctx, resendLimit)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			zap.L().Info("no unnotified reports")
			return nil
		}
		zap.L().Info("resending completion emails", zap.Int("reports", len(reports)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(resendConcurrency)

		var sent, failed int64
		results := make(chan bool, len(reports))
		for _, r := range reports {
			report := r
			g.Go(func() error {
				err := env.Orchestrator.SendNotification(gctx, report.ID, false)
				if err != nil {
					zap.L().Warn("resend failed",
						zap.String("report_id", report.ID), zap.Error(err))
				}
				results <- err == nil
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		close(results)
		for ok := range results {
			if ok {
				sent++
			} else {
				failed++
			}
		}

		zap.L().Info("resend finished", zap.Int64("sent", sent), zap.Int64("failed", failed))
		return nil
	},
}

func init() {
	resendCmd.Flags().IntVar(&resendLimit, "limit", 100, "maximum reports to process")
	resendCmd.Flags().IntVar(&resendConcurrency, "concurrency", 4, "parallel sends")
	rootCmd.AddCommand(resendCmd)
}
