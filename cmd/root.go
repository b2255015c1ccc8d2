package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesayf/deployai-sub003/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "deployai",
	Short: "AI readiness report pipeline",
	Long:  "Turns quiz submissions into AI readiness reports through a four-stage LLM pipeline with durable Temporal checkpoints and email delivery.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
