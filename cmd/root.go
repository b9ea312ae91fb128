package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avtopark/finewatch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "finewatch",
	Short: "Traffic fine tracker for a vehicle fleet",
	Long:  "Polls the fines lookup service for every registered vehicle, keeps a local fine history, detects new and settled fines and notifies owners.",
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
