package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/avtopark/finewatch/internal/model"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one reconciliation pass over all vehicles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		summary, err := initRunner(st).Run(ctx, model.TriggerManual)
		if err != nil {
			return eris.Wrap(err, "check")
		}

		fmt.Printf("Checked %d vehicles (%d failed): %d new fines, %d paid\n",
			summary.VehiclesChecked, summary.VehiclesFailed,
			summary.NewFines, summary.PaidFines)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
