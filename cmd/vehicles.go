package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/avtopark/finewatch/internal/model"
)

var vehiclesCmd = &cobra.Command{
	Use:   "vehicles",
	Short: "Manage tracked vehicles",
}

var vehiclesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked vehicles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		vehicles, err := st.ListVehicles(ctx)
		if err != nil {
			return eris.Wrap(err, "vehicles list")
		}

		if len(vehicles) == 0 {
			fmt.Fprintln(os.Stderr, "No vehicles registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPLATE\tDOCUMENT\tEMAIL\tLAST CHECK")
		for _, v := range vehicles {
			lastCheck := "never"
			if v.LastCheckAt != nil {
				lastCheck = v.LastCheckAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", v.ID, v.Plate, v.Document, v.Email, lastCheck)
		}
		return w.Flush()
	},
}

var vehiclesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a vehicle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		plate, _ := cmd.Flags().GetString("plate")
		document, _ := cmd.Flags().GetString("document")
		email, _ := cmd.Flags().GetString("email")
		email2, _ := cmd.Flags().GetString("email2")
		description, _ := cmd.Flags().GetString("description")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		v, err := st.CreateVehicle(ctx, model.Vehicle{
			Plate:       plate,
			Document:    document,
			Email:       email,
			Email2:      email2,
			Description: description,
		})
		if err != nil {
			return eris.Wrap(err, "vehicles add")
		}

		fmt.Printf("Registered vehicle %d: %s\n", v.ID, v.Plate)
		return nil
	},
}

var vehiclesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a vehicle and its fine history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid vehicle id %q", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteVehicle(ctx, id); err != nil {
			return eris.Wrap(err, "vehicles rm")
		}

		fmt.Printf("Removed vehicle %d\n", id)
		return nil
	},
}

func init() {
	vehiclesAddCmd.Flags().String("plate", "", "vehicle plate number (required)")
	vehiclesAddCmd.Flags().String("document", "", "registration certificate number (required)")
	vehiclesAddCmd.Flags().String("email", "", "owner notification address (required)")
	vehiclesAddCmd.Flags().String("email2", "", "secondary notification address")
	vehiclesAddCmd.Flags().String("description", "", "free-form note")
	_ = vehiclesAddCmd.MarkFlagRequired("plate")
	_ = vehiclesAddCmd.MarkFlagRequired("document")
	_ = vehiclesAddCmd.MarkFlagRequired("email")

	vehiclesCmd.AddCommand(vehiclesListCmd, vehiclesAddCmd, vehiclesRmCmd)
	rootCmd.AddCommand(vehiclesCmd)
}
