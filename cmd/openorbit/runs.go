package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/openorbit/internal/db"
	"github.com/jonathan/openorbit/internal/observability"
)

var (
	runsLimit int
	runsID    string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show batch run history",
	Long:  `Lists recent batch runs, newest first, or shows a single run with --id.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if runsLimit < 1 || runsLimit > 500 {
			return fmt.Errorf("--limit must be between 1 and 500")
		}
		var id uuid.UUID
		if runsID != "" {
			parsed, err := uuid.Parse(runsID)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
			id = parsed
		}

		database, err := connectDB(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		runner := newRunner(database)
		printer := observability.NewPrinter(cmd.OutOrStdout())

		if runsID != "" {
			run, err := runner.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			printer.PrintRuns([]db.BatchRun{*run})
			return nil
		}

		runs, err := runner.History(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		printer.PrintRuns(runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to show")
	runsCmd.Flags().StringVar(&runsID, "id", "", "Show a single run by ID")
	rootCmd.AddCommand(runsCmd)
}
