package main

import (
	"github.com/spf13/cobra"

	"github.com/jonathan/openorbit/internal/observability"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <pipeline>",
	Short: "Write property valuations into a CRM pipeline's deals",
	Long: `Runs one enrichment batch in the foreground. Each open deal in the
pipeline with a complete address gets an estimated value written to the
valuation field. Deals that already have a value, or lack an address, are
skipped.

Only one enrichment run per pipeline may be in flight, including runs started
through the API by another process.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrich,
}

func init() {
	rootCmd.AddCommand(enrichCmd)
}

func runEnrich(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	database, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	browser, err := startBrowser(ctx, false)
	if err != nil {
		return err
	}
	if browser != nil {
		defer browser.Close()
	}

	factory, err := enrichmentFactory(database, browser)
	if err != nil {
		return err
	}
	job, err := factory(args[0])
	if err != nil {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	res, err := newRunner(database).Run(ctx, job, printer)
	// A failed run still has a result worth showing.
	printer.PrintResult(res)
	return err
}
