package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		database, err := connectDB(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := database.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(applied) == 0 {
			fmt.Fprintln(out, "Database is up to date.")
			return nil
		}
		for _, v := range applied {
			fmt.Fprintf(out, "Applied %s\n", v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
