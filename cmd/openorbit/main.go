// Package main provides the openorbit command: the operator API server and the
// batch job, history and adapter tools that share its configuration.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonathan/openorbit/internal/config"
)

var (
	configPath string
	logLevel   string

	// cfg and logger are set by the root command before any subcommand runs.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "openorbit",
	Short: "OpenOrbit session orchestration and telemetry engine",
	Long: `OpenOrbit paces automated platform sessions, runs single-flight batch jobs
such as CRM valuation enrichment, and streams live session telemetry to
operators.

Configuration comes from an optional JSON file (--config), then the
environment (a .env file is loaded when present).`,
	SilenceUsage:      true,
	PersistentPreRunE: loadRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
}

func loadRuntime(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		loaded.LogLevel = logLevel
		if err := loaded.Validate(); err != nil {
			return err
		}
	}
	cfg = loaded

	logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
