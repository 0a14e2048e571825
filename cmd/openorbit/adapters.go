package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/openorbit/internal/adapters"
	"github.com/jonathan/openorbit/internal/observability"
)

var (
	adaptersRoot string
	adaptersHost string
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List installed platform adapters",
	Long: `Scans the plugin root's node_modules for openorbit adapter packages.
With --host, shows only the adapter whose platform pattern matches the host.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		root := cfg.PluginRoot
		if adaptersRoot != "" {
			root = adaptersRoot
		}

		registry := adapters.NewRegistry(root, logger)
		found, err := registry.Refresh()
		if err != nil {
			return err
		}

		printer := observability.NewPrinter(cmd.OutOrStdout())
		if adaptersHost == "" {
			printer.PrintAdapters(found)
			return nil
		}
		meta, ok := registry.ForHost(adaptersHost)
		if !ok {
			return fmt.Errorf("no adapter matches host %q", adaptersHost)
		}
		printer.PrintAdapters([]adapters.AdapterMeta{meta})
		return nil
	},
}

func init() {
	adaptersCmd.Flags().StringVar(&adaptersRoot, "root", "", "Plugin root directory (overrides config)")
	adaptersCmd.Flags().StringVar(&adaptersHost, "host", "", "Show the adapter serving this host")
	rootCmd.AddCommand(adaptersCmd)
}
