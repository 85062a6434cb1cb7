package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "printfleet",
		Short: "Dispatch queued print jobs to a fleet of network printers",
		Long: `printfleet keeps a fleet of Moonraker and MQTT printers busy: it resolves
finished prints, hands queued jobs to idle printers and splices each
printer's eject script into the G-code it uploads.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(
		newServeCommand(),
		newRunCommand(),
		newRefreshCommand(),
		newDetectCommand(),
		newGCodeCommand(),
		newMigrateCommand(),
	)
	return root
}
