package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tt2tg",
		Short:         "Relay items collected in the browser to a Telegram chat",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config file (yaml or json); empty for environment only")

	cmd.AddCommand(
		newRunserverCommand(),
		newCheckConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
