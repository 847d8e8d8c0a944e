package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relaybot",
		Short:        "Telegram bot that downloads files by links and sends them back",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Config file path (yaml, json, toml or env). Environment is used if empty.")
	cmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before reading configuration, ignored if absent.")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}
