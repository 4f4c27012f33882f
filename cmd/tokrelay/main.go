package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	creatorsPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	runCmd := newRunCmd()

	rootCmd := &cobra.Command{
		Use:           "tokrelay",
		Short:         "Relay new posts from tracked accounts to Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&creatorsPath, "creators", "config/creators.yaml", "creators file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newPendingCmd())
	return rootCmd
}
