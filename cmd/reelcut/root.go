package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var addrFlag string
	var apiKeyFlag string

	ctx := newCommandContext(&configFlag, &addrFlag, &apiKeyFlag)

	rootCmd := &cobra.Command{
		Use:           "reelcut",
		Short:         "Highlight clip extraction service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Base URL of a running reelcut server (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKeyFlag, "api-key", "", "API key sent to the server (default $REELCUT_API_KEY)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newCreditsCommand(ctx))

	return rootCmd
}
