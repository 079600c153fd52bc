package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var serverFlag string
	var configFlag string

	ctx := newCommandContext(&serverFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor document processing orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Base URL of the conveyor daemon API")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newDaemonCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	rootCmd.AddCommand(newReviewCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newDeadLetterCommand(ctx))
	rootCmd.AddCommand(newTestNotifyCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
