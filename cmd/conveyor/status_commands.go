package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and job health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon running: %s\n", yesNo(status.Running))
			fmt.Fprintf(out, "Database:       %s\n", status.DBPath)
			fmt.Fprintf(out, "Lock file:      %s\n", status.LockFilePath)
			fmt.Fprintf(out, "Capabilities:   %s\n", strings.Join(status.Capabilities, ", "))
			fmt.Fprintf(out, "Jobs:           %d total, %d active, %d in review, %d completed, %d failed, %d cancelled\n",
				status.Jobs.Total, status.Jobs.Active, status.Jobs.Review,
				status.Jobs.Completed, status.Jobs.Failed, status.Jobs.Cancelled)
			return nil
		},
	}
}

func newDeadLetterCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List quarantined work units",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			letters, err := client.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
				return nil
			}

			rows := make([][]string, 0, len(letters))
			for _, dl := range letters {
				rows = append(rows, []string{
					fmt.Sprint(dl.ID),
					dl.Kind,
					dl.JobID,
					dl.TransactionID,
					dl.Capability,
					fmt.Sprint(dl.Attempts),
					dl.Detail,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Kind", "Job", "Transaction", "Capability", "Attempts", "Detail"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of entries to return")
	return cmd
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the configured channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.TestNotification(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
