package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and decide pending review cases",
	}

	reviewCmd.AddCommand(newReviewListCommand(ctx))
	reviewCmd.AddCommand(newReviewDecisionCommand(ctx, "approve", "Accept the proposed result"))
	reviewCmd.AddCommand(newReviewRejectCommand(ctx))
	reviewCmd.AddCommand(newReviewDecisionCommand(ctx, "escalate", "Escalate the case to a senior reviewer"))

	return reviewCmd
}

func newReviewListCommand(ctx *commandContext) *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending review cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			cases, err := client.ListReviews(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if len(cases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending review cases")
				return nil
			}

			rows := make([][]string, 0, len(cases))
			for _, rc := range cases {
				rows = append(rows, []string{
					rc.ID,
					rc.JobID,
					rc.TransactionID,
					rc.Capability,
					fmt.Sprintf("%.2f", rc.Confidence),
					rc.ProposedRef,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Case", "Job", "Transaction", "Capability", "Confidence", "Proposed"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Only list cases for this job")
	return cmd
}

func newReviewDecisionCommand(ctx *commandContext, decision, short string) *cobra.Command {
	return &cobra.Command{
		Use:   decision + " <case-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			rc, err := client.Decide(cmd.Context(), args[0], decision+"d", "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Case %s %s; final result %s\n", rc.ID, rc.Decision, rc.FinalRef)
			return nil
		},
	}
}

func newReviewRejectCommand(ctx *commandContext) *cobra.Command {
	var overrideRef string

	cmd := &cobra.Command{
		Use:   "reject <case-id>",
		Short: "Reject the proposed result and substitute an override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if overrideRef == "" {
				return fmt.Errorf("--override is required when rejecting")
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			rc, err := client.Decide(cmd.Context(), args[0], "rejected", overrideRef)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Case %s rejected; final result %s\n", rc.ID, rc.FinalRef)
			return nil
		},
	}

	cmd.Flags().StringVar(&overrideRef, "override", "", "Result reference replacing the proposal")
	return cmd
}
