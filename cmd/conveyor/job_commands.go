package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage processing jobs",
	}

	jobCmd.AddCommand(newJobSubmitCommand(ctx))
	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobShowCommand(ctx))
	jobCmd.AddCommand(newJobStartCommand(ctx))
	jobCmd.AddCommand(newJobCancelCommand(ctx))
	jobCmd.AddCommand(newJobRetryCommand(ctx))
	jobCmd.AddCommand(newJobDeleteCommand(ctx))

	return jobCmd
}

func newJobSubmitCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var label string
	var capabilities []string
	var failurePolicy string
	var ttlHours int
	var start bool

	cmd := &cobra.Command{
		Use:   "submit <file-ref> [file-ref ...]",
		Short: "Create a job covering one or more file references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			if len(capabilities) == 0 {
				return fmt.Errorf("at least one --capability is required")
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.CreateJob(cmd.Context(), createJobPayload{
				OwnerID:       owner,
				Label:         label,
				Capabilities:  capabilities,
				FileRefs:      args,
				FailurePolicy: failurePolicy,
				TTLHours:      ttlHours,
				Start:         start,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s created with %d transaction(s), status %s\n", job.ID, job.TotalTxns, job.Status)
			if !start {
				fmt.Fprintf(out, "Run `conveyor job start %s` to begin processing\n", job.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner identifier for the job")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable job label")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Processing capability to apply (repeatable)")
	cmd.Flags().StringVar(&failurePolicy, "failure-policy", "", "Failure policy: partial or fail_fast")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "Retention for the finished job in hours")
	cmd.Flags().BoolVar(&start, "start", false, "Start processing immediately")
	return cmd
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var after string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(cmd.Context(), status, after, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					job.ID,
					job.Label,
					job.Status,
					strings.Join(job.Capabilities, ","),
					fmt.Sprintf("%d/%d", job.CompletedTxns, job.TotalTxns),
					fmt.Sprint(job.FailedTxns),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Label", "Status", "Capabilities", "Done", "Failed"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by job status")
	cmd.Flags().StringVar(&after, "after", "", "Cursor: list jobs created after this job id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to return")
	return cmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:            %s\n", job.ID)
			fmt.Fprintf(out, "Owner:          %s\n", job.OwnerID)
			if job.Label != "" {
				fmt.Fprintf(out, "Label:          %s\n", job.Label)
			}
			fmt.Fprintf(out, "Status:         %s\n", job.Status)
			fmt.Fprintf(out, "Capabilities:   %s\n", strings.Join(job.Capabilities, ", "))
			fmt.Fprintf(out, "Failure policy: %s\n", job.FailurePolicy)
			fmt.Fprintf(out, "Transactions:   %d total, %d completed, %d failed, %d outstanding ops\n",
				job.TotalTxns, job.CompletedTxns, job.FailedTxns, job.Outstanding)
			if job.Error != "" {
				fmt.Fprintf(out, "Error:          %s\n", job.Error)
			}

			if len(job.Transactions) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(job.Transactions))
			for _, txn := range job.Transactions {
				results := make([]string, 0, len(txn.Results))
				for capability, result := range txn.Results {
					results = append(results, fmt.Sprintf("%s=%.2f", capability, result.Confidence))
				}
				rows = append(rows, []string{
					txn.ID,
					txn.SourceRef,
					txn.Status,
					strings.Join(results, " "),
					yesNo(txn.NeedsReview),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Transaction", "Source", "Status", "Results", "Review"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newJobStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start <job-id>",
		Short: "Start processing a created job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.StartJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s with %d outstanding operation(s)\n", job.ID, job.Status, job.Outstanding)
			return nil
		},
	}
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an active job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", job.ID)
			return nil
		},
	}
}

func newJobRetryCommand(ctx *commandContext) *cobra.Command {
	var txnIDs []string

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry the failed transactions of a settled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			retried, err := client.RetryJob(cmd.Context(), args[0], txnIDs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retrying %d transaction(s)\n", retried)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&txnIDs, "transaction", nil, "Retry only this transaction id (repeatable)")
	return cmd
}

func newJobDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a finished job and all its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", args[0])
			return nil
		},
	}
}
