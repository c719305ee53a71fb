package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-devpipe/internal/jobs"
	"github.com/basket/go-devpipe/internal/persistence"
)

var (
	jobsRepo    string
	jobsStatus  string
	jobsLimit   int
	jobsOffset  int
	jobsReason  string
	jobsTimeout time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit, inspect, cancel and approve jobs",
	Long: `Manage pipeline jobs recorded in the devpipe database.

Submitted jobs are queued until "devpipe serve" picks them up. Cancelling
a job that another process is running marks its record cancelled; the
running server stops it on its next reconcile pass.

Examples:
  devpipe jobs submit "todo app with auth"
  devpipe jobs list --status pending_approval
  devpipe jobs approve <job-id>
  devpipe jobs reject <job-id> --reason "wrong scope"`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Queue a job for devpipe serve",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		id, err := a.store.CreateJob(ctx, strings.Join(args, " "), jobsRepo)
		if err != nil {
			return err
		}
		job, err := a.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		return renderJob(cmd.OutOrStdout(), job)
	}),
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		list, total, err := a.jobs.List(ctx, persistence.JobStatus(jobsStatus), jobsLimit, jobsOffset)
		if err != nil {
			return err
		}
		payload := struct {
			Total int               `json:"total" yaml:"total"`
			Jobs  []persistence.Job `json:"jobs" yaml:"jobs"`
		}{Total: total, Jobs: list}
		return render(cmd.OutOrStdout(), payload, func(tw *tabwriter.Writer) {
			fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tSTEP\tOUTCOME\tAGE\tDESCRIPTION")
			for _, j := range list {
				fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\t%s\t%s\n",
					j.ID, j.Status, j.Progress, orDash(j.CurrentStep), orDash(j.Outcome), formatAge(j.CreatedAt), truncate(j.Description, 48))
			}
			fmt.Fprintf(tw, "\n%d of %d jobs\n", len(list), total)
		})
	}),
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		job, err := a.jobs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return renderJob(cmd.OutOrStdout(), job)
	}),
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued, running or pending-approval job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.jobs.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", args[0])
		return nil
	}),
}

var jobsApproveCmd = &cobra.Command{
	Use:   "approve <job-id>",
	Short: "Approve publishing a job's result",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return resolveApproval(ctx, a, cmd.OutOrStdout(), args[0], true)
	}),
}

var jobsRejectCmd = &cobra.Command{
	Use:   "reject <job-id>",
	Short: "Reject a job's result without publishing",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return resolveApproval(ctx, a, cmd.OutOrStdout(), args[0], false)
	}),
}

var jobsWaitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Block until a job finishes or awaits approval",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		job, err := a.jobs.Wait(ctx, args[0], jobsTimeout)
		if err != nil {
			return err
		}
		return renderJob(cmd.OutOrStdout(), job)
	}),
}

func init() {
	jobsSubmitCmd.Flags().StringVar(&jobsRepo, "repo", "", "Repository the result is published to")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Only list jobs with this status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs")
	jobsListCmd.Flags().IntVar(&jobsOffset, "offset", 0, "Skip this many jobs")
	jobsApproveCmd.Flags().StringVar(&jobsReason, "reason", "", "Reason recorded with the decision")
	jobsRejectCmd.Flags().StringVar(&jobsReason, "reason", "", "Reason recorded with the decision")
	jobsWaitCmd.Flags().DurationVar(&jobsTimeout, "timeout", 10*time.Minute, "Give up after this long")

	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsGetCmd, jobsCancelCmd, jobsApproveCmd, jobsRejectCmd, jobsWaitCmd)
	rootCmd.AddCommand(jobsCmd)
}

// withApp opens a quiet app around fn and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, appOptions{Quiet: cliQuiet()})
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return fn(ctx, a, cmd, args)
	}
}

func resolveApproval(ctx context.Context, a *app, out io.Writer, id string, approve bool) error {
	if err := a.jobs.ApproveOrReject(ctx, id, jobs.Decision{Approve: approve, Reason: jobsReason}); err != nil {
		return err
	}
	job, err := a.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	return renderJob(out, job)
}

func renderJob(out io.Writer, job *persistence.Job) error {
	return render(out, job, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID:\t%s\n", job.ID)
		fmt.Fprintf(tw, "Status:\t%s\n", job.Status)
		fmt.Fprintf(tw, "Progress:\t%.0f%%\n", job.Progress)
		fmt.Fprintf(tw, "Step:\t%s\n", orDash(job.CurrentStep))
		fmt.Fprintf(tw, "Outcome:\t%s\n", orDash(job.Outcome))
		if job.FailedStageID != "" {
			fmt.Fprintf(tw, "Failed stage:\t%s\n", job.FailedStageID)
		}
		if job.Error != "" {
			fmt.Fprintf(tw, "Error:\t%s\n", job.Error)
		}
		if job.RepoRef != "" {
			fmt.Fprintf(tw, "Repository:\t%s\n", job.RepoRef)
		}
		fmt.Fprintf(tw, "Description:\t%s\n", job.Description)
		fmt.Fprintf(tw, "Created:\t%s (%s ago)\n", job.CreatedAt.Format(time.RFC3339), formatAge(job.CreatedAt))
		fmt.Fprintf(tw, "Updated:\t%s\n", job.UpdatedAt.Format(time.RFC3339))
	})
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
