package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/jobs"
	"github.com/basket/go-devpipe/internal/persistence"
)

var (
	runRepo    string
	runApprove bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <description>",
	Short: "Run one request in the foreground",
	Long: `Run a request through every pipeline stage in this process and print
progress as stages advance. Interrupting the command cancels the job.

When approval is required the job stops in pending_approval; pass --approve
to publish immediately, or resolve it later with "devpipe jobs approve".

Examples:
  devpipe run "todo app with auth"
  devpipe run --repo git@example.com:acme/todo.git --approve "add search"
  devpipe run -o json "todo app"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, appOptions{Quiet: cliQuiet()})
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return runForeground(ctx, a, cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Repository the result is published to")
	runCmd.Flags().BoolVar(&runApprove, "approve", false, "Approve publishing as soon as the run completes")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Give up waiting after this long (default: pipeline run timeout plus one minute)")
	rootCmd.AddCommand(runCmd)
}

func runForeground(ctx context.Context, a *app, out io.Writer, description string) error {
	timeout := runTimeout
	if timeout <= 0 {
		timeout = a.cfg.RunTimeout() + time.Minute
	}

	sub := a.bus.Subscribe(bus.TopicRunProgress, bus.WithBuffer(512))
	defer a.bus.Unsubscribe(sub)

	id, err := a.jobs.Start(ctx, description, runRepo)
	if err != nil {
		return err
	}
	table := GetOutput() == "table" || GetOutput() == ""
	if table {
		fmt.Fprintf(out, "job %s started\n", id)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if table {
		wg.Add(1)
		go func() {
			defer wg.Done()
			printProgress(out, sub, id, stop)
		}()
	}
	job, err := a.jobs.Wait(ctx, id, timeout)
	close(stop)
	wg.Wait()
	if n := sub.Dropped(); n > 0 {
		a.logger.Debug("progress events dropped", "job_id", id, "count", n)
	}
	if err != nil {
		if ctx.Err() != nil {
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if cerr := a.jobs.Cancel(cctx, id); cerr != nil && !errors.Is(cerr, jobs.ErrAlreadyFinished) {
				return errors.Join(err, cerr)
			}
		}
		return fmt.Errorf("wait for job %s: %w", id, err)
	}

	if job.Status == persistence.JobStatusPendingApproval && runApprove {
		if err := a.jobs.ApproveOrReject(ctx, id, jobs.Decision{Approve: true, Reason: "approved with devpipe run --approve"}); err != nil {
			return err
		}
		if job, err = a.jobs.Get(ctx, id); err != nil {
			return err
		}
	}

	if err := renderJob(out, job); err != nil {
		return err
	}
	switch job.Status {
	case persistence.JobStatusFailed, persistence.JobStatusCancelled:
		return fmt.Errorf("job %s %s", id, job.Status)
	}
	return nil
}

func printProgress(out io.Writer, sub *bus.Subscription, jobID string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			p, ok := ev.Payload.(bus.ProgressEvent)
			if !ok || p.JobID != jobID {
				continue
			}
			line := fmt.Sprintf("[%3.0f%%] %-12s %s", p.Percent, p.Phase, p.Stage)
			if p.Error != "" {
				line += "  (" + p.Error + ")"
			}
			fmt.Fprintln(out, line)
		}
	}
}
