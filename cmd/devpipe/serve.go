package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/config"
)

var (
	servePoll     time.Duration
	serveShutdown time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run queued jobs, the janitor and the policy watcher",
	Long: `Run devpipe as a long-lived process. serve picks up jobs queued with
"devpipe jobs submit", expires tokens and old records on the janitor
schedule, and reloads policy.yaml when it changes on disk.

Jobs left running by a previous process are marked failed at startup.

Examples:
  devpipe serve
  devpipe serve --poll 5s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), serveShutdown)
			defer cancel()
			if cerr := a.Close(sctx); cerr != nil {
				a.logger.Error("shutdown incomplete", "error", cerr)
			}
		}()
		return serve(ctx, a)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&servePoll, "poll", 2*time.Second, "How often to look for queued and cancelled jobs")
	serveCmd.Flags().DurationVar(&serveShutdown, "shutdown-timeout", 30*time.Second, "How long to wait for runs to stop on exit")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	orphans, err := a.store.FailOrphanedJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	a.logger.Info("startup phase", "phase", "recovery_scan_completed", "orphaned_jobs", orphans)

	jan, err := a.newJanitor()
	if err != nil {
		return fmt.Errorf("init janitor: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	if err := jan.Start(gctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer jan.Stop()

	watcher := config.NewWatcher(a.cfg.HomeDir, a.policy, a.bus, a.logger)
	if err := watcher.Start(gctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	g.Go(func() error {
		for ev := range watcher.Events() {
			if ev.PolicyVersion == "" {
				continue
			}
			if err := a.store.RecordPolicyVersion(gctx, ev.PolicyVersion, ev.PolicyVersion, ev.Path); err != nil {
				a.logger.Warn("failed to record policy version", "error", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		reconcileLoop(gctx, a, servePoll)
		return nil
	})
	g.Go(func() error {
		logAlerts(gctx, a)
		return nil
	})

	a.logger.Info("startup phase", "phase", "serving",
		"max_concurrent_runs", a.cfg.Pipeline.MaxConcurrentRuns,
		"require_approval", a.cfg.Pipeline.RequireApproval,
		"janitor_schedule", a.cfg.Janitor.Schedule)
	err = g.Wait()
	a.logger.Info("shutting down", "active_runs", a.jobs.Active())
	return err
}

// reconcileLoop adopts queued jobs and stops runs cancelled elsewhere.
func reconcileLoop(ctx context.Context, a *app, every time.Duration) {
	if every <= 0 {
		every = 2 * time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		adopted, stopped, err := a.jobs.Reconcile(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Warn("reconcile failed", "error", err)
		case adopted > 0 || stopped > 0:
			a.logger.Info("reconciled jobs", "adopted", adopted, "stopped", stopped)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// logAlerts mirrors security and approval events into the process log.
func logAlerts(ctx context.Context, a *app) {
	security := a.bus.Subscribe("security.")
	approvals := a.bus.Subscribe("approval.")
	defer a.bus.Unsubscribe(security)
	defer a.bus.Unsubscribe(approvals)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-security.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.SecurityAlert:
				a.logger.Warn("security alert", "subject", p.Subject, "operation", p.Operation,
					"severity", p.Severity, "job_id", p.JobID, "reason", p.Reason)
			case bus.PolicyReloaded:
				if p.Error != "" {
					a.logger.Warn("policy reload rejected", "path", p.Path, "error", p.Error)
				}
			}
		case ev, ok := <-approvals.Ch():
			if !ok {
				return
			}
			if p, ok := ev.Payload.(bus.ApprovalEvent); ok && p.Decision == "" {
				a.logger.Info("job awaiting approval", "job_id", p.JobID)
			}
		}
	}
}
