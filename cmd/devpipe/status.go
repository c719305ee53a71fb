package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-devpipe/internal/janitor"
	"github.com/basket/go-devpipe/internal/persistence"
)

// statusReport summarizes the local installation.
type statusReport struct {
	Home          string                        `json:"home" yaml:"home"`
	Config        string                        `json:"config" yaml:"config"`
	PolicyVersion string                        `json:"policy_version" yaml:"policy_version"`
	Executor      string                        `json:"executor" yaml:"executor"`
	Publisher     string                        `json:"publisher" yaml:"publisher"`
	Jobs          map[persistence.JobStatus]int `json:"jobs" yaml:"jobs"`
	ActiveTokens  int                           `json:"active_tokens" yaml:"active_tokens"`
	NextJanitor   time.Time                     `json:"next_janitor_run" yaml:"next_janitor_run"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a summary of the local installation",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		counts, err := a.store.JobCounts(ctx)
		if err != nil {
			return err
		}
		active, err := a.tokens.ListActive(ctx)
		if err != nil {
			return err
		}
		next, err := janitor.NextRunTime(a.cfg.Janitor.Schedule, time.Now())
		if err != nil {
			return err
		}
		rep := statusReport{
			Home:          a.cfg.HomeDir,
			Config:        a.cfg.Fingerprint(),
			PolicyVersion: a.policy.PolicyVersion(),
			Executor:      a.cfg.Executor.Mode,
			Publisher:     orDash(a.cfg.Publisher.Program),
			Jobs:          counts,
			ActiveTokens:  len(active),
			NextJanitor:   next,
		}
		return render(cmd.OutOrStdout(), rep, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "Home:\t%s\n", rep.Home)
			fmt.Fprintf(tw, "Config:\t%s\n", rep.Config)
			fmt.Fprintf(tw, "Policy:\t%s\n", rep.PolicyVersion)
			fmt.Fprintf(tw, "Executor:\t%s\n", rep.Executor)
			fmt.Fprintf(tw, "Publisher:\t%s\n", rep.Publisher)
			statuses := make([]string, 0, len(counts))
			for s, n := range counts {
				statuses = append(statuses, fmt.Sprintf("%s=%d", s, n))
			}
			sort.Strings(statuses)
			fmt.Fprintf(tw, "Jobs:\t%s\n", orDash(strings.Join(statuses, " ")))
			fmt.Fprintf(tw, "Active tokens:\t%d\n", rep.ActiveTokens)
			fmt.Fprintf(tw, "Next janitor run:\t%s\n", rep.NextJanitor.Format(time.RFC3339))
		})
	}),
}

// knowledgeEntry is one mirrored record of a job.
type knowledgeEntry struct {
	Key     string          `json:"key" yaml:"key"`
	Version int             `json:"version" yaml:"version"`
	Entry   json.RawMessage `json:"entry" yaml:"-"`
}

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge <job-id>",
	Short: "Show the knowledge a job recorded",
	Long: `List the latest mirrored knowledge entries of a job. Entries expire
after knowledge.mirror_ttl_seconds.

Examples:
  devpipe knowledge <job-id>
  devpipe knowledge <job-id> -o json`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		current, err := a.store.LoadKnowledgeCurrent(ctx, time.Now())
		if err != nil {
			return err
		}
		prefix := args[0] + "/"
		var entries []knowledgeEntry
		for key, rec := range current {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			entries = append(entries, knowledgeEntry{
				Key:     strings.TrimPrefix(key, prefix),
				Version: rec.Version,
				Entry:   json.RawMessage(rec.EntryJSON),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		return render(cmd.OutOrStdout(), entries, func(tw *tabwriter.Writer) {
			fmt.Fprintln(tw, "KEY\tVERSION\tSIZE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", e.Key, e.Version, len(e.Entry))
			}
		})
	}),
}

func init() {
	rootCmd.AddCommand(statusCmd, knowledgeCmd)
}
