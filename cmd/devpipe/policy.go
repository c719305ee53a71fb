package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/go-devpipe/internal/guardrail"
	"github.com/basket/go-devpipe/internal/policy"
)

var (
	checkSubject   string
	checkOperation string
	checkJob       string
	checkToken     string
	checkIssue     bool
	checkPath      string
	checkContent   string
	checkCommand   string
	checkURL       string
	checkPort      int
	checkBranch    string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Dry-run permission checks and edit restrictions",
	Long: `Inspect and change the permission policy in policy.yaml.

"check" sends one request through the same gate the pipeline uses, so the
decision is audited like any other. Critical operations need a capability
token; pass --issue-token to mint one for the check.

Examples:
  devpipe policy show
  devpipe policy check --subject agent3 --operation file_modification --path src/app.go
  devpipe policy check --subject agent7 --operation git_push --job <job-id> --branch feature/x --issue-token
  devpipe policy restrict agent9 git_push`,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active policy and its version",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		snap := a.policy.Snapshot()
		payload := struct {
			Version string        `json:"version" yaml:"version"`
			Policy  policy.Policy `json:"policy" yaml:"policy"`
		}{Version: a.policy.PolicyVersion(), Policy: snap}
		return render(cmd.OutOrStdout(), payload, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "Version:\t%s\n", payload.Version)
			fmt.Fprintf(tw, "Workspace:\t%s\n", snap.WorkspaceRoot)
			subjects := make([]string, 0, len(snap.Restrictions))
			for s := range snap.Restrictions {
				subjects = append(subjects, s)
			}
			sort.Strings(subjects)
			for _, s := range subjects {
				fmt.Fprintf(tw, "Restricted %s:\t%s\n", s, strings.Join(snap.Restrictions[s], ", "))
			}
			fmt.Fprintf(tw, "Allowed commands:\t%s\n", strings.Join(snap.AllowedCommands, " "))
			fmt.Fprintf(tw, "Protected branches:\t%s\n", strings.Join(snap.ProtectedBranches, ", "))
			fmt.Fprintf(tw, "Push limits:\t%d files, %d bytes\n", snap.MaxPushChanges, snap.MaxPushBytes)
		})
	}),
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the gate whether an operation would be allowed",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		tokenID := checkToken
		if checkIssue && tokenID == "" {
			tok, err := a.tokens.Issue(ctx, checkSubject, checkOperation, checkJob, 0)
			if err != nil {
				return err
			}
			tokenID = tok.ID
		}
		dec := a.gate.CheckPermission(ctx, guardrail.Request{
			Subject:   checkSubject,
			Operation: checkOperation,
			TokenID:   tokenID,
			JobID:     checkJob,
			Context: guardrail.OpContext{
				Path:    checkPath,
				Content: checkContent,
				Command: checkCommand,
				URL:     checkURL,
				Port:    checkPort,
				Branch:  checkBranch,
			},
		})
		if err := render(cmd.OutOrStdout(), dec, func(tw *tabwriter.Writer) {
			verdict := "allowed"
			if !dec.Allowed {
				verdict = "denied"
			}
			fmt.Fprintf(tw, "Decision:\t%s\n", verdict)
			if !dec.Allowed {
				fmt.Fprintf(tw, "Step:\t%s\n", dec.Step)
				fmt.Fprintf(tw, "Reason:\t%s\n", dec.Reason)
			}
		}); err != nil {
			return err
		}
		if !dec.Allowed {
			return fmt.Errorf("%s %s denied", checkSubject, checkOperation)
		}
		return nil
	}),
}

var policyRestrictCmd = &cobra.Command{
	Use:   "restrict <subject> <operation>",
	Short: "Forbid an operation for a subject",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.policy.Restrict(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s may no longer %s (policy %s)\n", args[0], args[1], a.policy.PolicyVersion())
		return nil
	}),
}

var policyUnrestrictCmd = &cobra.Command{
	Use:   "unrestrict <subject> <operation>",
	Short: "Lift a restriction",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.policy.Unrestrict(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s restriction on %s lifted (policy %s)\n", args[0], args[1], a.policy.PolicyVersion())
		return nil
	}),
}

func init() {
	f := policyCheckCmd.Flags()
	f.StringVar(&checkSubject, "subject", "", "Requesting subject, e.g. agent3")
	f.StringVar(&checkOperation, "operation", "", "Operation, e.g. file_modification or git_push")
	f.StringVar(&checkJob, "job", "", "Job id the request belongs to")
	f.StringVar(&checkToken, "token", "", "Capability token id for critical operations")
	f.BoolVar(&checkIssue, "issue-token", false, "Issue a matching token before checking")
	f.StringVar(&checkPath, "path", "", "Target path for file operations")
	f.StringVar(&checkContent, "content", "", "File content for write checks")
	f.StringVar(&checkCommand, "command", "", "Command line for system_command")
	f.StringVar(&checkURL, "url", "", "Target URL for network_request")
	f.IntVar(&checkPort, "port", 0, "Target port for network_request")
	f.StringVar(&checkBranch, "branch", "", "Target branch for git_push")
	_ = policyCheckCmd.MarkFlagRequired("subject")
	_ = policyCheckCmd.MarkFlagRequired("operation")

	policyCmd.AddCommand(policyShowCmd, policyCheckCmd, policyRestrictCmd, policyUnrestrictCmd)
	rootCmd.AddCommand(policyCmd)
}
