package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	tokenSubject   string
	tokenOperation string
	tokenScope     string
	tokenTTL       time.Duration
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Inspect and manage capability tokens",
	Long: `Capability tokens authorize one critical operation for one subject,
scoped to one job. They are single use and expire after their TTL.

Examples:
  devpipe tokens list
  devpipe tokens issue --subject agent7 --operation git_push --scope <job-id>
  devpipe tokens revoke <token-id>
  devpipe tokens cleanup`,
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unused, unexpired tokens",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		active, err := a.tokens.ListActive(ctx)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), active, func(tw *tabwriter.Writer) {
			fmt.Fprintln(tw, "ID\tSUBJECT\tOPERATION\tSCOPE\tEXPIRES IN")
			now := time.Now()
			for _, t := range active {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Subject, t.Operation, t.Scope, t.ExpiresAt.Sub(now).Round(time.Second))
			}
		})
	}),
}

var tokensIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token by hand",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		tok, err := a.tokens.Issue(ctx, tokenSubject, tokenOperation, tokenScope, tokenTTL)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), tok, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "ID:\t%s\n", tok.ID)
			fmt.Fprintf(tw, "Subject:\t%s\n", tok.Subject)
			fmt.Fprintf(tw, "Operation:\t%s\n", tok.Operation)
			fmt.Fprintf(tw, "Scope:\t%s\n", tok.Scope)
			fmt.Fprintf(tw, "Expires:\t%s\n", tok.ExpiresAt.Format(time.RFC3339))
		})
	}),
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Revoke a token before it is used",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.tokens.Revoke(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "token %s revoked\n", args[0])
		return nil
	}),
}

var tokensCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired and used tokens now",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		n, err := a.tokens.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d tokens\n", n)
		return nil
	}),
}

func init() {
	tokensIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "Subject the token is issued to")
	tokensIssueCmd.Flags().StringVar(&tokenOperation, "operation", "", "Operation the token authorizes")
	tokensIssueCmd.Flags().StringVar(&tokenScope, "scope", "", "Job id the token is scoped to")
	tokensIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: tokens.default_ttl_seconds)")
	_ = tokensIssueCmd.MarkFlagRequired("subject")
	_ = tokensIssueCmd.MarkFlagRequired("operation")

	tokensCmd.AddCommand(tokensListCmd, tokensIssueCmd, tokensRevokeCmd, tokensCleanupCmd)
	rootCmd.AddCommand(tokensCmd)
}
