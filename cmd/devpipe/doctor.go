package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-devpipe/internal/config"
	"github.com/basket/go-devpipe/internal/doctor"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local installation for problems",
	Long: `Run read-only health checks: configuration, database, directory
permissions, policy, stage executor, publisher, janitor schedule and the
telemetry endpoint. Exits non-zero when any check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
		}
		diag := doctor.Run(cmd.Context(), &cfg, Version)

		out := cmd.OutOrStdout()
		switch GetOutput() {
		case "json", "yaml":
			if err := render(out, diag, nil); err != nil {
				return err
			}
		default:
			fmt.Fprintf(out, "devpipe doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
			fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
			fmt.Fprintln(out, "---")
			for _, res := range diag.Results {
				fmt.Fprintf(out, "%-4s %-12s %s\n", res.Status, res.Name, res.Message)
				if res.Detail != "" {
					fmt.Fprintf(out, "     %s\n", res.Detail)
				}
			}
		}
		if diag.Failed() {
			return fmt.Errorf("doctor found failing checks")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "devpipe %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd, versionCmd)
}
