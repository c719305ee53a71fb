package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	homeDir  string
	output   string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "devpipe",
	Short: "Guarded multi-stage development pipeline",
	Long: `devpipe drives a software request through a fixed sequence of stages,
from requirements to final delivery, with capability tokens, a permission
gate and automatic recovery around every stage.

Get Started:
  init     Write default config.yaml and policy.yaml
  run      Run one request in the foreground
  serve    Run queued jobs, the janitor and the policy watcher

Operations:
  jobs       Submit, inspect, cancel and approve jobs
  tokens     Inspect and manage capability tokens
  policy     Dry-run permission checks and edit restrictions
  knowledge  Show the knowledge a job recorded
  status     Show a summary of the local installation`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		syncFlagsToEnv()
	},
}

// Execute adds all child commands to the root command and runs it until the
// command returns or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "devpipe home directory (default: $DEVPIPE_HOME or ~/.devpipe)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (json, table, yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log_level from config.yaml")
}

// GetOutput returns the output format for use by subcommands.
func GetOutput() string {
	return output
}

func syncFlagsToEnv() {
	if home := strings.TrimSpace(homeDir); home != "" {
		_ = os.Setenv("DEVPIPE_HOME", home)
	}
	if lvl := strings.TrimSpace(logLevel); lvl != "" {
		_ = os.Setenv("DEVPIPE_LOG_LEVEL", lvl)
	}
}
