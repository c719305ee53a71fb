package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-devpipe/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and policy.yaml",
	Long: `Create the devpipe home directory with a default config.yaml and
policy.yaml. Existing files are left untouched.

Examples:
  devpipe init
  devpipe --home /srv/devpipe init`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out := cmd.OutOrStdout()
		if !cfg.NeedsInit {
			fmt.Fprintf(out, "already initialized: %s\n", config.ConfigPath(cfg.HomeDir))
			return nil
		}
		if err := bootstrapHome(cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", config.ConfigPath(cfg.HomeDir))
		fmt.Fprintf(out, "wrote %s\n", config.PolicyPath(cfg.HomeDir))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// cliQuiet keeps log records off a terminal so command output stays readable.
// Logs still reach <home>/logs/system.jsonl.
func cliQuiet() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
