// Package executor provides StageExecutor implementations: an external
// command speaking JSON over stdin/stdout, a static dry-run executor, and an
// artifact-recording decorator. It also holds the command-based publisher
// used after a run is approved.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

const maxCapturedOutput = 8 * 1024

// Runner runs one external program.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (stdout, stderr []byte, exitCode int, err error)
}

// Cmd describes one program invocation.
type Cmd struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin []byte
}

// HostRunner runs programs directly on the host, without a shell.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, cmd Cmd) (stdout, stderr []byte, exitCode int, err error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	runErr := c.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			// not found, killed, or cancelled
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), exitCode, err
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}
