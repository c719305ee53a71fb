package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-devpipe/internal/pipeline"
	"github.com/basket/go-devpipe/internal/recovery"
	"github.com/basket/go-devpipe/internal/shared"
	"github.com/basket/go-devpipe/internal/telemetry"
)

const defaultStageTimeout = 10 * time.Minute

// Request is the JSON document a stage command reads from stdin.
type Request struct {
	JobID           string         `json:"job_id"`
	RunID           string         `json:"run_id"`
	Stage           string         `json:"stage"`
	Subject         string         `json:"subject"`
	Operation       string         `json:"operation"`
	Path            string         `json:"path,omitempty"`
	Description     string         `json:"description"`
	RepoRef         string         `json:"repo_ref,omitempty"`
	Inputs          map[string]any `json:"inputs"`
	Attempt         int            `json:"attempt"`
	ReviewIteration int            `json:"review_iteration"`
	Directive       *Adjustments   `json:"directive,omitempty"`
}

// Adjustments are the directive parameters a stage command may honor.
type Adjustments struct {
	FailureType       string  `json:"failure_type"`
	Strategy          string  `json:"strategy"`
	Temperature       float64 `json:"temperature,omitempty"`
	SimplifiedOutput  bool    `json:"simplified_output,omitempty"`
	Incremental       bool    `json:"incremental,omitempty"`
	MaxArtifactBytes  int     `json:"max_artifact_bytes,omitempty"`
	AlternateReviewer string  `json:"alternate_reviewer,omitempty"`
	MaxIssuesPerPass  int     `json:"max_issues_per_pass,omitempty"`
	AllowCache        bool    `json:"allow_cache,omitempty"`
}

// Response is the JSON document a stage command writes to stdout. A
// non-empty Error fails the stage; FailureType, when set, is used as the
// classification hint.
type Response struct {
	Output      any     `json:"output"`
	Confidence  float64 `json:"confidence,omitempty"`
	LoopBack    bool    `json:"loop_back,omitempty"`
	Error       string  `json:"error,omitempty"`
	FailureType string  `json:"failure_type,omitempty"`
}

// CommandOptions configures a Command executor.
type CommandOptions struct {
	Program string
	// Args precede the stage id, which is always the last argument.
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
}

// Command runs an external program once per stage invocation.
type Command struct {
	program string
	args    []string
	dir     string
	env     []string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

// NewCommand builds a Command executor.
func NewCommand(opts CommandOptions) (*Command, error) {
	if strings.TrimSpace(opts.Program) == "" {
		return nil, errors.New("executor: program is required")
	}
	c := &Command{
		program: opts.Program,
		args:    opts.Args,
		dir:     opts.Dir,
		env:     opts.Env,
		timeout: opts.Timeout,
		runner:  opts.Runner,
		logger:  telemetry.Component(opts.Logger, "executor"),
	}
	if c.timeout <= 0 {
		c.timeout = defaultStageTimeout
	}
	if c.runner == nil {
		c.runner = HostRunner{}
	}
	return c, nil
}

// NewRequest converts a task to its wire form.
func NewRequest(task pipeline.Task) Request {
	req := Request{
		JobID:           task.JobID,
		RunID:           task.RunID,
		Stage:           task.Stage.ID,
		Subject:         task.Stage.Subject,
		Operation:       task.Stage.Operation,
		Path:            task.Stage.Path,
		Description:     task.Description,
		RepoRef:         task.RepoRef,
		Inputs:          task.Inputs,
		Attempt:         task.Attempt,
		ReviewIteration: task.ReviewIteration,
	}
	if d := task.Directive; d != nil {
		req.Directive = &Adjustments{
			FailureType:       string(d.FailureType),
			Strategy:          string(d.Strategy),
			Temperature:       d.Params.Temperature,
			SimplifiedOutput:  d.Params.SimplifiedOutput,
			Incremental:       d.Params.Incremental,
			MaxArtifactBytes:  d.Params.MaxArtifactBytes,
			AlternateReviewer: d.Params.AlternateReviewer,
			MaxIssuesPerPass:  d.Params.MaxIssuesPerPass,
			AllowCache:        d.Params.AllowCache,
		}
	}
	return req
}

// Execute implements pipeline.StageExecutor.
func (c *Command) Execute(ctx context.Context, task pipeline.Task) (pipeline.StageResult, error) {
	stdin, err := json.Marshal(NewRequest(task))
	if err != nil {
		return pipeline.StageResult{}, recovery.WithHint(fmt.Errorf("encode stage request: %w", err), recovery.Validation)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string(nil), c.args...), task.Stage.ID)
	start := time.Now()
	stdout, stderr, exitCode, err := c.runner.Run(runCtx, Cmd{
		Name:  c.program,
		Args:  args,
		Dir:   c.dir,
		Env:   c.env,
		Stdin: stdin,
	})
	log := telemetry.FromContext(ctx, c.logger)
	log.Debug("stage command finished", "stage", task.Stage.ID, "exit_code", exitCode, "duration", time.Since(start))

	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return pipeline.StageResult{}, recovery.WithHint(
				fmt.Errorf("stage %s exceeded its %s timeout", task.Stage.ID, c.timeout), recovery.ResourceExhaustion)
		}
		if ctx.Err() != nil {
			return pipeline.StageResult{}, ctx.Err()
		}
		return pipeline.StageResult{}, recovery.WithHint(fmt.Errorf("run stage command: %w", err), recovery.System)
	}

	errText := shared.Redact(truncateOutput(strings.TrimSpace(string(stderr)), maxCapturedOutput))
	var resp Response
	if decErr := json.Unmarshal(stdout, &resp); decErr != nil {
		if exitCode != 0 {
			return pipeline.StageResult{}, fmt.Errorf("stage command exited %d: %s", exitCode, errText)
		}
		return pipeline.StageResult{}, recovery.WithHint(fmt.Errorf("decode stage response: %w", decErr), recovery.Validation)
	}
	if resp.Error != "" || exitCode != 0 {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("stage command exited %d: %s", exitCode, errText)
		}
		stageErr := errors.New(shared.Redact(msg))
		if resp.FailureType != "" {
			return pipeline.StageResult{}, recovery.WithHint(stageErr, recovery.FailureType(resp.FailureType))
		}
		return pipeline.StageResult{}, stageErr
	}
	return pipeline.StageResult{Output: resp.Output, Confidence: resp.Confidence, LoopBack: resp.LoopBack}, nil
}
