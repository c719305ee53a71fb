package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-devpipe/internal/guardrail"
	"github.com/basket/go-devpipe/internal/jobs"
	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/shared"
	"github.com/basket/go-devpipe/internal/telemetry"
)

const defaultPublishTimeout = 2 * time.Minute

// PublisherOptions configures a CommandPublisher.
type PublisherOptions struct {
	// Root holds the runs/<job> directories produced by Artifacts.
	Root    string
	Program string
	Args    []string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
}

// CommandPublisher pushes a job's run directory by running an external
// program inside it. The branch, repository and job id are passed as
// DEVPIPE_BRANCH, DEVPIPE_REPO and DEVPIPE_JOB_ID.
type CommandPublisher struct {
	root    string
	program string
	args    []string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

// NewCommandPublisher builds a publisher.
func NewCommandPublisher(opts PublisherOptions) (*CommandPublisher, error) {
	if opts.Root == "" || strings.TrimSpace(opts.Program) == "" {
		return nil, errors.New("publisher: root and program are required")
	}
	p := &CommandPublisher{
		root:    opts.Root,
		program: opts.Program,
		args:    opts.Args,
		timeout: opts.Timeout,
		runner:  opts.Runner,
		logger:  telemetry.Component(opts.Logger, "publisher"),
	}
	if p.timeout <= 0 {
		p.timeout = defaultPublishTimeout
	}
	if p.runner == nil {
		p.runner = HostRunner{}
	}
	return p, nil
}

// Changes lists every file of the job's run directory, relative to it.
func (p *CommandPublisher) Changes(_ context.Context, job *persistence.Job) ([]guardrail.Change, error) {
	dir := RunDir(p.root, job.ID)
	var changes []guardrail.Change
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		changes = append(changes, guardrail.Change{Path: filepath.ToSlash(rel), Size: int(info.Size())})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list run directory: %w", err)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// Publish implements jobs.Publisher.
func (p *CommandPublisher) Publish(ctx context.Context, req jobs.PublishRequest) error {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, stderr, exitCode, err := p.runner.Run(runCtx, Cmd{
		Name: p.program,
		Args: p.args,
		Dir:  RunDir(p.root, req.JobID),
		Env: []string{
			"DEVPIPE_BRANCH=" + req.Branch,
			"DEVPIPE_REPO=" + req.RepoRef,
			"DEVPIPE_JOB_ID=" + req.JobID,
		},
	})
	if err != nil {
		return fmt.Errorf("run publisher: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("publisher exited %d: %s", exitCode,
			shared.Redact(truncateOutput(strings.TrimSpace(string(stderr)), maxCapturedOutput)))
	}
	p.logger.Info("published", "job_id", req.JobID, "branch", req.Branch, "files", len(req.Changes))
	return nil
}
