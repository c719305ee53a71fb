package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-devpipe/internal/jobs"
	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/pipeline"
	"github.com/basket/go-devpipe/internal/recovery"
)

type fakeRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	got      Cmd
	block    bool
}

func (f *fakeRunner) Run(ctx context.Context, cmd Cmd) ([]byte, []byte, int, error) {
	f.got = cmd
	if f.block {
		<-ctx.Done()
		return nil, nil, -1, ctx.Err()
	}
	return []byte(f.stdout), []byte(f.stderr), f.exitCode, f.err
}

func reviewTask() pipeline.Task {
	p := pipeline.DefaultPipeline()
	return pipeline.Task{
		JobID:       "job-1",
		RunID:       "run-1",
		Stage:       p.Stages[p.Index(pipeline.StageReview)],
		Description: "todo app",
		Inputs:      map[string]any{"technical.implemented_code": "code"},
		Attempt:     2,
		Directive: &recovery.Directive{
			FailureType: recovery.Review,
			Strategy:    recovery.StrategyAlternateReviewer,
			Params:      recovery.Params{AlternateReviewer: "agent7b", MaxIssuesPerPass: 5},
		},
	}
}

func TestCommand_SendsRequestAndDecodesResponse(t *testing.T) {
	r := &fakeRunner{stdout: `{"output":{"issues":[]},"confidence":0.8,"loop_back":true}`}
	c, err := NewCommand(CommandOptions{Program: "stage-runner", Args: []string{"--mode", "ci"}, Runner: r})
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), reviewTask())
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.Confidence)
	assert.True(t, res.LoopBack)
	assert.Equal(t, map[string]any{"issues": []any{}}, res.Output)

	assert.Equal(t, []string{"--mode", "ci", pipeline.StageReview}, r.got.Args)
	var req Request
	require.NoError(t, json.Unmarshal(r.got.Stdin, &req))
	assert.Equal(t, "job-1", req.JobID)
	assert.Equal(t, "review", req.Operation)
	assert.Equal(t, 2, req.Attempt)
	require.NotNil(t, req.Directive)
	assert.Equal(t, "agent7b", req.Directive.AlternateReviewer)
}

func TestCommand_ReportedErrorKeepsHint(t *testing.T) {
	r := &fakeRunner{stdout: `{"error":"schema mismatch in output","failure_type":"validation_failure"}`, exitCode: 1}
	c, err := NewCommand(CommandOptions{Program: "stage-runner", Runner: r})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), reviewTask())
	require.Error(t, err)
	assert.Equal(t, recovery.Validation, recovery.Classify(err))
	assert.Contains(t, err.Error(), "schema mismatch")
}

func TestCommand_NonZeroExitWithoutResponse(t *testing.T) {
	r := &fakeRunner{stderr: "api_key=sk-abcdefghijklmnopqrstuvwxyz012345 broke", exitCode: 3}
	c, err := NewCommand(CommandOptions{Program: "stage-runner", Runner: r})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), reviewTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 3")
	assert.NotContains(t, err.Error(), "sk-abcdefghijklmnopqrstuvwxyz012345")
}

func TestCommand_GarbageStdoutIsValidation(t *testing.T) {
	c, err := NewCommand(CommandOptions{Program: "stage-runner", Runner: &fakeRunner{stdout: "not json"}})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), reviewTask())
	require.Error(t, err)
	assert.Equal(t, recovery.Validation, recovery.Classify(err))
}

func TestCommand_StageTimeout(t *testing.T) {
	c, err := NewCommand(CommandOptions{Program: "stage-runner", Timeout: 20 * time.Millisecond, Runner: &fakeRunner{block: true}})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), reviewTask())
	require.Error(t, err)
	assert.Equal(t, recovery.ResourceExhaustion, recovery.Classify(err))
}

func TestCommand_RunCancelled(t *testing.T) {
	c, err := NewCommand(CommandOptions{Program: "stage-runner", Runner: &fakeRunner{block: true}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Execute(ctx, reviewTask())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommand_HostRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	c, err := NewCommand(CommandOptions{
		Program: "/bin/sh",
		Args:    []string{"-c", `cat >/dev/null; printf '{"output":"%s"}' "$0"`},
	})
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), reviewTask())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageReview, res.Output)
}

func TestNewCommand_RequiresProgram(t *testing.T) {
	_, err := NewCommand(CommandOptions{})
	assert.Error(t, err)
}

func TestStatic_LoopsBackRequestedTimes(t *testing.T) {
	p := pipeline.DefaultPipeline()
	s := &Static{ReviewPasses: 1}
	task := pipeline.Task{Stage: p.Stages[len(p.Stages)-1]}

	res, err := s.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.LoopBack)

	task.ReviewIteration = 1
	res, err = s.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, res.LoopBack)
}

func TestArtifacts_RecordsSuccessOnly(t *testing.T) {
	root := t.TempDir()
	calls := 0
	next := pipeline.ExecutorFunc(func(_ context.Context, task pipeline.Task) (pipeline.StageResult, error) {
		calls++
		if calls == 1 {
			return pipeline.StageResult{}, errors.New("boom")
		}
		return pipeline.StageResult{Output: map[string]any{"ok": true}, Confidence: 0.9}, nil
	})
	a := NewArtifacts(next, root, nil)
	task := reviewTask()

	_, err := a.Execute(context.Background(), task)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(RunDir(root, "job-1"), pipeline.StageReview+".json"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = a.Execute(context.Background(), task)
	require.NoError(t, err)
	art, err := ReadArtifact(root, "job-1", pipeline.StageReview)
	require.NoError(t, err)
	assert.Equal(t, 0.9, art.Confidence)
	assert.Equal(t, map[string]any{"ok": true}, art.Output)
}

func TestCommandPublisher_ChangesAndEnv(t *testing.T) {
	root := t.TempDir()
	dir := RunDir(root, "job-1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# todo\n"), 0o644))

	r := &fakeRunner{}
	p, err := NewCommandPublisher(PublisherOptions{Root: root, Program: "push", Runner: r})
	require.NoError(t, err)

	changes, err := p.Changes(context.Background(), &persistence.Job{ID: "job-1"})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "README.md", changes[0].Path)
	assert.Equal(t, "src/main.go", changes[1].Path)
	assert.Equal(t, 13, changes[1].Size)

	require.NoError(t, p.Publish(context.Background(), jobs.PublishRequest{JobID: "job-1", Branch: "devpipe/job-1", RepoRef: "origin"}))
	assert.Equal(t, dir, r.got.Dir)
	assert.Contains(t, r.got.Env, "DEVPIPE_BRANCH=devpipe/job-1")

	r.exitCode = 128
	r.stderr = "fatal: unable to access remote: connection refused"
	err = p.Publish(context.Background(), jobs.PublishRequest{JobID: "job-1"})
	require.Error(t, err)
	assert.Equal(t, recovery.Network, recovery.Classify(err))
}
