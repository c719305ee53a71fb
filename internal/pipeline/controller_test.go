package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/capability"
	"github.com/basket/go-devpipe/internal/fallback"
	"github.com/basket/go-devpipe/internal/guardrail"
	"github.com/basket/go-devpipe/internal/knowledge"
	"github.com/basket/go-devpipe/internal/policy"
	"github.com/basket/go-devpipe/internal/recovery"
)

// countingPlanner records every failure handed to the coordinator.
type countingPlanner struct {
	*recovery.Coordinator
	mu       sync.Mutex
	failures []recovery.Failure
}

func (p *countingPlanner) Plan(ctx context.Context, f recovery.Failure) recovery.Directive {
	p.mu.Lock()
	p.failures = append(p.failures, f)
	p.mu.Unlock()
	return p.Coordinator.Plan(ctx, f)
}

func (p *countingPlanner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failures)
}

type countingSynth struct {
	*fallback.Synthesizer
	mu    sync.Mutex
	calls int
}

func (s *countingSynth) Synthesize(ctx context.Context, req fallback.Request, store fallback.KnowledgeWriter, counter fallback.RecoveryCounter) (fallback.Output, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Synthesizer.Synthesize(ctx, req, store, counter)
}

// scripted fails the named stages a fixed number of times, then succeeds.
type scripted struct {
	mu       sync.Mutex
	fail     map[string]int
	err      error
	calls    map[string]int
	loopBack int
}

func newScripted(err error) *scripted {
	return &scripted{fail: map[string]int{}, err: err, calls: map[string]int{}}
}

func (s *scripted) Execute(_ context.Context, task Task) (StageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[task.Stage.ID]++
	if s.fail[task.Stage.ID] > 0 {
		s.fail[task.Stage.ID]--
		return StageResult{}, s.err
	}
	res := StageResult{Output: map[string]any{"stage": task.Stage.ID, "attempt": task.Attempt}}
	if task.Stage.ID == StageDelivery && s.loopBack > 0 {
		s.loopBack--
		res.LoopBack = true
	}
	return res, nil
}

func (s *scripted) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

type harness struct {
	ctrl    *Controller
	planner *countingPlanner
	synth   *countingSynth
	reg     *capability.Registry
	gate    *guardrail.Gate
	bus     *bus.Bus
	root    string
}

func newHarness(t *testing.T, cfg Config, exec StageExecutor, mutate ...func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	p := policy.Default()
	p.WorkspaceRoot = root
	live := policy.NewLivePolicy(p, "")
	reg := capability.NewRegistry(capability.Options{})
	b := bus.New()
	gate, err := guardrail.New(guardrail.Options{Policy: live, Tokens: reg, Bus: b})
	require.NoError(t, err)
	planner := &countingPlanner{Coordinator: recovery.NewCoordinator(recovery.Options{Bus: b})}
	fs, err := fallback.New(fallback.Options{})
	require.NoError(t, err)
	synth := &countingSynth{Synthesizer: fs}

	opts := Options{
		Config:   cfg,
		Executor: exec,
		Gate:     gate,
		Tokens:   reg,
		Recovery: planner,
		Fallback: synth,
		Progress: b,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
	for _, m := range mutate {
		m(&opts)
	}
	ctrl, err := NewController(opts)
	require.NoError(t, err)
	return &harness{ctrl: ctrl, planner: planner, synth: synth, reg: reg, gate: gate, bus: b, root: root}
}

func drain(sub *bus.Subscription) []bus.ProgressEvent {
	var out []bus.ProgressEvent
	for {
		select {
		case ev := <-sub.Ch():
			if pe, ok := ev.Payload.(bus.ProgressEvent); ok {
				out = append(out, pe)
			}
		default:
			return out
		}
	}
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)
}

func TestDrive_CompletesEveryStage(t *testing.T) {
	exec := newScripted(nil)
	h := newHarness(t, DefaultConfig(), exec)
	sub := h.bus.Subscribe(bus.TopicRunProgress)
	defer h.bus.Unsubscribe(sub)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-1", Description: "todo app"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 8, res.Invocations)
	assert.Len(t, res.Outputs, 8)
	assert.Nil(t, res.Diagnostic)
	assert.Zero(t, h.planner.calls())

	status := res.Knowledge.Status()
	assert.Equal(t, 100, status.CompletionPercentage)
	assert.Equal(t, knowledge.PhaseCompleted, status.CurrentPhase)

	events := drain(sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "complete", last.Phase)
	assert.Equal(t, 100.0, last.Percent)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent)
	}
}

func TestDrive_StageInputsComeFromEarlierStages(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]map[string]any{}
	exec := ExecutorFunc(func(_ context.Context, task Task) (StageResult, error) {
		mu.Lock()
		seen[task.Stage.ID] = task.Inputs
		mu.Unlock()
		return StageResult{Output: "out:" + task.Stage.ID}, nil
	})
	h := newHarness(t, DefaultConfig(), exec)

	_, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-in", Description: "blog engine"})
	require.NoError(t, err)
	assert.Equal(t, "blog engine", seen[StageRequirements]["project.description"])
	assert.Equal(t, "out:"+StageRequirements, seen[StageUserStories]["technical.initial_spec"])
	assert.Equal(t, "out:"+StageArchitecture, seen[StageTechnicalPlan]["architecture.main_architecture"])
}

func TestDrive_AlwaysFailingExecutorDetectsLoop(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Task) (StageResult, error) {
		return StageResult{}, errors.New("stage exploded")
	})
	cfg := DefaultConfig()
	cfg.MaxAutoRetries = 10
	cfg.MaxRetryAttempts = 3
	h := newHarness(t, cfg, exec)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-loop"})
	require.ErrorIs(t, err, ErrLoopDetected)
	assert.Equal(t, OutcomeLoopDetected, res.Outcome)
	assert.Equal(t, 3, res.Counters.RecoveryAttempts)
	stages := len(h.ctrl.Pipeline().Stages)
	assert.LessOrEqual(t, res.Invocations, cfg.MaxRetryAttempts*stages+1)
	assert.Equal(t, 4, res.Invocations)
	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, StageRequirements, res.Diagnostic.FailedStage)
}

func TestDrive_AlwaysFailingWithStockLimitsEscalates(t *testing.T) {
	// The retry budget is spent before the rollback ceiling is reached.
	exec := ExecutorFunc(func(context.Context, Task) (StageResult, error) {
		return StageResult{}, errors.New("stage exploded")
	})
	h := newHarness(t, DefaultConfig(), exec)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-esc"})
	require.ErrorIs(t, err, ErrEscalated)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Equal(t, 3, res.Invocations)
}

func TestDrive_StageFailsTwiceThenSucceeds(t *testing.T) {
	exec := newScripted(errors.New("stage exploded"))
	exec.fail[StageArchitecture] = 2
	h := newHarness(t, DefaultConfig(), exec)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-2x"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 2, h.planner.calls())
	assert.Zero(t, h.synth.calls)
	assert.Equal(t, 2, res.Counters.RecoveryAttempts)
	assert.Zero(t, res.Counters.FailureCount)
	assert.Equal(t, 3, exec.count(StageRequirements))
	assert.Equal(t, 3, exec.count(StageArchitecture))
	assert.Equal(t, 1, exec.count(StageTechnicalPlan))

	stats := h.planner.Statistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Resolved)
}

func TestDrive_StageFailsBeyondBudgetEscalates(t *testing.T) {
	cfg := DefaultConfig()
	exec := newScripted(errors.New("stage exploded"))
	exec.fail[StageArchitecture] = cfg.MaxAutoRetries + 1
	h := newHarness(t, cfg, exec)
	diags := h.bus.Subscribe(bus.TopicRunDiagnostic)
	defer h.bus.Unsubscribe(diags)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-budget"})
	require.ErrorIs(t, err, ErrEscalated)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Equal(t, StageArchitecture, res.FailedStage)
	assert.Equal(t, cfg.MaxAutoRetries, res.Counters.FailureCount)
	assert.Equal(t, cfg.MaxAutoRetries, h.planner.calls())
	assert.Contains(t, err.Error(), "stage exploded")

	require.NotNil(t, res.Diagnostic)
	assert.NotEmpty(t, res.Diagnostic.Suggestions)
	select {
	case ev := <-diags.Ch():
		d, ok := ev.Payload.(Diagnostic)
		require.True(t, ok)
		assert.Equal(t, StageArchitecture, d.FailedStage)
	default:
		t.Fatal("expected a diagnostic event")
	}
}

func TestDrive_ReviewLoopBackIsBounded(t *testing.T) {
	exec := newScripted(nil)
	exec.loopBack = 10
	cfg := DefaultConfig()
	cfg.MaxReviewIterations = 2
	h := newHarness(t, cfg, exec)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-review"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counters.ReviewIterations)
	assert.Equal(t, 3, exec.count(StageReview))
	assert.Equal(t, 3, exec.count(StageDelivery))
	assert.Equal(t, 1, exec.count(StageImplementation))
}

func TestDrive_StepLimitExceeded(t *testing.T) {
	exec := newScripted(nil)
	cfg := DefaultConfig()
	cfg.RecursionLimit = 5
	h := newHarness(t, cfg, exec)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-steps"})
	require.ErrorIs(t, err, ErrStepLimitExceeded)
	assert.Equal(t, OutcomeStepLimitExceeded, res.Outcome)
	assert.Equal(t, 6, res.Invocations)
	assert.Equal(t, 6, res.Counters.Steps)
}

func TestDrive_TimeoutIsDistinguishable(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task Task) (StageResult, error) {
		if task.Stage.ID == StageUserStories {
			<-ctx.Done()
			return StageResult{}, ctx.Err()
		}
		return StageResult{Output: "ok"}, nil
	})
	cfg := DefaultConfig()
	cfg.RunTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, exec)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-timeout"})
	require.ErrorIs(t, err, ErrRunTimeout)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Equal(t, StageUserStories, res.FailedStage)
	assert.Zero(t, h.planner.calls())
	require.NotNil(t, res.Diagnostic)
	assert.Contains(t, res.Diagnostic.Suggestions, "Increase the configured run timeout")
}

func TestDrive_CancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := ExecutorFunc(func(ctx context.Context, task Task) (StageResult, error) {
		if task.Stage.ID == StageArchitecture {
			cancel()
			return StageResult{}, ctx.Err()
		}
		return StageResult{Output: "ok"}, nil
	})
	h := newHarness(t, DefaultConfig(), exec)

	res, err := h.ctrl.Drive(ctx, RunInput{JobID: "job-cancel"})
	require.ErrorIs(t, err, ErrRunCancelled)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Nil(t, res.Diagnostic)
	assert.Equal(t, 3, res.Invocations)

	// Stage outputs written before cancellation are intact.
	e, err := res.Knowledge.Get(knowledge.NSTechnical, "user_stories")
	require.NoError(t, err)
	assert.Equal(t, "ok", e.Value)
}

func TestDrive_DegradedStageUsesFallback(t *testing.T) {
	exec := newScripted(recovery.WithHint(errors.New("worker crashed"), recovery.System))
	exec.fail[StageTechnicalPlan] = 1
	h := newHarness(t, DefaultConfig(), exec)

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-degrade", Description: "chat bot"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 1, h.synth.calls)
	assert.Equal(t, 1, res.Counters.RecoveryAttempts)
	assert.Equal(t, 1, exec.count(StageRequirements))

	e, err := res.Knowledge.Get(knowledge.NSTechnical, "technical_tasks")
	require.NoError(t, err)
	assert.Equal(t, fallback.Confidence, e.Confidence)
	assert.Equal(t, "fallback_"+StageTechnicalPlan, e.Writer)
	assert.Equal(t, 1, exec.count(StageScaffolding))
}

func TestDrive_HighRiskPermissionDenialEscalates(t *testing.T) {
	called := false
	exec := ExecutorFunc(func(context.Context, Task) (StageResult, error) {
		called = true
		return StageResult{}, nil
	})
	h := newHarness(t, DefaultConfig(), exec, func(o *Options) {
		o.Pipeline = Pipeline{Stages: []Stage{
			{ID: "shell", Subject: "agent1", Operation: policy.OpSystemCommand},
		}}
	})

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-perm"})
	require.ErrorIs(t, err, ErrEscalated)
	assert.False(t, called)
	assert.Equal(t, 1, h.planner.calls())
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, guardrail.StepRestriction, perr.Step)
	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, recovery.Permission, res.Diagnostic.FailureType)
	assert.Contains(t, res.Diagnostic.Suggestions, "Check capability tokens and the guardrail policy")
	assert.Equal(t, int64(1), h.gate.Status().DenialsBySubject["agent1"])
}

func TestDrive_CriticalStageConsumesJobScopedToken(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Task) (StageResult, error) {
		return StageResult{Output: "deleted"}, nil
	})
	h := newHarness(t, DefaultConfig(), exec, func(o *Options) {
		o.Pipeline = Pipeline{Stages: []Stage{
			{ID: "cleanup", Subject: "agent9", Operation: policy.OpFileDelete, Path: "old.tmp"},
		}}
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "old.tmp"), []byte("x"), 0o644))

	res, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-token"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)

	active, err := h.reg.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active, "the stage token is single-use and already consumed")
}

func TestDrive_ConcurrentRunsAreIsolated(t *testing.T) {
	exec := newScripted(nil)
	h := newHarness(t, DefaultConfig(), exec)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i, job := range []string{"job-a", "job-b"} {
		wg.Add(1)
		go func(i int, job string) {
			defer wg.Done()
			results[i], errs[i] = h.ctrl.Drive(context.Background(), RunInput{JobID: job, Description: job})
		}(i, job)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, OutcomeComplete, results[i].Outcome)
	}
	assert.NotSame(t, results[0].Knowledge, results[1].Knowledge)
	a, err := results[0].Knowledge.Get(knowledge.NSProject, "description")
	require.NoError(t, err)
	assert.Equal(t, "job-a", a.Value)
	assert.Equal(t, 2, exec.count(StageDelivery))
}

type progressRecorder struct {
	mu      sync.Mutex
	updates []string
}

func (p *progressRecorder) UpdateJobProgress(_ context.Context, _ string, _ float64, step string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, step)
	return nil
}

func TestDrive_RecordsJobProgress(t *testing.T) {
	rec := &progressRecorder{}
	h := newHarness(t, DefaultConfig(), newScripted(nil), func(o *Options) { o.Jobs = rec })

	_, err := h.ctrl.Drive(context.Background(), RunInput{JobID: "job-progress"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.updates)
	assert.Equal(t, StageRequirements, rec.updates[0])
	assert.Equal(t, "complete", rec.updates[len(rec.updates)-1])
}
