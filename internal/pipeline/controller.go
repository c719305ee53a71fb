// Package pipeline drives the fixed stage sequence of a run: it asks the
// guardrail gate before every stage, hands the work to a StageExecutor and
// acts on the recovery directives planned for failures.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/capability"
	"github.com/basket/go-devpipe/internal/fallback"
	"github.com/basket/go-devpipe/internal/guardrail"
	"github.com/basket/go-devpipe/internal/knowledge"
	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/policy"
	"github.com/basket/go-devpipe/internal/recovery"
	"github.com/basket/go-devpipe/internal/shared"
	"github.com/basket/go-devpipe/internal/telemetry"
)

var (
	ErrEscalated         = errors.New("run escalated for human intervention")
	ErrLoopDetected      = errors.New("loop detected: rollback ceiling reached")
	ErrStepLimitExceeded = errors.New("step limit exceeded")
	ErrRunTimeout        = errors.New("run timeout")
	ErrRunCancelled      = errors.New("run cancelled")
)

// Outcome is the final result class of a run.
type Outcome string

const (
	OutcomeComplete          Outcome = "complete"
	OutcomeEscalated         Outcome = "escalated"
	OutcomeLoopDetected      Outcome = "loop_detected"
	OutcomeStepLimitExceeded Outcome = "step_limit_exceeded"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeCancelled         Outcome = "cancelled"
)

var outcomes = map[Kind]struct {
	outcome Outcome
	err     error
}{
	KindComplete:          {OutcomeComplete, nil},
	KindEscalated:         {OutcomeEscalated, ErrEscalated},
	KindLoopDetected:      {OutcomeLoopDetected, ErrLoopDetected},
	KindStepLimitExceeded: {OutcomeStepLimitExceeded, ErrStepLimitExceeded},
	KindTimedOut:          {OutcomeTimeout, ErrRunTimeout},
	KindCancelled:         {OutcomeCancelled, ErrRunCancelled},
}

// Task is the narrow slice of run state a stage executor sees.
type Task struct {
	JobID       string
	RunID       string
	Stage       Stage
	Description string
	RepoRef     string
	// Inputs holds the latest knowledge values named by Stage.Inputs.
	Inputs map[string]any
	// Attempt counts invocations of this stage within the run, starting at 1.
	Attempt         int
	ReviewIteration int
	// Directive is the most recent recovery directive of the run, nil before
	// the first failure. Executors may honor its parameters.
	Directive *recovery.Directive
}

// StageResult is what an executor returns on success.
type StageResult struct {
	Output any
	// Confidence in (0,1]; zero means 1.
	Confidence float64
	// LoopBack asks to re-run the review stage. Only the last stage may ask.
	LoopBack bool
}

// StageExecutor performs the substantive work of a stage.
type StageExecutor interface {
	Execute(ctx context.Context, task Task) (StageResult, error)
}

// ExecutorFunc adapts a function to StageExecutor.
type ExecutorFunc func(ctx context.Context, task Task) (StageResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (StageResult, error) {
	return f(ctx, task)
}

// Gate answers permission questions. *guardrail.Gate satisfies it.
type Gate interface {
	CheckPermission(ctx context.Context, req guardrail.Request) guardrail.Decision
}

// TokenIssuer mints capability tokens. *capability.Registry satisfies it.
type TokenIssuer interface {
	Issue(ctx context.Context, subject, operation, scope string, ttl time.Duration) (capability.Token, error)
}

// Planner proposes recovery directives. *recovery.Coordinator satisfies it.
type Planner interface {
	Plan(ctx context.Context, f recovery.Failure) recovery.Directive
	MarkResolved(jobID, stageID string) int
	PreventiveSuggestions() []string
}

// Synthesizer produces placeholder stage outputs. *fallback.Synthesizer satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req fallback.Request, store fallback.KnowledgeWriter, counter fallback.RecoveryCounter) (fallback.Output, error)
}

// ProgressSink receives progress and diagnostic events. *bus.Bus satisfies it.
type ProgressSink interface {
	Publish(topic string, payload any)
}

// JobRecorder persists coarse progress. *persistence.Store satisfies it.
type JobRecorder interface {
	UpdateJobProgress(ctx context.Context, id string, percent float64, step string) error
}

// Config holds the transition limits of every run.
type Config struct {
	MaxAutoRetries      int
	MaxRetryAttempts    int
	RecursionLimit      int
	MaxReviewIterations int
	RunTimeout          time.Duration
	TokenTTL            time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxAutoRetries:      3,
		MaxRetryAttempts:    3,
		RecursionLimit:      100,
		MaxReviewIterations: 5,
		RunTimeout:          30 * time.Minute,
		TokenTTL:            capability.DefaultTTL,
	}
}

// Options wires a Controller. Executor, Gate, Tokens, Recovery and Fallback
// are required.
type Options struct {
	Pipeline Pipeline
	Config   Config
	Executor StageExecutor
	Gate     Gate
	Tokens   TokenIssuer
	Recovery Planner
	Fallback Synthesizer
	// Knowledge is the template for each run's store; Scope is set to the job id.
	Knowledge   knowledge.Options
	Progress    ProgressSink
	Jobs        JobRecorder
	Logger      *slog.Logger
	Instruments *otel.Instruments
	// Sleep waits out recovery backoff delays. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Controller drives runs. One Controller serves many concurrent runs; each
// run owns its RunState and knowledge store.
type Controller struct {
	pipeline  Pipeline
	cfg       Config
	limits    Limits
	executor  StageExecutor
	gate      Gate
	tokens    TokenIssuer
	recovery  Planner
	fallback  Synthesizer
	knowledge knowledge.Options
	progress  ProgressSink
	jobs      JobRecorder
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewController validates opts and builds a controller.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Executor == nil:
		return nil, errors.New("pipeline: stage executor is required")
	case opts.Gate == nil:
		return nil, errors.New("pipeline: guardrail gate is required")
	case opts.Tokens == nil:
		return nil, errors.New("pipeline: token issuer is required")
	case opts.Recovery == nil:
		return nil, errors.New("pipeline: recovery planner is required")
	case opts.Fallback == nil:
		return nil, errors.New("pipeline: fallback synthesizer is required")
	}
	p := opts.Pipeline
	if len(p.Stages) == 0 {
		p = DefaultPipeline()
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	cfg := normalizeConfig(opts.Config)
	inst := opts.Instruments
	if inst == nil {
		inst = otel.NoopInstruments()
	}
	c := &Controller{
		pipeline:  p,
		cfg:       cfg,
		executor:  opts.Executor,
		gate:      opts.Gate,
		tokens:    opts.Tokens,
		recovery:  opts.Recovery,
		fallback:  opts.Fallback,
		knowledge: opts.Knowledge,
		progress:  opts.Progress,
		jobs:      opts.Jobs,
		logger:    telemetry.Component(opts.Logger, "pipeline"),
		tracer:    inst.Tracer,
		metrics:   inst.Metrics,
		sleep:     opts.Sleep,
		now:       opts.Now,
		limits: Limits{
			Stages:              len(p.Stages),
			ReviewStage:         p.reviewIndex(),
			MaxAutoRetries:      cfg.MaxAutoRetries,
			MaxRetryAttempts:    cfg.MaxRetryAttempts,
			RecursionLimit:      cfg.RecursionLimit,
			MaxReviewIterations: cfg.MaxReviewIterations,
		},
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.knowledge.Logger == nil {
		c.knowledge.Logger = opts.Logger
	}
	if c.knowledge.Instruments == nil {
		c.knowledge.Instruments = inst
	}
	return c, nil
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxAutoRetries <= 0 {
		cfg.MaxAutoRetries = def.MaxAutoRetries
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = def.RecursionLimit
	}
	if cfg.MaxReviewIterations < 0 {
		cfg.MaxReviewIterations = 0
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	return cfg
}

// Pipeline returns the stage sequence the controller drives.
func (c *Controller) Pipeline() Pipeline { return c.pipeline }

// RunInput starts one run.
type RunInput struct {
	JobID       string
	Description string
	RepoRef     string
}

// Result is the final outcome of a run.
type Result struct {
	JobID       string
	RunID       string
	Outcome     Outcome
	State       State
	Counters    Counters
	FailedStage string
	Err         error
	Outputs     map[string]any
	Invocations int
	Duration    time.Duration
	Knowledge   *knowledge.Store
	Diagnostic  *Diagnostic
}

// run is the per-run working set.
type run struct {
	in          RunInput
	rs          *RunState
	ks          *knowledge.Store
	attempts    map[string]int
	invocations int
	directive   *recovery.Directive
	lastErr     error
}

// Drive executes the pipeline for one job and returns its outcome. The
// returned error is Result.Err: nil only for OutcomeComplete.
func (c *Controller) Drive(ctx context.Context, in RunInput) (*Result, error) {
	if in.JobID == "" {
		return nil, errors.New("pipeline: job id is required")
	}
	started := c.now()
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithJobID(ctx, in.JobID), runID)
	if c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}
	ctx, span := otel.StartSpan(ctx, c.tracer, "pipeline.run",
		otel.AttrJobID.String(in.JobID), otel.AttrRunID.String(runID))
	defer span.End()

	c.metrics.ActiveRuns.Add(ctx, 1)
	defer c.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)

	kopts := c.knowledge
	kopts.Scope = in.JobID
	r := &run{
		in:       in,
		rs:       newRunState(in.JobID, runID),
		ks:       knowledge.New(kopts),
		attempts: make(map[string]int),
	}
	if in.Description != "" {
		if _, err := r.ks.Put(ctx, knowledge.NSProject, "description", in.Description, "user", 1); err != nil {
			c.logger.Warn("store run description failed", "job_id", in.JobID, "error", err)
		}
	}
	log := telemetry.FromContext(ctx, c.logger)
	log.Info("run started", "stages", len(c.pipeline.Stages))
	c.emit(ctx, r, nil)

	for !r.rs.State.Terminal() {
		if err := ctx.Err(); err != nil {
			if r.lastErr == nil {
				r.lastErr = err
			}
			ev := EventCancelled
			if errors.Is(err, context.DeadlineExceeded) {
				ev = EventTimedOut
			}
			c.step(ctx, r, Input{Event: ev}, err)
			continue
		}
		switch r.rs.State.Kind {
		case KindStage:
			c.stage(ctx, r)
		case KindRecovering:
			c.step(ctx, r, Input{Event: EventAdvance}, nil)
		case KindRolledBack:
			if d := retryDelay(r.directive, r.rs.RecoveryAttempts); d > 0 {
				if err := c.sleep(ctx, d); err != nil {
					continue
				}
			}
			c.step(ctx, r, Input{Event: EventAdvance}, nil)
		case KindDegraded:
			c.degrade(ctx, r)
		}
	}
	return c.finish(ctx, r, started, span)
}

// stage runs the current stage and feeds the result to the transition function.
func (c *Controller) stage(ctx context.Context, r *run) {
	idx := r.rs.State.Stage
	st := c.pipeline.Stages[idx]
	res, err := c.runStage(ctx, r, st)
	if err == nil {
		r.rs.Results[st.ID] = res.Output
		resolved := r.rs.RecoveryStage == idx
		c.step(ctx, r, Input{Event: EventSucceeded, LoopBack: res.LoopBack}, nil)
		if resolved {
			c.recovery.MarkResolved(r.in.JobID, st.ID)
		}
		return
	}
	r.lastErr = err
	if ctx.Err() != nil {
		// The loop turns the context error into a timeout or cancellation.
		return
	}

	d := c.recovery.Plan(ctx, recovery.Failure{
		Err:       err,
		StageID:   st.ID,
		Subject:   st.Subject,
		Operation: st.Operation,
		JobID:     r.in.JobID,
	})
	r.directive = &d
	c.metrics.StageFailures.Add(ctx, 1, metric.WithAttributes(
		otel.AttrStageID.String(st.ID),
		otel.AttrFailureType.String(string(d.FailureType)),
	))
	if c.progress != nil {
		c.progress.Publish(bus.TopicRunStageFailed, bus.ProgressEvent{
			JobID:     r.in.JobID,
			Phase:     r.rs.State.String(),
			Stage:     st.ID,
			Percent:   Percent(r.rs.State, len(c.pipeline.Stages)),
			Timestamp: c.now().UTC(),
			Error:     shared.Redact(err.Error()),
		})
	}
	c.step(ctx, r, Input{Event: EventFailed, Disposition: d.Disposition}, err)
}

func (c *Controller) runStage(ctx context.Context, r *run, st Stage) (StageResult, error) {
	ctx = shared.WithSubject(shared.WithStageID(ctx, st.ID), st.Subject)
	ctx, span := otel.StartSpan(ctx, c.tracer, "pipeline.stage",
		otel.AttrStageID.String(st.ID),
		otel.AttrSubject.String(st.Subject),
		otel.AttrOperation.String(st.Operation),
	)
	defer span.End()

	fail := func(err error) (StageResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.rs.Last = LastOperation{StageID: st.ID, Err: err, Time: c.now()}
		return StageResult{}, err
	}

	if err := c.authorize(ctx, r, st); err != nil {
		return fail(err)
	}

	r.attempts[st.ID]++
	r.invocations++
	task := Task{
		JobID:           r.in.JobID,
		RunID:           r.rs.RunID,
		Stage:           st,
		Description:     r.in.Description,
		RepoRef:         r.in.RepoRef,
		Inputs:          r.ks.ContextFor(st.Inputs),
		Attempt:         r.attempts[st.ID],
		ReviewIteration: r.rs.ReviewIterations,
		Directive:       r.directive,
	}
	start := c.now()
	res, err := c.executor.Execute(ctx, task)
	c.metrics.StageDuration.Record(ctx, c.now().Sub(start).Seconds(),
		metric.WithAttributes(otel.AttrStageID.String(st.ID)))
	if err != nil {
		return fail(err)
	}

	conf := res.Confidence
	if conf <= 0 || conf > 1 {
		conf = 1
	}
	if st.Namespace != "" && st.Key != "" {
		if _, err := r.ks.Put(ctx, st.Namespace, st.Key, res.Output, st.Subject, conf); err != nil {
			return fail(recovery.WithHint(fmt.Errorf("store output of %s: %w", st.ID, err), recovery.System))
		}
	}
	r.rs.Last = LastOperation{Success: true, StageID: st.ID, Time: c.now()}
	return res, nil
}

// PermissionError is returned for a stage the gate refused.
type PermissionError struct {
	StageID   string
	Subject   string
	Operation string
	Step      string
	Reason    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s to %s in stage %s (%s): %s",
		e.Subject, e.Operation, e.StageID, e.Step, e.Reason)
}

// authorize issues a job-scoped token for critical operations and asks the gate.
func (c *Controller) authorize(ctx context.Context, r *run, st Stage) error {
	req := guardrail.Request{
		Subject:   st.Subject,
		Operation: st.Operation,
		JobID:     r.in.JobID,
		Context:   guardrail.OpContext{Path: st.Path},
	}
	if policy.IsCritical(st.Operation) {
		ttl := c.cfg.TokenTTL
		if r.directive != nil && r.directive.Params.ForceTokenRefresh && r.directive.Params.TokenTTL > 0 {
			ttl = r.directive.Params.TokenTTL
		}
		tok, err := c.tokens.Issue(ctx, st.Subject, st.Operation, r.in.JobID, ttl)
		if err != nil {
			return recovery.WithHint(fmt.Errorf("issue token for %s: %w", st.ID, err), recovery.Permission)
		}
		req.TokenID = tok.ID
	}
	dec := c.gate.CheckPermission(ctx, req)
	if !dec.Allowed {
		return recovery.WithHint(&PermissionError{
			StageID:   st.ID,
			Subject:   st.Subject,
			Operation: st.Operation,
			Step:      dec.Step,
			Reason:    dec.Reason,
		}, recovery.Permission)
	}
	return nil
}

// degrade substitutes a placeholder for the failed stage.
func (c *Controller) degrade(ctx context.Context, r *run) {
	st := c.pipeline.Stages[r.rs.State.Stage]
	out, err := c.fallback.Synthesize(ctx, fallback.Request{
		StageID:     st.ID,
		Description: r.in.Description,
		Namespace:   st.Namespace,
		Key:         st.Key,
	}, r.ks, r.rs)
	if err != nil {
		r.lastErr = fmt.Errorf("fallback for %s: %w", st.ID, err)
		if ctx.Err() != nil {
			return
		}
		c.step(ctx, r, Input{Event: EventFailed}, r.lastErr)
		return
	}
	r.rs.Results[st.ID] = out.Value
	c.step(ctx, r, Input{Event: EventAdvance}, nil)
}

// step applies one transition and reports it.
func (c *Controller) step(ctx context.Context, r *run, in Input, cause error) {
	prev := r.rs.State
	r.rs.State, r.rs.Counters = Transition(r.rs.State, r.rs.Counters, in, c.limits)
	telemetry.FromContext(ctx, c.logger).Debug("transition",
		"from", prev.String(), "to", r.rs.State.String(),
		"failure_count", r.rs.FailureCount, "recovery_attempts", r.rs.RecoveryAttempts,
		"steps", r.rs.Steps)
	c.emit(ctx, r, cause)
}

func (c *Controller) emit(ctx context.Context, r *run, cause error) {
	st := r.rs.State
	ev := bus.ProgressEvent{
		JobID:     r.in.JobID,
		Phase:     st.String(),
		Percent:   Percent(st, len(c.pipeline.Stages)),
		Timestamp: c.now().UTC(),
	}
	if st.Stage >= 0 && st.Stage < len(c.pipeline.Stages) {
		ev.Stage = c.pipeline.Stages[st.Stage].ID
	}
	if cause != nil {
		ev.Error = shared.Redact(cause.Error())
	}
	if c.progress != nil {
		c.progress.Publish(bus.TopicRunProgress, ev)
	}
	if c.jobs != nil {
		label := ev.Phase
		if st.Kind == KindStage {
			label = ev.Stage
		}
		if err := c.jobs.UpdateJobProgress(context.WithoutCancel(ctx), r.in.JobID, ev.Percent, label); err != nil {
			c.logger.Warn("update job progress failed", "job_id", r.in.JobID, "error", err)
		}
	}
}

func (c *Controller) finish(ctx context.Context, r *run, started time.Time, span trace.Span) (*Result, error) {
	st := r.rs.State
	oc := outcomes[st.Kind]
	res := &Result{
		JobID:       r.in.JobID,
		RunID:       r.rs.RunID,
		Outcome:     oc.outcome,
		State:       st,
		Counters:    r.rs.Counters,
		Outputs:     r.rs.Results,
		Invocations: r.invocations,
		Duration:    c.now().Sub(started),
		Knowledge:   r.ks,
	}
	mctx := context.WithoutCancel(ctx)
	c.metrics.RunOutcomes.Add(mctx, 1, metric.WithAttributes(otel.AttrOutcome.String(string(res.Outcome))))
	c.metrics.RunDuration.Record(mctx, res.Duration.Seconds())
	span.SetAttributes(otel.AttrOutcome.String(string(res.Outcome)))

	log := telemetry.FromContext(ctx, c.logger)
	if oc.err == nil {
		log.Info("run complete", "invocations", res.Invocations,
			"recovery_attempts", res.Counters.RecoveryAttempts, "duration", res.Duration)
		return res, nil
	}

	if st.Stage >= 0 && st.Stage < len(c.pipeline.Stages) {
		res.FailedStage = c.pipeline.Stages[st.Stage].ID
	}
	if r.lastErr != nil {
		res.Err = fmt.Errorf("%w at stage %s: %w", oc.err, res.FailedStage, r.lastErr)
	} else {
		res.Err = fmt.Errorf("%w at stage %s", oc.err, res.FailedStage)
	}
	span.RecordError(res.Err)
	span.SetStatus(codes.Error, res.Err.Error())

	if st.Kind == KindCancelled {
		log.Warn("run cancelled", "stage", res.FailedStage)
		return res, res.Err
	}

	hint := res.Err.Error()
	if st.Kind == KindTimedOut {
		hint = "timeout"
	}
	diag := &Diagnostic{
		JobID:       res.JobID,
		RunID:       res.RunID,
		Outcome:     res.Outcome,
		FailedStage: res.FailedStage,
		Error:       shared.Redact(res.Err.Error()),
		Suggestions: Suggestions(hint),
		Preventive:  c.recovery.PreventiveSuggestions(),
		Time:        c.now().UTC(),
	}
	if r.directive != nil {
		diag.FailureType = r.directive.FailureType
	}
	res.Diagnostic = diag
	if c.progress != nil {
		c.progress.Publish(bus.TopicRunDiagnostic, *diag)
	}
	log.Error("run aborted", "outcome", res.Outcome, "stage", res.FailedStage,
		"failure_count", res.Counters.FailureCount, "recovery_attempts", res.Counters.RecoveryAttempts,
		"error", res.Err)
	return res, res.Err
}

// retryDelay picks the backoff delay a directive proposes for the given
// rollback cycle.
func retryDelay(d *recovery.Directive, attempt int) time.Duration {
	if d == nil || len(d.Params.RetryDelays) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(d.Params.RetryDelays) {
		i = len(d.Params.RetryDelays) - 1
	}
	return d.Params.RetryDelays[i]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
