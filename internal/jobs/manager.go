// Package jobs is the control surface over pipeline runs: it starts runs as
// background jobs, tracks their durable status, cancels them and resolves
// the human checkpoint before anything is published.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/guardrail"
	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/pipeline"
	"github.com/basket/go-devpipe/internal/policy"
	"github.com/basket/go-devpipe/internal/recovery"
	"github.com/basket/go-devpipe/internal/shared"
	"github.com/basket/go-devpipe/internal/telemetry"
)

var (
	ErrNotPendingApproval = errors.New("job is not pending approval")
	ErrAlreadyFinished    = errors.New("job already finished")
	ErrClosed             = errors.New("job manager is closed")
)

// DefaultPublisherSubject is the subject that performs approved pushes.
const DefaultPublisherSubject = "publisher"

// publishStage labels failures of the publish step in job records.
const publishStage = "publish"

// Store is the durable job record. *persistence.Store satisfies it.
type Store interface {
	JobReader
	CreateJob(ctx context.Context, description, repoRef string) (string, error)
	ListJobs(ctx context.Context, status persistence.JobStatus, limit, offset int) ([]persistence.Job, int, error)
	TransitionJob(ctx context.Context, id string, to persistence.JobStatus, upd persistence.JobUpdate) error
	TransitionJobFrom(ctx context.Context, id string, want, to persistence.JobStatus, upd persistence.JobUpdate) error
}

// Driver runs one pipeline. *pipeline.Controller satisfies it.
type Driver interface {
	Drive(ctx context.Context, in pipeline.RunInput) (*pipeline.Result, error)
}

// PublishRequest is an approved push.
type PublishRequest struct {
	JobID   string
	RepoRef string
	Branch  string
	Changes []guardrail.Change
}

// Publisher performs the externally visible action after approval.
type Publisher interface {
	// Changes lists what publishing the job would push.
	Changes(ctx context.Context, job *persistence.Job) ([]guardrail.Change, error)
	Publish(ctx context.Context, req PublishRequest) error
}

// Options wires a Manager. Store and Driver are required; Gate and Tokens are
// required when a Publisher is set.
type Options struct {
	Store           Store
	Driver          Driver
	Gate            pipeline.Gate
	Tokens          pipeline.TokenIssuer
	Publisher       Publisher
	Bus             *bus.Bus
	MaxConcurrent   int64
	RequireApproval bool
	// PublisherSubject defaults to DefaultPublisherSubject.
	PublisherSubject string
	// BranchPrefix names the push branch, "devpipe/" by default.
	BranchPrefix string
	TokenTTL     time.Duration
	// PublishRetry shapes retries of transient publish failures.
	PublishRetry recovery.BackoffConfig
	Logger       *slog.Logger
	Instruments  *otel.Instruments
}

// Decision resolves the human checkpoint.
type Decision struct {
	Approve bool
	Reason  string
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs pipelines as background jobs. It is safe for concurrent use.
type Manager struct {
	store     Store
	driver    Driver
	gate      pipeline.Gate
	tokens    pipeline.TokenIssuer
	publisher Publisher
	bus       *bus.Bus
	sem       *semaphore.Weighted
	approval  bool
	subject   string
	prefix    string
	tokenTTL  time.Duration
	retry     recovery.BackoffConfig
	logger    *slog.Logger
	metrics   *otel.Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[string]*activeRun
}

// NewManager builds a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Driver == nil {
		return nil, errors.New("jobs: store and driver are required")
	}
	if opts.Publisher != nil && (opts.Gate == nil || opts.Tokens == nil) {
		return nil, errors.New("jobs: publishing needs a gate and a token issuer")
	}
	n := opts.MaxConcurrent
	if n <= 0 {
		n = 4
	}
	inst := opts.Instruments
	if inst == nil {
		inst = otel.NoopInstruments()
	}
	retry := opts.PublishRetry
	if retry.Initial <= 0 {
		retry = recovery.DefaultBackoff()
	}
	m := &Manager{
		store:     opts.Store,
		driver:    opts.Driver,
		gate:      opts.Gate,
		tokens:    opts.Tokens,
		publisher: opts.Publisher,
		bus:       opts.Bus,
		sem:       semaphore.NewWeighted(n),
		approval:  opts.RequireApproval,
		subject:   opts.PublisherSubject,
		prefix:    opts.BranchPrefix,
		tokenTTL:  opts.TokenTTL,
		retry:     retry,
		logger:    telemetry.Component(opts.Logger, "jobs"),
		metrics:   inst.Metrics,
		active:    make(map[string]*activeRun),
	}
	if m.subject == "" {
		m.subject = DefaultPublisherSubject
	}
	if m.prefix == "" {
		m.prefix = "devpipe/"
	}
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	return m, nil
}

// Start records a pending job and runs it in the background. The job waits
// for a free run slot before it turns running.
func (m *Manager) Start(ctx context.Context, description, repoRef string) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}
	id, err := m.store.CreateJob(ctx, description, repoRef)
	if err != nil {
		return "", fmt.Errorf("start job: %w", err)
	}
	if m.launch(ctx, id, description, repoRef) {
		m.logger.Info("job started", "job_id", id)
	}
	return id, nil
}

// Adopt runs a pending job that was recorded by another process, such as
// "devpipe jobs submit". It reports false when the job is already running here.
func (m *Manager) Adopt(ctx context.Context, job *persistence.Job) (bool, error) {
	if m.isClosed() {
		return false, ErrClosed
	}
	if job.Status != persistence.JobStatusPending {
		return false, fmt.Errorf("adopt %s: job is %s", job.ID, job.Status)
	}
	ok := m.launch(ctx, job.ID, job.Description, job.RepoRef)
	if ok {
		m.logger.Info("job adopted", "job_id", job.ID)
	}
	return ok, nil
}

// Reconcile syncs live runs with the durable records: it adopts queued jobs
// and stops runs whose record was cancelled by another process.
func (m *Manager) Reconcile(ctx context.Context) (adopted, stopped int, err error) {
	pending, _, err := m.store.ListJobs(ctx, persistence.JobStatusPending, 100, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending jobs: %w", err)
	}
	// ListJobs is newest first; adopt oldest first.
	for i := len(pending) - 1; i >= 0; i-- {
		ok, aerr := m.Adopt(ctx, &pending[i])
		if aerr != nil {
			return adopted, stopped, aerr
		}
		if ok {
			adopted++
		}
	}

	m.mu.Lock()
	live := make(map[string]*activeRun, len(m.active))
	for id, ar := range m.active {
		live[id] = ar
	}
	m.mu.Unlock()
	for id, ar := range live {
		job, gerr := m.store.GetJob(ctx, id)
		if gerr != nil {
			continue
		}
		if job.Status == persistence.JobStatusCancelled {
			ar.cancel()
			stopped++
		}
	}
	return adopted, stopped, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// launch registers and starts the run goroutine unless id is already live.
func (m *Manager) launch(ctx context.Context, id, description, repoRef string) bool {
	runCtx, cancel := context.WithCancel(shared.WithTraceID(m.baseCtx, shared.TraceID(ctx)))
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, ok := m.active[id]; ok || m.closed {
		m.mu.Unlock()
		cancel()
		return false
	}
	m.active[id] = ar
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(runCtx, id, pipeline.RunInput{JobID: id, Description: description, RepoRef: repoRef}, ar)
	return true
}

func (m *Manager) run(ctx context.Context, id string, in pipeline.RunInput, ar *activeRun) {
	defer m.wg.Done()
	defer func() {
		ar.cancel()
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		close(ar.done)
	}()
	rec := context.WithoutCancel(ctx)
	log := m.logger.With("job_id", id)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.transition(rec, id, persistence.JobStatusCancelled, persistence.JobUpdate{
			CurrentStep: persistence.Ptr("cancelled"),
			Outcome:     persistence.Ptr(string(pipeline.OutcomeCancelled)),
		})
		return
	}
	defer m.sem.Release(1)

	if err := m.store.TransitionJob(rec, id, persistence.JobStatusRunning, persistence.JobUpdate{
		CurrentStep: persistence.Ptr("starting"),
	}); err != nil {
		log.Error("mark job running failed", "error", err)
		return
	}

	res, err := m.driver.Drive(ctx, in)
	m.settle(rec, id, res, err)
}

// settle writes the run outcome to the job record.
func (m *Manager) settle(ctx context.Context, id string, res *pipeline.Result, runErr error) {
	log := m.logger.With("job_id", id)
	if res == nil {
		msg := "run did not start"
		if runErr != nil {
			msg = runErr.Error()
		}
		m.transition(ctx, id, persistence.JobStatusFailed, persistence.JobUpdate{Error: persistence.Ptr(shared.Redact(msg))})
		return
	}

	upd := persistence.JobUpdate{Outcome: persistence.Ptr(string(res.Outcome))}
	switch res.Outcome {
	case pipeline.OutcomeComplete:
		upd.Progress = persistence.Ptr(100.0)
		if m.approval {
			upd.CurrentStep = persistence.Ptr("awaiting approval")
			if m.transition(ctx, id, persistence.JobStatusPendingApproval, upd) && m.bus != nil {
				m.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{JobID: id})
			}
			return
		}
		if err := m.publish(ctx, id); err != nil {
			m.failPublish(ctx, id, err)
			return
		}
		upd.CurrentStep = persistence.Ptr("completed")
		m.transition(ctx, id, persistence.JobStatusCompleted, upd)
	case pipeline.OutcomeCancelled:
		upd.CurrentStep = persistence.Ptr("cancelled")
		upd.FailedStageID = persistence.Ptr(res.FailedStage)
		m.transition(ctx, id, persistence.JobStatusCancelled, upd)
	default:
		upd.CurrentStep = persistence.Ptr(string(res.Outcome))
		upd.FailedStageID = persistence.Ptr(res.FailedStage)
		if res.Err != nil {
			upd.Error = persistence.Ptr(shared.Redact(res.Err.Error()))
		}
		m.transition(ctx, id, persistence.JobStatusFailed, upd)
		log.Warn("job failed", "outcome", res.Outcome, "stage", res.FailedStage)
	}
}

func (m *Manager) transition(ctx context.Context, id string, to persistence.JobStatus, upd persistence.JobUpdate) bool {
	if err := m.store.TransitionJob(ctx, id, to, upd); err != nil {
		if job, gerr := m.store.GetJob(ctx, id); gerr == nil && job.Status.IsTerminal() {
			m.logger.Info("job already settled", "job_id", id, "status", job.Status, "wanted", to)
			return false
		}
		m.logger.Error("job transition failed", "job_id", id, "to", to, "error", err)
		return false
	}
	return true
}

// Get returns the job record.
func (m *Manager) Get(ctx context.Context, id string) (*persistence.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List pages through jobs newest first. An empty status matches all jobs.
func (m *Manager) List(ctx context.Context, status persistence.JobStatus, limit, offset int) ([]persistence.Job, int, error) {
	return m.store.ListJobs(ctx, status, limit, offset)
}

// Cancel stops a running job, or cancels one that is queued or awaiting
// approval. The job record always ends cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	ar, running := m.active[id]
	m.mu.Unlock()
	if running {
		ar.cancel()
		select {
		case <-ar.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, job.Status)
	}
	return m.store.TransitionJob(ctx, id, persistence.JobStatusCancelled, persistence.JobUpdate{
		CurrentStep: persistence.Ptr("cancelled"),
		Outcome:     persistence.Ptr(string(pipeline.OutcomeCancelled)),
	})
}

// ApproveOrReject resolves the checkpoint of a job in pending_approval.
// Approval publishes; rejection completes the job without publishing.
// Concurrent decisions race on the transition out of pending_approval: only
// the winner acts, the others get ErrNotPendingApproval.
func (m *Manager) ApproveOrReject(ctx context.Context, id string, d Decision) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != persistence.JobStatusPendingApproval {
		return fmt.Errorf("%w: %s is %s", ErrNotPendingApproval, id, job.Status)
	}
	decision, to, claim := "reject", persistence.JobStatusCompleted, persistence.JobUpdate{
		CurrentStep: persistence.Ptr("rejected"),
		Outcome:     persistence.Ptr("rejected"),
	}
	if d.Approve {
		decision, to, claim = "approve", persistence.JobStatusRunning, persistence.JobUpdate{
			CurrentStep: persistence.Ptr("publishing"),
		}
	}
	if err := m.store.TransitionJobFrom(ctx, id, persistence.JobStatusPendingApproval, to, claim); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return fmt.Errorf("%w: %s was resolved concurrently", ErrNotPendingApproval, id)
		}
		return err
	}
	log := telemetry.FromContext(shared.WithJobID(ctx, id), m.logger)
	log.Info("approval decision", "decision", decision, "reason", d.Reason)

	if d.Approve {
		if perr := m.publish(ctx, id); perr != nil {
			m.failPublish(ctx, id, perr)
			err = perr
		} else {
			err = m.store.TransitionJob(ctx, id, persistence.JobStatusCompleted, persistence.JobUpdate{
				CurrentStep: persistence.Ptr("published"),
				Outcome:     persistence.Ptr("published"),
			})
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalEvent{JobID: id, Decision: decision, Reason: d.Reason})
	}
	return err
}

// publish asks the gate for a git_push with a fresh job-scoped token, then
// calls the publisher with retries for transient errors.
func (m *Manager) publish(ctx context.Context, id string) error {
	if m.publisher == nil {
		return nil
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	changes, err := m.publisher.Changes(ctx, job)
	if err != nil {
		return fmt.Errorf("collect changes: %w", err)
	}
	branch := m.prefix + id
	tok, err := m.tokens.Issue(ctx, m.subject, policy.OpGitPush, id, m.tokenTTL)
	if err != nil {
		return fmt.Errorf("issue publish token: %w", err)
	}
	dec := m.gate.CheckPermission(ctx, guardrail.Request{
		Subject:   m.subject,
		Operation: policy.OpGitPush,
		TokenID:   tok.ID,
		JobID:     id,
		Context:   guardrail.OpContext{Branch: branch, Changes: changes},
	})
	if !dec.Allowed {
		return backoff.Permanent(fmt.Errorf("publish denied at %s: %s", dec.Step, dec.Reason))
	}

	req := PublishRequest{JobID: id, RepoRef: job.RepoRef, Branch: branch, Changes: changes}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := m.publisher.Publish(ctx, req); err != nil {
			if recovery.Classify(err) != recovery.Network {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(m.retry.NewBackOff()),
		backoff.WithMaxTries(uint(max(m.retry.Attempts, 1))),
		backoff.WithNotify(func(err error, d time.Duration) {
			m.logger.Warn("publish retry", "job_id", id, "delay", d, "error", err)
		}),
	)
	return err
}

func (m *Manager) failPublish(ctx context.Context, id string, err error) {
	m.transition(ctx, id, persistence.JobStatusFailed, persistence.JobUpdate{
		CurrentStep:   persistence.Ptr("publish failed"),
		Error:         persistence.Ptr(shared.Redact(err.Error())),
		FailedStageID: persistence.Ptr(publishStage),
		Outcome:       persistence.Ptr("publish_failed"),
	})
}

// Wait blocks until the job settles: terminal or awaiting approval.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (*persistence.Job, error) {
	return NewWaiter(m.bus, m.store).WaitForJob(ctx, id, timeout)
}

// Active returns the number of jobs with a live run goroutine.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close cancels every live run and waits for their records to settle.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
