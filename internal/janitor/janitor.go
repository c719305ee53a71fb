// Package janitor periodically purges expired capability tokens, expired
// knowledge mirror rows, and audit and job rows past their retention window.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/telemetry"
)

// DefaultSchedule runs the janitor once a minute.
const DefaultSchedule = "@every 1m"

// cronParser accepts standard 5-field expressions and @every/@hourly descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// TokenCleaner drops expired tokens from the registry cache and durable store.
// *capability.Registry satisfies it.
type TokenCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Retainer purges expired rows. *persistence.Store satisfies it.
type Retainer interface {
	RunRetention(ctx context.Context, now time.Time, auditLogDays, jobDays int) (persistence.RetentionResult, error)
}

// Options configures a Janitor.
type Options struct {
	Schedule     string
	Tokens       TokenCleaner
	Store        Retainer
	AuditLogDays int
	JobDays      int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Report is the outcome of one sweep.
type Report struct {
	Tokens    int
	Retention persistence.RetentionResult
	At        time.Time
}

// Janitor owns a cron runner with a single sweep entry.
type Janitor struct {
	schedule string
	tokens   TokenCleaner
	store    Retainer
	auditDay int
	jobDay   int
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
	last Report
}

// New validates the schedule and builds a janitor. It does not start it.
func New(opts Options) (*Janitor, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", opts.Schedule, err)
	}
	if opts.Tokens == nil && opts.Store == nil {
		return nil, errors.New("janitor: nothing to clean")
	}
	j := &Janitor{
		schedule: opts.Schedule,
		tokens:   opts.Tokens,
		store:    opts.Store,
		auditDay: opts.AuditLogDays,
		jobDay:   opts.JobDays,
		logger:   telemetry.Component(opts.Logger, "janitor"),
		now:      opts.Now,
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// Start sweeps once and then on every schedule tick until Stop is called or
// ctx ends.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("janitor already started")
	}
	logger := cronLogger{j.logger}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(j.schedule, func() { j.sweep(ctx) }); err != nil {
		return err
	}
	j.cron = c
	c.Start()
	go j.sweep(ctx)
	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	j.logger.Info("janitor started", "schedule", j.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
}

// Last returns the report of the most recent sweep.
func (j *Janitor) Last() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *Janitor) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("janitor sweep failed", "error", err)
	}
}

// RunOnce performs one sweep immediately. Every cleaner runs even if an
// earlier one fails.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{At: j.now()}
	var errs []error
	if j.tokens != nil {
		n, err := j.tokens.CleanupExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tokens: %w", err))
		}
		rep.Tokens = n
	}
	if j.store != nil {
		res, err := j.store.RunRetention(ctx, rep.At, j.auditDay, j.jobDay)
		if err != nil {
			errs = append(errs, fmt.Errorf("retention: %w", err))
		}
		rep.Retention = res
	}

	j.mu.Lock()
	j.last = rep
	j.mu.Unlock()

	if purged := int64(rep.Tokens) + rep.Retention.PurgedKnowledgeCurrent + rep.Retention.PurgedKnowledgeHistory +
		rep.Retention.PurgedAuditLogs + rep.Retention.PurgedJobs; purged > 0 {
		j.logger.Info("janitor sweep",
			"tokens", rep.Tokens,
			"durable_tokens", rep.Retention.PurgedTokens,
			"knowledge_current", rep.Retention.PurgedKnowledgeCurrent,
			"knowledge_history", rep.Retention.PurgedKnowledgeHistory,
			"audit_logs", rep.Retention.PurgedAuditLogs,
			"jobs", rep.Retention.PurgedJobs,
		)
	}
	return rep, errors.Join(errs...)
}

// NextRunTime parses the schedule and returns the next run time after the given time.
func NextRunTime(schedule string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger routes the cron library's logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
