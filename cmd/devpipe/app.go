package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/go-devpipe/internal/audit"
	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/capability"
	"github.com/basket/go-devpipe/internal/config"
	"github.com/basket/go-devpipe/internal/executor"
	"github.com/basket/go-devpipe/internal/fallback"
	"github.com/basket/go-devpipe/internal/guardrail"
	"github.com/basket/go-devpipe/internal/janitor"
	"github.com/basket/go-devpipe/internal/jobs"
	"github.com/basket/go-devpipe/internal/knowledge"
	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/pipeline"
	"github.com/basket/go-devpipe/internal/policy"
	"github.com/basket/go-devpipe/internal/recovery"
	"github.com/basket/go-devpipe/internal/telemetry"
)

// app is one fully wired devpipe process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	otel     *otel.Provider
	store    *persistence.Store
	audit    *audit.Log
	policy   *policy.LivePolicy
	tokens   *capability.Registry
	gate     *guardrail.Gate
	recovery *recovery.Coordinator
	ctrl     *pipeline.Controller
	jobs     *jobs.Manager

	closers []func(context.Context) error
}

type appOptions struct {
	// Quiet keeps log records out of stderr.
	Quiet bool
	// Logger replaces the file logger; tests use it.
	Logger *slog.Logger
}

// openApp loads configuration and wires every component. It starts no
// background work; serve does that.
func openApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.NeedsInit {
		if err := bootstrapHome(cfg); err != nil {
			return nil, err
		}
		cfg.NeedsInit = false
	}

	a = &app{cfg: cfg, bus: bus.New()}
	a.onClose(func(context.Context) error { a.bus.Close(); return nil })
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.logger = opts.Logger
	if a.logger == nil {
		logger, closer, lerr := newFileLogger(cfg, opts.Quiet)
		if lerr != nil {
			return a, fmt.Errorf("init logger: %w", lerr)
		}
		a.onClose(func(context.Context) error { return closer.Close() })
		a.logger = logger
	}
	a.logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	a.otel, err = otel.Init(ctx, cfg.OTel, otel.WithServiceVersion(Version))
	if err != nil {
		return a, fmt.Errorf("init otel: %w", err)
	}
	a.onClose(a.otel.Shutdown)
	inst, err := a.otel.Instruments()
	if err != nil {
		return a, fmt.Errorf("init instruments: %w", err)
	}

	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return a, fmt.Errorf("open store: %w", err)
	}
	a.onClose(func(context.Context) error { return a.store.Close() })
	a.logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	a.audit, err = audit.Open(cfg.HomeDir, a.store.DB())
	if err != nil {
		return a, fmt.Errorf("open audit log: %w", err)
	}
	a.onClose(func(context.Context) error { return a.audit.Close() })

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return a, fmt.Errorf("create workspace: %w", err)
	}
	policyPath := config.PolicyPath(cfg.HomeDir)
	pol, err := policy.Load(policyPath)
	if err != nil {
		return a, fmt.Errorf("load policy: %w", err)
	}
	if pol.WorkspaceRoot == "" {
		pol.WorkspaceRoot = cfg.WorkspaceRoot
	}
	a.policy = policy.NewLivePolicy(pol, policyPath)
	version := a.policy.PolicyVersion()
	if err := a.store.RecordPolicyVersion(ctx, version, version, policyPath); err != nil {
		a.logger.Warn("failed to record policy version", "error", err)
	}
	a.logger.Info("startup phase", "phase", "policy_loaded", "policy_version", version)

	a.tokens = capability.NewRegistry(capability.Options{
		Store:       a.store,
		Logger:      a.logger,
		Instruments: inst,
		DefaultTTL:  cfg.TokenTTL(),
	})
	a.gate, err = guardrail.New(guardrail.Options{
		Policy:      a.policy,
		Tokens:      a.tokens,
		Audit:       a.audit,
		Bus:         a.bus,
		Logger:      a.logger,
		Instruments: inst,
	})
	if err != nil {
		return a, fmt.Errorf("init guardrail gate: %w", err)
	}
	a.recovery = recovery.NewCoordinator(recovery.Options{
		HistorySize:         cfg.Recovery.HistorySize,
		SuggestionThreshold: cfg.Recovery.SuggestionThreshold,
		Backoff:             backoffConfig(cfg),
		Bus:                 a.bus,
		Logger:              a.logger,
		Instruments:         inst,
	})
	synth, err := fallback.New(fallback.Options{Logger: a.logger, Instruments: inst})
	if err != nil {
		return a, fmt.Errorf("init fallback synthesizer: %w", err)
	}

	stages, err := stageExecutor(cfg, a.logger)
	if err != nil {
		return a, err
	}
	a.ctrl, err = pipeline.NewController(pipeline.Options{
		Config: pipeline.Config{
			MaxAutoRetries:      cfg.Pipeline.MaxAutoRetries,
			MaxRetryAttempts:    cfg.Pipeline.MaxRetryAttempts,
			RecursionLimit:      cfg.Pipeline.RecursionLimit,
			MaxReviewIterations: cfg.Pipeline.MaxReviewIterations,
			RunTimeout:          cfg.RunTimeout(),
			TokenTTL:            cfg.TokenTTL(),
		},
		Executor: stages,
		Gate:     a.gate,
		Tokens:   a.tokens,
		Recovery: a.recovery,
		Fallback: synth,
		Knowledge: knowledge.Options{
			Mirror:        a.store,
			HistoryWindow: cfg.Knowledge.HistoryWindow,
			CurrentTTL:    cfg.MirrorTTL(),
			HistoryTTL:    cfg.HistoryTTL(),
		},
		Progress:    a.bus,
		Jobs:        a.store,
		Logger:      a.logger,
		Instruments: inst,
	})
	if err != nil {
		return a, fmt.Errorf("init pipeline: %w", err)
	}

	jobOpts := jobs.Options{
		Store:            a.store,
		Driver:           a.ctrl,
		Gate:             a.gate,
		Tokens:           a.tokens,
		Bus:              a.bus,
		MaxConcurrent:    int64(cfg.Pipeline.MaxConcurrentRuns),
		RequireApproval:  cfg.Pipeline.RequireApproval,
		PublisherSubject: cfg.Publisher.Subject,
		BranchPrefix:     cfg.Publisher.BranchPrefix,
		TokenTTL:         cfg.TokenTTL(),
		PublishRetry:     backoffConfig(cfg),
		Logger:           a.logger,
		Instruments:      inst,
	}
	if cfg.Publisher.Program != "" {
		pub, perr := executor.NewCommandPublisher(executor.PublisherOptions{
			Root:    cfg.HomeDir,
			Program: cfg.Publisher.Program,
			Args:    cfg.Publisher.Args,
			Timeout: time.Duration(cfg.Publisher.TimeoutSeconds) * time.Second,
			Logger:  a.logger,
		})
		if perr != nil {
			return a, fmt.Errorf("init publisher: %w", perr)
		}
		jobOpts.Publisher = pub
	}
	a.jobs, err = jobs.NewManager(jobOpts)
	if err != nil {
		return a, fmt.Errorf("init job manager: %w", err)
	}
	a.onClose(a.jobs.Close)
	return a, nil
}

func newFileLogger(cfg config.Config, quiet bool) (*slog.Logger, io.Closer, error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func stageExecutor(cfg config.Config, logger *slog.Logger) (pipeline.StageExecutor, error) {
	var stages pipeline.StageExecutor
	switch cfg.Executor.Mode {
	case "command":
		cmd, err := executor.NewCommand(executor.CommandOptions{
			Program: cfg.Executor.Program,
			Args:    cfg.Executor.Args,
			Dir:     cfg.WorkspaceRoot,
			Timeout: time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init stage executor: %w", err)
		}
		stages = cmd
	default:
		stages = &executor.Static{}
	}
	if cfg.Executor.RecordArtifacts {
		stages = executor.NewArtifacts(stages, cfg.HomeDir, logger)
	}
	return stages, nil
}

func backoffConfig(cfg config.Config) recovery.BackoffConfig {
	r := cfg.Recovery
	return recovery.BackoffConfig{
		Initial:    time.Duration(r.BackoffInitialMS) * time.Millisecond,
		Multiplier: r.BackoffMultiplier,
		Max:        time.Duration(r.BackoffMaxSeconds) * time.Second,
		Jitter:     r.BackoffJitter,
		Attempts:   r.BackoffAttempts,
	}
}

// newJanitor builds the retention sweeper for serve.
func (a *app) newJanitor() (*janitor.Janitor, error) {
	return janitor.New(janitor.Options{
		Schedule:     a.cfg.Janitor.Schedule,
		Tokens:       a.tokens,
		Store:        a.store,
		AuditLogDays: a.cfg.Janitor.AuditLogDays,
		JobDays:      a.cfg.Janitor.JobDays,
		Logger:       a.logger,
	})
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases components in reverse start order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// bootstrapHome writes default config.yaml and policy.yaml into an empty home.
func bootstrapHome(cfg config.Config) error {
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	policyPath := config.PolicyPath(cfg.HomeDir)
	if _, err := os.Stat(policyPath); err == nil {
		return nil
	}
	data, err := policy.DefaultYAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(policyPath, data, 0o644); err != nil {
		return fmt.Errorf("write policy.yaml: %w", err)
	}
	return nil
}
