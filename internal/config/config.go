package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-devpipe/internal/otel"
)

// EnvPrefix prefixes every environment override, e.g. DEVPIPE_LOG_LEVEL.
const EnvPrefix = "DEVPIPE_"

type PipelineConfig struct {
	MaxAutoRetries      int  `yaml:"max_auto_retries" env:"MAX_AUTO_RETRIES"`
	MaxRetryAttempts    int  `yaml:"max_retry_attempts" env:"MAX_RETRY_ATTEMPTS"`
	RecursionLimit      int  `yaml:"recursion_limit" env:"RECURSION_LIMIT"`
	MaxReviewIterations int  `yaml:"max_review_iterations" env:"MAX_REVIEW_ITERATIONS"`
	RunTimeoutSeconds   int  `yaml:"run_timeout_seconds" env:"RUN_TIMEOUT_SECONDS"`
	MaxConcurrentRuns   int  `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`
	RequireApproval     bool `yaml:"require_approval" env:"REQUIRE_APPROVAL"`
}

type TokensConfig struct {
	DefaultTTLSeconds int `yaml:"default_ttl_seconds" env:"DEFAULT_TTL_SECONDS"`
}

type KnowledgeConfig struct {
	HistoryWindow     int `yaml:"history_window" env:"HISTORY_WINDOW"`
	MirrorTTLSeconds  int `yaml:"mirror_ttl_seconds" env:"MIRROR_TTL_SECONDS"`
	HistoryTTLSeconds int `yaml:"history_ttl_seconds" env:"HISTORY_TTL_SECONDS"`
}

type RecoveryConfig struct {
	HistorySize         int     `yaml:"history_size" env:"HISTORY_SIZE"`
	SuggestionThreshold int     `yaml:"suggestion_threshold" env:"SUGGESTION_THRESHOLD"`
	BackoffInitialMS    int     `yaml:"backoff_initial_ms" env:"BACKOFF_INITIAL_MS"`
	BackoffMultiplier   float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	BackoffMaxSeconds   int     `yaml:"backoff_max_seconds" env:"BACKOFF_MAX_SECONDS"`
	BackoffJitter       float64 `yaml:"backoff_jitter" env:"BACKOFF_JITTER"`
	BackoffAttempts     int     `yaml:"backoff_attempts" env:"BACKOFF_ATTEMPTS"`
}

// ExecutorConfig selects the stage executor. Mode "static" needs no program.
type ExecutorConfig struct {
	Mode            string   `yaml:"mode" env:"MODE"`
	Program         string   `yaml:"program" env:"PROGRAM"`
	Args            []string `yaml:"args" env:"ARGS"`
	TimeoutSeconds  int      `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	RecordArtifacts bool     `yaml:"record_artifacts" env:"RECORD_ARTIFACTS"`
}

// PublisherConfig configures the push performed after approval. An empty
// Program disables publishing.
type PublisherConfig struct {
	Program        string   `yaml:"program" env:"PROGRAM"`
	Args           []string `yaml:"args" env:"ARGS"`
	Subject        string   `yaml:"subject" env:"SUBJECT"`
	BranchPrefix   string   `yaml:"branch_prefix" env:"BRANCH_PREFIX"`
	TimeoutSeconds int      `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

type JanitorConfig struct {
	Schedule     string `yaml:"schedule" env:"SCHEDULE"`
	AuditLogDays int    `yaml:"audit_log_days" env:"AUDIT_LOG_DAYS"`
	JobDays      int    `yaml:"job_days" env:"JOB_DAYS"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL"`
	WorkspaceRoot string `yaml:"workspace_root" env:"WORKSPACE_ROOT"`
	DBPath        string `yaml:"db_path" env:"DB_PATH"`

	Pipeline  PipelineConfig  `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Tokens    TokensConfig    `yaml:"tokens" envPrefix:"TOKENS_"`
	Knowledge KnowledgeConfig `yaml:"knowledge" envPrefix:"KNOWLEDGE_"`
	Recovery  RecoveryConfig  `yaml:"recovery" envPrefix:"RECOVERY_"`
	Executor  ExecutorConfig  `yaml:"executor" envPrefix:"EXECUTOR_"`
	Publisher PublisherConfig `yaml:"publisher" envPrefix:"PUBLISHER_"`
	Janitor   JanitorConfig   `yaml:"janitor" envPrefix:"JANITOR_"`
	OTel      otel.Config     `yaml:"otel"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// RunTimeout is the wall-clock limit of one run.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Pipeline.RunTimeoutSeconds) * time.Second
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Tokens.DefaultTTLSeconds) * time.Second
}

func (c Config) MirrorTTL() time.Duration {
	return time.Duration(c.Knowledge.MirrorTTLSeconds) * time.Second
}

func (c Config) HistoryTTL() time.Duration {
	return time.Duration(c.Knowledge.HistoryTTLSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that shape run behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|root=%s|pipeline=%+v|tokens=%+v|knowledge=%+v|recovery=%+v|executor=%s:%s",
		c.LogLevel, c.WorkspaceRoot, c.Pipeline, c.Tokens, c.Knowledge, c.Recovery, c.Executor.Mode, c.Executor.Program)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Pipeline: PipelineConfig{
			MaxAutoRetries:      3,
			MaxRetryAttempts:    3,
			RecursionLimit:      100,
			MaxReviewIterations: 5,
			RunTimeoutSeconds:   int((30 * time.Minute).Seconds()),
			MaxConcurrentRuns:   4,
			RequireApproval:     true,
		},
		Tokens:    TokensConfig{DefaultTTLSeconds: 300},
		Knowledge: KnowledgeConfig{HistoryWindow: 10, MirrorTTLSeconds: 3600, HistoryTTLSeconds: 86400},
		Recovery: RecoveryConfig{
			HistorySize:         100,
			SuggestionThreshold: 3,
			BackoffInitialMS:    1000,
			BackoffMultiplier:   2,
			BackoffMaxSeconds:   30,
			BackoffJitter:       0.5,
			BackoffAttempts:     5,
		},
		Executor:  ExecutorConfig{Mode: "static", TimeoutSeconds: 600, RecordArtifacts: true},
		Publisher: PublisherConfig{Subject: "publisher", BranchPrefix: "devpipe/", TimeoutSeconds: 120},
		Janitor:   JanitorConfig{Schedule: "@every 1m", AuditLogDays: 365, JobDays: 90},
		OTel:      otel.Config{Exporter: "none", ServiceName: "devpipe", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("DEVPIPE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".devpipe")
}

// Load reads <home>/config.yaml over Default(), applies DEVPIPE_* environment
// overrides, then normalizes and validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create devpipe home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to <home>/config.yaml.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "devpipe.db")
	}

	p := &cfg.Pipeline
	if p.MaxAutoRetries <= 0 {
		p.MaxAutoRetries = def.Pipeline.MaxAutoRetries
	}
	if p.MaxRetryAttempts <= 0 {
		p.MaxRetryAttempts = def.Pipeline.MaxRetryAttempts
	}
	if p.RecursionLimit <= 0 {
		p.RecursionLimit = def.Pipeline.RecursionLimit
	}
	if p.MaxReviewIterations < 0 {
		p.MaxReviewIterations = 0
	}
	if p.RunTimeoutSeconds <= 0 {
		p.RunTimeoutSeconds = def.Pipeline.RunTimeoutSeconds
	}
	if p.MaxConcurrentRuns <= 0 {
		p.MaxConcurrentRuns = def.Pipeline.MaxConcurrentRuns
	}

	if cfg.Tokens.DefaultTTLSeconds <= 0 {
		cfg.Tokens.DefaultTTLSeconds = def.Tokens.DefaultTTLSeconds
	}
	if cfg.Knowledge.HistoryWindow <= 0 {
		cfg.Knowledge.HistoryWindow = def.Knowledge.HistoryWindow
	}
	if cfg.Knowledge.MirrorTTLSeconds <= 0 {
		cfg.Knowledge.MirrorTTLSeconds = def.Knowledge.MirrorTTLSeconds
	}
	if cfg.Knowledge.HistoryTTLSeconds <= 0 {
		cfg.Knowledge.HistoryTTLSeconds = def.Knowledge.HistoryTTLSeconds
	}

	r := &cfg.Recovery
	if r.HistorySize <= 0 {
		r.HistorySize = def.Recovery.HistorySize
	}
	if r.SuggestionThreshold <= 0 {
		r.SuggestionThreshold = def.Recovery.SuggestionThreshold
	}
	if r.BackoffInitialMS <= 0 {
		r.BackoffInitialMS = def.Recovery.BackoffInitialMS
	}
	if r.BackoffMultiplier < 1 {
		r.BackoffMultiplier = def.Recovery.BackoffMultiplier
	}
	if r.BackoffMaxSeconds <= 0 {
		r.BackoffMaxSeconds = def.Recovery.BackoffMaxSeconds
	}
	if r.BackoffAttempts <= 0 {
		r.BackoffAttempts = def.Recovery.BackoffAttempts
	}

	cfg.Executor.Mode = strings.ToLower(strings.TrimSpace(cfg.Executor.Mode))
	if cfg.Executor.Mode == "" {
		cfg.Executor.Mode = def.Executor.Mode
	}
	if cfg.Executor.TimeoutSeconds <= 0 {
		cfg.Executor.TimeoutSeconds = def.Executor.TimeoutSeconds
	}
	if cfg.Publisher.Subject == "" {
		cfg.Publisher.Subject = def.Publisher.Subject
	}
	if cfg.Publisher.BranchPrefix == "" {
		cfg.Publisher.BranchPrefix = def.Publisher.BranchPrefix
	}
	if cfg.Publisher.TimeoutSeconds <= 0 {
		cfg.Publisher.TimeoutSeconds = def.Publisher.TimeoutSeconds
	}
	if strings.TrimSpace(cfg.Janitor.Schedule) == "" {
		cfg.Janitor.Schedule = def.Janitor.Schedule
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

// Validate rejects settings normalize cannot repair.
func (c Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel))
	}
	switch c.Executor.Mode {
	case "static":
	case "command":
		if strings.TrimSpace(c.Executor.Program) == "" {
			errs = append(errs, errors.New("executor.program is required in command mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.mode %q: want static or command", c.Executor.Mode))
	}
	if c.Recovery.BackoffJitter < 0 || c.Recovery.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("recovery.backoff_jitter %v: want a value in [0,1]", c.Recovery.BackoffJitter))
	}
	if c.Janitor.AuditLogDays < 0 || c.Janitor.JobDays < 0 {
		errs = append(errs, errors.New("janitor retention days must not be negative"))
	}
	return errors.Join(errs...)
}
