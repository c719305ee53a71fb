package recovery

import (
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Strategy names the recovery approach of a directive.
type Strategy string

const (
	StrategyRetryAdjusted     Strategy = "retry_with_adjusted_params"
	StrategyRollbackIncrement Strategy = "rollback_and_incremental_generation"
	StrategyAlternateReviewer Strategy = "alternate_reviewer"
	StrategyIsolateRestart    Strategy = "isolate_and_restart"
	StrategyShedLoad          Strategy = "shed_load"
	StrategyBackoffRetry      Strategy = "backoff_retry"
	StrategyRegenerateToken   Strategy = "regenerate_token"
	StrategyHumanIntervention Strategy = "human_intervention"
	StrategyGeneric           Strategy = "generic_recovery"
)

// Disposition tells the controller which branch of its transition policy
// the directive asks for.
type Disposition int

const (
	// Retry rolls the run back and re-executes from the first stage.
	Retry Disposition = iota
	// Degrade substitutes a placeholder for the stage and continues.
	Degrade
	// Escalate stops the run for human attention regardless of retry budget.
	Escalate
)

func (d Disposition) String() string {
	switch d {
	case Retry:
		return "retry"
	case Degrade:
		return "degrade"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Params are the adjusted execution parameters a directive proposes. Zero
// values mean "unchanged".
type Params struct {
	Temperature       float64
	SimplifiedOutput  bool
	MaxRetries        int
	RollbackTarget    string
	Incremental       bool
	MaxArtifactBytes  int
	AlternateReviewer string
	MaxIssuesPerPass  int
	IsolatedStages    []string
	ConcurrencyFactor float64
	MaxRestarts       int
	RetryDelays       []time.Duration
	AllowCache        bool
	ForceTokenRefresh bool
	TokenTTL          time.Duration
}

// Directive is a proposed, never executed, recovery plan.
type Directive struct {
	FailureType FailureType
	Strategy    Strategy
	Disposition Disposition
	Params      Params
	Actions     []string
	Reason      string
}

// HighRiskOperations escalate on permission failures without consuming the
// retry budget.
var HighRiskOperations = []string{"file_deletion", "system_command", "network_request"}

// BackoffConfig shapes the network retry schedule.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
	Attempts   int
}

// DefaultBackoff is 1s doubling up to 30s with 50% jitter, five attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second, Jitter: 0.5, Attempts: 5}
}

// NewBackOff returns an exponential backoff shaped by cfg.
func (cfg BackoffConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.Max
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return b
}

// Schedule returns the first Attempts delays of the backoff.
func (cfg BackoffConfig) Schedule() []time.Duration {
	b := cfg.NewBackOff()
	out := make([]time.Duration, 0, cfg.Attempts)
	for i := 0; i < cfg.Attempts; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		out = append(out, d)
	}
	return out
}

// planner builds the directive for one failure type.
type planner func(c *Coordinator, f Failure) Directive

var planners = map[FailureType]planner{
	Validation:         planValidation,
	Generation:         planGeneration,
	Review:             planReview,
	System:             planSystem,
	ResourceExhaustion: planResourceExhaustion,
	Network:            planNetwork,
	Permission:         planPermission,
	Unknown:            planGeneric,
}

func planValidation(_ *Coordinator, f Failure) Directive {
	d := Directive{
		Strategy:    StrategyRetryAdjusted,
		Disposition: Retry,
		Params:      Params{Temperature: 0.1, SimplifiedOutput: true, MaxRetries: 3},
		Actions:     []string{"simplify_output_contract"},
	}
	switch f.Subject {
	case "agent1", "agent2", "agent4":
		d.Actions = append(d.Actions, "use_simplified_validation_template")
	case "agent6", "agent7":
		d.Actions = append(d.Actions, "use_minimal_code_format")
	}
	return d
}

func planGeneration(_ *Coordinator, f Failure) Directive {
	d := Directive{
		Strategy:    StrategyRollbackIncrement,
		Disposition: Retry,
		Params: Params{
			RollbackTarget:   "last_good_artifact",
			Incremental:      true,
			MaxArtifactBytes: 200 * 1024,
		},
		Actions: []string{"focus_critical_path"},
	}
	msg := f.message()
	switch {
	case strings.Contains(msg, "syntax error") || strings.Contains(msg, "indentation"):
		d.Params.Temperature = 0.05
		d.Actions = append(d.Actions, "syntax_correction")
	case strings.Contains(msg, "logic error") || strings.Contains(msg, "bug"):
		d.Actions = append(d.Actions, "logic_verification", "add_tests")
	}
	return d
}

func planReview(_ *Coordinator, _ Failure) Directive {
	return Directive{
		Strategy:    StrategyAlternateReviewer,
		Disposition: Retry,
		Params:      Params{AlternateReviewer: "agent7_backup", MaxIssuesPerPass: 5},
		Actions:     []string{"reduce_complexity", "focus_critical_issues"},
	}
}

func planSystem(_ *Coordinator, f Failure) Directive {
	d := Directive{
		Strategy:    StrategyIsolateRestart,
		Disposition: Degrade,
		Params:      Params{ConcurrencyFactor: 0.5, MaxRestarts: 2},
		Actions:     []string{"isolate_stage", "reallocate_resources"},
	}
	if f.StageID != "" {
		d.Params.IsolatedStages = []string{f.StageID}
	}
	msg := f.message()
	if strings.Contains(msg, "critical") || strings.Contains(msg, "fatal") {
		d.Actions = append(d.Actions, "emergency_mode", "preserve_state")
	}
	return d
}

func planResourceExhaustion(_ *Coordinator, f Failure) Directive {
	d := Directive{
		Strategy:    StrategyShedLoad,
		Disposition: Degrade,
		Params:      Params{ConcurrencyFactor: 0.5},
		Actions:     []string{"reduce_batch_size", "release_cached_resources", "pause_non_critical_stages"},
	}
	if strings.Contains(f.message(), "memory") {
		d.Actions = append(d.Actions, "shrink_context_window")
	}
	return d
}

func planNetwork(c *Coordinator, _ Failure) Directive {
	return Directive{
		Strategy:    StrategyBackoffRetry,
		Disposition: Retry,
		Params:      Params{RetryDelays: c.backoff.Schedule(), AllowCache: true},
		Actions:     []string{"use_cached_responses", "notify_service_disruption"},
	}
}

func planPermission(_ *Coordinator, f Failure) Directive {
	d := Directive{
		Strategy:    StrategyRegenerateToken,
		Disposition: Retry,
		Params:      Params{ForceTokenRefresh: true, TokenTTL: 600 * time.Second},
		Actions:     []string{"regenerate_capability_token", "verify_resource_permissions"},
	}
	if slices.Contains(HighRiskOperations, f.Operation) {
		d.Strategy = StrategyHumanIntervention
		d.Disposition = Escalate
		d.Actions = append(d.Actions, "request_human_approval")
		d.Reason = "permission failure on high-risk operation " + f.Operation
	}
	return d
}

func planGeneric(_ *Coordinator, _ Failure) Directive {
	return Directive{
		Strategy:    StrategyGeneric,
		Disposition: Retry,
		Params:      Params{MaxRetries: 3},
		Actions:     []string{"log_failure_details", "notify_supervisor"},
	}
}
