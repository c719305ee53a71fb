// Package guardrail decides whether a subject may perform an operation.
//
// A request passes three ordered predicates and the first denial wins:
// the static per-subject restriction list, the capability token check for
// critical operations, and the operation-specific validator.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-devpipe/internal/audit"
	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/capability"
	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/policy"
	"github.com/basket/go-devpipe/internal/telemetry"
)

const recentDenialLimit = 50

// Predicate names reported in Decision.Step.
const (
	StepRestriction = "restriction"
	StepToken       = "token"
	StepValidator   = "validator"
)

// Request is one permission question.
type Request struct {
	Subject   string
	Operation string
	TokenID   string // required for critical operations
	JobID     string // token scope
	Context   OpContext
}

// Decision is the gate's answer. Step names the predicate that denied.
type Decision struct {
	Allowed bool
	Reason  string
	Step    string
}

// PolicySource provides consistent policy snapshots. *policy.LivePolicy satisfies it.
type PolicySource interface {
	Snapshot() policy.Policy
	PolicyVersion() string
}

// TokenValidator consumes capability tokens. *capability.Registry satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, id string, claim capability.Claim) error
}

// Denial is a recorded deny decision.
type Denial struct {
	Time      time.Time
	Subject   string
	Operation string
	Step      string
	Reason    string
	JobID     string
}

// Status summarizes gate activity for diagnostics.
type Status struct {
	PolicyVersion    string
	Decisions        int64
	Denials          int64
	DenialsBySubject map[string]int64
	RecentDenials    []Denial
}

// Options wires the gate's collaborators. Policy and Tokens are required.
type Options struct {
	Policy      PolicySource
	Tokens      TokenValidator
	Audit       *audit.Log
	Bus         *bus.Bus
	Logger      *slog.Logger
	Instruments *otel.Instruments
	Now         func() time.Time
}

// Gate is the permission facade. It is safe for concurrent use.
type Gate struct {
	policy  PolicySource
	tokens  TokenValidator
	audit   *audit.Log
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	mu        sync.Mutex
	decisions int64
	denials   int64
	bySubject map[string]int64
	recent    []Denial
}

// New builds a gate.
func New(opts Options) (*Gate, error) {
	if opts.Policy == nil {
		return nil, errors.New("guardrail: policy source is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("guardrail: token validator is required")
	}
	inst := opts.Instruments
	if inst == nil {
		inst = otel.NoopInstruments()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		policy:    opts.Policy,
		tokens:    opts.Tokens,
		audit:     opts.Audit,
		bus:       opts.Bus,
		logger:    telemetry.Component(opts.Logger, "guardrail"),
		metrics:   inst.Metrics,
		now:       now,
		bySubject: make(map[string]int64),
	}, nil
}

type predicate struct {
	step  string
	check func(ctx context.Context, g *Gate, p policy.Policy, req Request) error
}

// predicates run in this order; static restriction always wins first.
var predicates = []predicate{
	{StepRestriction, checkRestriction},
	{StepToken, checkToken},
	{StepValidator, checkValidator},
}

func checkRestriction(_ context.Context, _ *Gate, p policy.Policy, req Request) error {
	if p.Restricted(req.Subject, req.Operation) {
		return fmt.Errorf("%s is restricted from %s", req.Subject, req.Operation)
	}
	return nil
}

func checkToken(ctx context.Context, g *Gate, _ policy.Policy, req Request) error {
	if !policy.IsCritical(req.Operation) {
		return nil
	}
	if req.TokenID == "" {
		return fmt.Errorf("%s requires a capability token", req.Operation)
	}
	err := g.tokens.Validate(ctx, req.TokenID, capability.Claim{
		Subject:   req.Subject,
		Operation: req.Operation,
		Scope:     req.JobID,
	})
	if err != nil {
		return fmt.Errorf("invalid capability token: %w", err)
	}
	return nil
}

func checkValidator(_ context.Context, _ *Gate, p policy.Policy, req Request) error {
	if err := ValidateWorkspacePath(p, req.Context); err != nil {
		return err
	}
	if v, ok := validators[req.Operation]; ok {
		return v(p, req.Context)
	}
	return nil
}

// CheckPermission runs the predicate chain and records the decision.
func (g *Gate) CheckPermission(ctx context.Context, req Request) Decision {
	if err := ctx.Err(); err != nil {
		return Decision{Allowed: false, Reason: "cancelled: " + err.Error(), Step: StepRestriction}
	}
	p := g.policy.Snapshot()
	dec := Decision{Allowed: true, Reason: "allowed"}
	for _, pr := range predicates {
		if err := pr.check(ctx, g, p, req); err != nil {
			dec = Decision{Allowed: false, Reason: err.Error(), Step: pr.step}
			break
		}
	}
	g.record(ctx, req, dec)
	return dec
}

func (g *Gate) record(ctx context.Context, req Request, dec Decision) {
	outcome := audit.OutcomeAllow
	if !dec.Allowed {
		outcome = audit.OutcomeDeny
	}
	g.audit.Record(ctx, audit.Entry{
		Outcome:       outcome,
		Subject:       req.Subject,
		Operation:     req.Operation,
		Reason:        dec.Reason,
		ContextDigest: audit.Digest(req.Context.digestFields()),
		PolicyVersion: g.policy.PolicyVersion(),
		JobID:         req.JobID,
	})
	g.metrics.PermissionDecisions.Add(ctx, 1, metric.WithAttributes(
		otel.AttrOperation.String(req.Operation),
		otel.AttrOutcome.String(outcome),
	))

	g.mu.Lock()
	g.decisions++
	if !dec.Allowed {
		g.denials++
		g.bySubject[req.Subject]++
		g.recent = append(g.recent, Denial{
			Time:      g.now().UTC(),
			Subject:   req.Subject,
			Operation: req.Operation,
			Step:      dec.Step,
			Reason:    dec.Reason,
			JobID:     req.JobID,
		})
		if len(g.recent) > recentDenialLimit {
			g.recent = g.recent[len(g.recent)-recentDenialLimit:]
		}
	}
	g.mu.Unlock()

	logger := telemetry.FromContext(ctx, g.logger)
	if dec.Allowed {
		logger.Debug("permission granted", "subject", req.Subject, "operation", req.Operation)
		return
	}
	logger.Warn("permission denied",
		"subject", req.Subject, "operation", req.Operation, "step", dec.Step, "reason", dec.Reason)

	if g.bus != nil {
		g.bus.Publish(bus.TopicPermissionDenied, Denial{
			Time: g.now().UTC(), Subject: req.Subject, Operation: req.Operation,
			Step: dec.Step, Reason: dec.Reason, JobID: req.JobID,
		})
	}
	if policy.IsCritical(req.Operation) {
		g.metrics.SecurityAlerts.Add(ctx, 1, metric.WithAttributes(
			otel.AttrOperation.String(req.Operation),
			attribute.String("step", dec.Step),
		))
		if g.bus != nil {
			g.bus.Publish(bus.TopicSecurityAlert, bus.SecurityAlert{
				Subject:   req.Subject,
				Operation: req.Operation,
				Reason:    dec.Reason,
				Severity:  "critical",
				JobID:     req.JobID,
			})
		}
		logger.Error("critical operation denied", "subject", req.Subject, "operation", req.Operation)
	}
}

// Status returns counters and the most recent denials, newest last.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	by := make(map[string]int64, len(g.bySubject))
	for k, v := range g.bySubject {
		by[k] = v
	}
	recent := make([]Denial, len(g.recent))
	copy(recent, g.recent)
	return Status{
		PolicyVersion:    g.policy.PolicyVersion(),
		Decisions:        g.decisions,
		Denials:          g.denials,
		DenialsBySubject: by,
		RecentDenials:    recent,
	}
}
