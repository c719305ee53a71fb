package pipeline

import (
	"fmt"
	"time"

	"github.com/basket/go-devpipe/internal/recovery"
)

// Kind enumerates the controller's states. A Stage state additionally carries
// the index of the stage being executed.
type Kind int

const (
	KindStage Kind = iota
	KindRecovering
	KindRolledBack
	KindDegraded
	KindEscalated
	KindComplete
	KindLoopDetected
	KindStepLimitExceeded
	KindTimedOut
	KindCancelled
)

var kindNames = map[Kind]string{
	KindStage:             "stage",
	KindRecovering:        "recovering",
	KindRolledBack:        "rolled_back",
	KindDegraded:          "degraded",
	KindEscalated:         "escalated",
	KindComplete:          "complete",
	KindLoopDetected:      "loop_detected",
	KindStepLimitExceeded: "step_limit_exceeded",
	KindTimedOut:          "timeout",
	KindCancelled:         "cancelled",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is a position in the state machine. Stage is the current stage index
// for KindStage, and the stage that failed for KindRecovering and KindDegraded.
type State struct {
	Kind  Kind
	Stage int
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	switch s.Kind {
	case KindEscalated, KindComplete, KindLoopDetected, KindStepLimitExceeded, KindTimedOut, KindCancelled:
		return true
	}
	return false
}

func (s State) String() string {
	if s.Kind == KindStage {
		return fmt.Sprintf("stage_%d", s.Stage+1)
	}
	return s.Kind.String()
}

// Event drives one transition.
type Event int

const (
	// EventSucceeded: the current stage finished.
	EventSucceeded Event = iota
	// EventFailed: the current stage failed, or a degraded stage's fallback failed.
	EventFailed
	// EventAdvance moves out of Recovering, RolledBack and Degraded.
	EventAdvance
	EventTimedOut
	EventCancelled
)

// Input is the event plus the facts the transition policy needs.
type Input struct {
	Event Event
	// LoopBack asks to re-enter the review stage. Only honored on the last stage.
	LoopBack bool
	// Disposition of the recovery directive planned for an EventFailed.
	Disposition recovery.Disposition
}

// Counters is the numeric part of the run state.
type Counters struct {
	FailureCount     int
	RecoveryAttempts int
	ReviewIterations int
	Steps            int
	// RecoveryStage is the stage index whose failure started the current
	// recovery cycle, or -1.
	RecoveryStage int
}

// NewCounters returns zeroed counters with no recovery in progress.
func NewCounters() Counters {
	return Counters{RecoveryStage: -1}
}

// Limits are the caps applied by Transition.
type Limits struct {
	Stages              int
	ReviewStage         int // -1 disables loop-back
	MaxAutoRetries      int
	MaxRetryAttempts    int
	RecursionLimit      int
	MaxReviewIterations int
}

// Transition is the pure transition function of the controller. It never
// inspects stage content. Every transition out of a non-terminal state counts
// one step; exceeding the recursion limit ends the run.
func Transition(s State, c Counters, in Input, l Limits) (State, Counters) {
	if s.Terminal() {
		return s, c
	}
	c.Steps++
	switch in.Event {
	case EventCancelled:
		return State{Kind: KindCancelled, Stage: s.Stage}, c
	case EventTimedOut:
		return State{Kind: KindTimedOut, Stage: s.Stage}, c
	}
	if l.RecursionLimit > 0 && c.Steps > l.RecursionLimit {
		return State{Kind: KindStepLimitExceeded, Stage: s.Stage}, c
	}

	switch s.Kind {
	case KindStage:
		if in.Event == EventSucceeded {
			return succeed(s, c, in, l)
		}
		if in.Event == EventFailed {
			return fail(s, c, in, l)
		}
	case KindRecovering:
		if in.Event == EventAdvance {
			c.RecoveryAttempts++
			return State{Kind: KindRolledBack, Stage: s.Stage}, c
		}
	case KindRolledBack:
		if in.Event == EventAdvance {
			return State{Kind: KindStage, Stage: 0}, c
		}
	case KindDegraded:
		switch in.Event {
		case EventAdvance:
			// The placeholder stands in for the stage output.
			c.FailureCount = 0
			c.RecoveryStage = -1
			return next(s.Stage, c, l)
		case EventFailed:
			return State{Kind: KindEscalated, Stage: s.Stage}, c
		}
	}
	// Events that do not apply to the current state leave it unchanged.
	return s, c
}

func succeed(s State, c Counters, in Input, l Limits) (State, Counters) {
	if c.RecoveryStage == s.Stage {
		c.FailureCount = 0
		c.RecoveryStage = -1
	}
	last := s.Stage == l.Stages-1
	if last && in.LoopBack && l.ReviewStage >= 0 && c.ReviewIterations < l.MaxReviewIterations {
		c.ReviewIterations++
		return State{Kind: KindStage, Stage: l.ReviewStage}, c
	}
	return next(s.Stage, c, l)
}

func next(stage int, c Counters, l Limits) (State, Counters) {
	if stage >= l.Stages-1 {
		return State{Kind: KindComplete, Stage: stage}, c
	}
	return State{Kind: KindStage, Stage: stage + 1}, c
}

// fail applies the failure decision order: unconditional escalation, the
// rollback ceiling, the retry budget, degraded continuation, then rollback.
func fail(s State, c Counters, in Input, l Limits) (State, Counters) {
	c.FailureCount++
	c.RecoveryStage = s.Stage
	switch {
	case in.Disposition == recovery.Escalate:
		return State{Kind: KindEscalated, Stage: s.Stage}, c
	case c.RecoveryAttempts >= l.MaxRetryAttempts:
		return State{Kind: KindLoopDetected, Stage: s.Stage}, c
	case c.FailureCount >= l.MaxAutoRetries:
		return State{Kind: KindEscalated, Stage: s.Stage}, c
	case in.Disposition == recovery.Degrade:
		return State{Kind: KindDegraded, Stage: s.Stage}, c
	default:
		return State{Kind: KindRecovering, Stage: s.Stage}, c
	}
}

// Percent is the share of stages finished before state s.
func Percent(s State, stages int) float64 {
	if stages <= 0 {
		return 0
	}
	switch s.Kind {
	case KindComplete:
		return 100
	case KindRolledBack:
		return 0
	default:
		return float64(s.Stage) / float64(stages) * 100
	}
}

// LastOperation records the most recent stage attempt.
type LastOperation struct {
	Success bool
	StageID string
	Err     error
	Time    time.Time
}

// RunState is owned by one run. It is mutated only by the goroutine driving
// that run.
type RunState struct {
	JobID   string
	RunID   string
	State   State
	Results map[string]any // latest output per stage id
	Last    LastOperation
	Counters
}

func newRunState(jobID, runID string) *RunState {
	return &RunState{
		JobID:    jobID,
		RunID:    runID,
		State:    State{Kind: KindStage, Stage: 0},
		Results:  make(map[string]any),
		Counters: NewCounters(),
	}
}

// IncrementRecoveryAttempts bumps the monotonic rollback counter and returns
// the new value.
func (r *RunState) IncrementRecoveryAttempts() int {
	r.RecoveryAttempts++
	return r.RecoveryAttempts
}
