package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/shared"
	"github.com/basket/go-devpipe/internal/telemetry"
)

const (
	DefaultHistorySize         = 100
	DefaultSuggestionThreshold = 3
)

// Failure describes one failed stage attempt.
type Failure struct {
	Err       error
	StageID   string
	Subject   string
	Operation string
	JobID     string
}

func (f Failure) message() string {
	if f.Err == nil {
		return ""
	}
	return strings.ToLower(f.Err.Error())
}

// Record is one planned recovery kept in the bounded history.
type Record struct {
	Time     time.Time
	Type     FailureType
	Strategy Strategy
	StageID  string
	Subject  string
	JobID    string
	Error    string
	Resolved bool
}

// Options configures a Coordinator. Every field is optional.
type Options struct {
	HistorySize         int
	SuggestionThreshold int
	Backoff             BackoffConfig
	Bus                 *bus.Bus
	Logger              *slog.Logger
	Instruments         *otel.Instruments
	Now                 func() time.Time
}

// Coordinator plans recoveries and keeps statistics about them. It is shared
// by all runs and safe for concurrent use.
type Coordinator struct {
	size      int
	threshold int
	backoff   BackoffConfig
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics
	now       func() time.Time

	mu      sync.Mutex
	history []Record // oldest first
}

// NewCoordinator builds a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	inst := opts.Instruments
	if inst == nil {
		inst = otel.NoopInstruments()
	}
	c := &Coordinator{
		size:      opts.HistorySize,
		threshold: opts.SuggestionThreshold,
		backoff:   opts.Backoff,
		bus:       opts.Bus,
		logger:    telemetry.Component(opts.Logger, "recovery"),
		metrics:   inst.Metrics,
		now:       opts.Now,
	}
	if c.size <= 0 {
		c.size = DefaultHistorySize
	}
	if c.threshold <= 0 {
		c.threshold = DefaultSuggestionThreshold
	}
	if c.backoff.Initial <= 0 {
		c.backoff = DefaultBackoff()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Plan classifies the failure, builds a directive and records it.
func (c *Coordinator) Plan(ctx context.Context, f Failure) Directive {
	d := c.PlanRecovery(Classify(f.Err), f)

	rec := Record{
		Time:     c.now().UTC(),
		Type:     d.FailureType,
		Strategy: d.Strategy,
		StageID:  f.StageID,
		Subject:  f.Subject,
		JobID:    f.JobID,
	}
	if f.Err != nil {
		rec.Error = shared.Redact(f.Err.Error())
	}
	c.mu.Lock()
	c.history = append(c.history, rec)
	if len(c.history) > c.size {
		c.history = append([]Record(nil), c.history[len(c.history)-c.size:]...)
	}
	c.mu.Unlock()

	c.metrics.RecoveryDirectives.Add(ctx, 1, metric.WithAttributes(
		otel.AttrFailureType.String(string(d.FailureType)),
		attribute.String("disposition", d.Disposition.String()),
	))
	if c.bus != nil {
		c.bus.Publish(bus.TopicRecoveryPlanned, d)
	}
	telemetry.FromContext(ctx, c.logger).Warn("recovery planned",
		"failure_type", d.FailureType, "strategy", d.Strategy,
		"disposition", d.Disposition.String(), "stage", f.StageID, "subject", f.Subject)
	return d
}

// PlanRecovery builds the directive for an already classified failure without
// recording it.
func (c *Coordinator) PlanRecovery(t FailureType, f Failure) Directive {
	p, ok := planners[t]
	if !ok {
		t = Unknown
		p = planGeneric
	}
	d := p(c, f)
	d.FailureType = t
	if d.Reason == "" {
		d.Reason = fmt.Sprintf("%s in stage %s", t, f.StageID)
	}
	return d
}

// MarkResolved flags the outstanding records of a job's stage as recovered.
// The controller calls it when the stage later succeeds.
func (c *Coordinator) MarkResolved(jobID, stageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.history {
		r := &c.history[i]
		if !r.Resolved && r.JobID == jobID && r.StageID == stageID {
			r.Resolved = true
			n++
		}
	}
	return n
}

// TypeCount pairs a failure type with its frequency.
type TypeCount struct {
	Type  FailureType
	Count int
}

// Stats summarizes the retained history.
type Stats struct {
	Total        int
	Resolved     int
	SuccessRate  float64
	ByType       map[FailureType]int
	BySubject    map[string]int
	MostCommon   []TypeCount // at most five, most frequent first
	LastRecovery time.Time
}

// Statistics summarizes the retained history.
func (c *Coordinator) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		ByType:    make(map[FailureType]int),
		BySubject: make(map[string]int),
	}
	if len(c.history) == 0 {
		return st
	}
	for _, r := range c.history {
		st.Total++
		st.ByType[r.Type]++
		st.BySubject[r.Subject]++
		if r.Resolved {
			st.Resolved++
		}
	}
	st.SuccessRate = float64(st.Resolved) / float64(st.Total)
	st.LastRecovery = c.history[len(c.history)-1].Time
	for t, n := range st.ByType {
		st.MostCommon = append(st.MostCommon, TypeCount{Type: t, Count: n})
	}
	sort.Slice(st.MostCommon, func(i, j int) bool {
		if st.MostCommon[i].Count != st.MostCommon[j].Count {
			return st.MostCommon[i].Count > st.MostCommon[j].Count
		}
		return st.MostCommon[i].Type < st.MostCommon[j].Type
	})
	if len(st.MostCommon) > 5 {
		st.MostCommon = st.MostCommon[:5]
	}
	return st
}

// History returns a copy of the retained records, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.history))
	copy(out, c.history)
	return out
}

var genericSuggestions = []string{
	"monitor system resource usage regularly",
	"keep frequent backups of project state",
	"configure alerts for early failure detection",
	"run periodic stress tests",
}

// PreventiveSuggestions proposes measures for (type, subject) pairs that
// recur more often than the threshold. Generic advice is returned when no
// pattern stands out.
func (c *Coordinator) PreventiveSuggestions() []string {
	type pair struct {
		t       FailureType
		subject string
	}
	c.mu.Lock()
	counts := make(map[pair]int)
	for _, r := range c.history {
		counts[pair{r.Type, r.Subject}]++
	}
	c.mu.Unlock()

	pairs := make([]pair, 0, len(counts))
	for p, n := range counts {
		if n > c.threshold {
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].t != pairs[j].t {
			return pairs[i].t < pairs[j].t
		}
		return pairs[i].subject < pairs[j].subject
	})

	var out []string
	for _, p := range pairs {
		switch p.t {
		case Validation:
			out = append(out, fmt.Sprintf("review %s prompts to improve output validation", p.subject))
		case Generation:
			out = append(out, fmt.Sprintf("lower %s temperature for more stable code generation", p.subject))
		case Review:
			out = append(out, fmt.Sprintf("raise quality criteria for %s reviews", p.subject))
		case Network:
			out = append(out, fmt.Sprintf("improve network fault tolerance for services used by %s", p.subject))
		case Permission:
			out = append(out, fmt.Sprintf("audit static restrictions and token issuance for %s", p.subject))
		case System, ResourceExhaustion:
			out = append(out, fmt.Sprintf("reduce resource pressure for %s", p.subject))
		}
	}
	if len(out) == 0 {
		return append([]string(nil), genericSuggestions...)
	}
	return out
}
