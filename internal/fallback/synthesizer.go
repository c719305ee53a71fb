// Package fallback produces schema-valid, low-confidence placeholder output
// for a stage whose recovery has been exhausted.
package fallback

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/telemetry"
)

// Confidence is the fixed confidence of every placeholder.
const Confidence = 0.5

const genericSchema = "generic"

//go:embed schemas/*.json
var schemaFS embed.FS

// KnowledgeWriter receives the placeholder. *knowledge.Store satisfies it.
type KnowledgeWriter interface {
	Put(ctx context.Context, ns, key string, value any, writer string, confidence float64) (int, error)
}

// RecoveryCounter is the run state counter the synthesizer bumps.
type RecoveryCounter interface {
	IncrementRecoveryAttempts() int
}

// Request names the stage to synthesize and where its output lives.
type Request struct {
	StageID     string
	Description string // original run input, used to parameterize templates
	Namespace   string
	Key         string
}

// Output is a synthesized placeholder.
type Output struct {
	StageID    string
	Value      map[string]any
	Confidence float64
	Version    int
	Writer     string
}

// Options configures a Synthesizer.
type Options struct {
	Logger      *slog.Logger
	Instruments *otel.Instruments
	Now         func() time.Time
}

// Synthesizer holds the compiled per-stage schemas. It is safe for concurrent use.
type Synthesizer struct {
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
}

// New compiles every embedded schema.
func New(opts Options) (*Synthesizer, error) {
	inst := opts.Instruments
	if inst == nil {
		inst = otel.NoopInstruments()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Synthesizer{
		schemas: schemas,
		logger:  telemetry.Component(opts.Logger, "fallback"),
		metrics: inst.Metrics,
		now:     now,
	}, nil
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	var names []string
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[strings.TrimSuffix(name, ".json")] = sch
	}
	if _, ok := out[genericSchema]; !ok {
		return nil, errors.New("generic fallback schema missing")
	}
	return out, nil
}

// Synthesize builds the placeholder for req.StageID, validates it, writes it
// to the knowledge store at Confidence and bumps the run's recovery counter.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request, store KnowledgeWriter, counter RecoveryCounter) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	in := Input{StageID: req.StageID, Description: req.Description, Now: s.now()}

	value, schemaName := genericTemplate(in), genericSchema
	if tpl, ok := templates[req.StageID]; ok {
		value = tpl(in)
		if _, ok := s.schemas[req.StageID]; ok {
			schemaName = req.StageID
		}
	}
	if err := s.Validate(schemaName, value); err != nil {
		return Output{}, err
	}

	writer := "fallback_" + req.StageID
	out := Output{StageID: req.StageID, Value: value, Confidence: Confidence, Writer: writer}
	if store != nil && req.Namespace != "" && req.Key != "" {
		v, err := store.Put(ctx, req.Namespace, req.Key, value, writer, Confidence)
		if err != nil {
			return Output{}, fmt.Errorf("store fallback for %s: %w", req.StageID, err)
		}
		out.Version = v
	}
	attempts := 0
	if counter != nil {
		attempts = counter.IncrementRecoveryAttempts()
	}

	s.metrics.FallbacksSynthesized.Add(ctx, 1, metric.WithAttributes(otel.AttrStageID.String(req.StageID)))
	telemetry.FromContext(ctx, s.logger).Warn("fallback output synthesized",
		"stage", req.StageID, "schema", schemaName, "recovery_attempts", attempts)
	return out, nil
}

// Validate checks value against the named stage schema.
func (s *Synthesizer) Validate(schemaName string, value any) error {
	sch, ok := s.schemas[schemaName]
	if !ok {
		return fmt.Errorf("no fallback schema %q", schemaName)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode fallback %s: %w", schemaName, err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode fallback %s: %w", schemaName, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("fallback %s fails schema: %w", schemaName, err)
	}
	return nil
}

// Stages lists the stage ids with a dedicated template.
func Stages() []string {
	out := make([]string, 0, len(templates))
	for id := range templates {
		out = append(out, id)
	}
	return out
}
