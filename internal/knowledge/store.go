// Package knowledge is the versioned, namespaced store that carries each
// stage's decisions to later stages.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-devpipe/internal/otel"
	"github.com/basket/go-devpipe/internal/persistence"
	"github.com/basket/go-devpipe/internal/telemetry"
)

// Namespaces accepted by the store.
const (
	NSArchitecture = "architecture"
	NSTechnical    = "technical"
	NSQuality      = "quality"
	NSProject      = "project"
)

var namespaces = []string{NSArchitecture, NSTechnical, NSQuality, NSProject}

// Derived project keys maintained by the store itself.
const (
	KeyCompletionPercentage = "completion_percentage"
	KeyCurrentPhase         = "current_phase"

	systemWriter = "system"
)

const (
	DefaultHistoryWindow = 10
	DefaultCurrentTTL    = time.Hour
	DefaultHistoryTTL    = 24 * time.Hour
)

var (
	ErrNotFound         = errors.New("knowledge: not found")
	ErrVersionEvicted   = errors.New("knowledge: version outside retained window")
	ErrUnknownNamespace = errors.New("knowledge: unknown namespace")
	ErrInvalidEntry     = errors.New("knowledge: invalid entry")
)

// Entry is one historical value of a key.
type Entry struct {
	Value        any       `json:"value"`
	Version      int       `json:"version"`
	Writer       string    `json:"writer"`
	Timestamp    time.Time `json:"timestamp"`
	Confidence   float64   `json:"confidence"`
	Dependencies []string  `json:"dependencies,omitempty"`
}

// Mirror is the best-effort durable copy. *persistence.Store satisfies it.
type Mirror interface {
	MirrorKnowledge(ctx context.Context, rec persistence.KnowledgeRecord, historyExpires time.Time) error
	TrimKnowledgeHistory(ctx context.Context, nsKey string, keep int) error
}

// Options configures a Store. Every field is optional.
type Options struct {
	// Scope prefixes mirror keys so concurrent runs sharing one mirror never collide.
	Scope         string
	Mirror        Mirror
	Milestones    []Milestone
	HistoryWindow int
	CurrentTTL    time.Duration
	HistoryTTL    time.Duration
	Logger        *slog.Logger
	Instruments   *otel.Instruments
	Now           func() time.Time
}

type keyState struct {
	latest  int
	entries []Entry // oldest first, at most window long
}

// Store is safe for concurrent use. Every mutation, including the derived
// metric recomputation, runs under one mutex.
type Store struct {
	scope      string
	mirror     Mirror
	milestones []Milestone
	window     int
	currentTTL time.Duration
	historyTTL time.Duration
	logger     *slog.Logger
	metrics    *otel.Metrics
	now        func() time.Time

	mu          sync.Mutex
	data        map[string]map[string]*keyState
	recomputing bool
}

// New builds a store seeded with the initial project state.
func New(opts Options) *Store {
	inst := opts.Instruments
	if inst == nil {
		inst = otel.NoopInstruments()
	}
	s := &Store{
		scope:      opts.Scope,
		mirror:     opts.Mirror,
		milestones: opts.Milestones,
		window:     opts.HistoryWindow,
		currentTTL: opts.CurrentTTL,
		historyTTL: opts.HistoryTTL,
		logger:     telemetry.Component(opts.Logger, "knowledge"),
		metrics:    inst.Metrics,
		now:        opts.Now,
		data:       make(map[string]map[string]*keyState, len(namespaces)),
	}
	if s.milestones == nil {
		s.milestones = DefaultMilestones()
	}
	if s.window <= 0 {
		s.window = DefaultHistoryWindow
	}
	if s.currentTTL <= 0 {
		s.currentTTL = DefaultCurrentTTL
	}
	if s.historyTTL <= 0 {
		s.historyTTL = DefaultHistoryTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, ns := range namespaces {
		s.data[ns] = make(map[string]*keyState)
	}

	s.mu.Lock()
	var pending []persistence.KnowledgeRecord
	pending = append(pending, s.putLocked(NSProject, KeyCurrentPhase, "initial", systemWriter, 1.0))
	pending = append(pending, s.putLocked(NSProject, KeyCompletionPercentage, 0, systemWriter, 1.0))
	s.mu.Unlock()
	s.mirrorAll(context.Background(), pending)
	return s
}

// Put appends a new version of ns/key and returns it. Derived completion
// metrics are recomputed before the lock is released. A cancelled context
// leaves the store untouched.
func (s *Store) Put(ctx context.Context, ns, key string, value any, writer string, confidence float64) (int, error) {
	if err := validEntry(ns, key, confidence); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	rec := s.putLocked(ns, key, value, writer, confidence)
	pending := append([]persistence.KnowledgeRecord{rec}, s.recomputeLocked()...)
	s.mu.Unlock()

	s.metrics.KnowledgeWrites.Add(ctx, 1, metric.WithAttributes(otel.AttrNamespace.String(ns)))
	telemetry.FromContext(ctx, s.logger).Debug("knowledge updated",
		"ns", ns, "key", key, "version", rec.Version, "writer", writer, "confidence", confidence)
	s.mirrorAll(ctx, pending)
	return rec.Version, nil
}

func validEntry(ns, key string, confidence float64) error {
	if !knownNamespace(ns) {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidEntry, confidence)
	}
	return nil
}

func knownNamespace(ns string) bool {
	for _, n := range namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// putLocked appends the entry and returns the mirror record for it. Callers hold s.mu.
func (s *Store) putLocked(ns, key string, value any, writer string, confidence float64) persistence.KnowledgeRecord {
	st := s.data[ns][key]
	if st == nil {
		st = &keyState{}
		s.data[ns][key] = st
	}
	st.latest++
	e := Entry{
		Value:        value,
		Version:      st.latest,
		Writer:       writer,
		Timestamp:    s.now().UTC(),
		Confidence:   confidence,
		Dependencies: s.dependenciesLocked(ns, key),
	}
	st.entries = append(st.entries, e)
	if len(st.entries) > s.window {
		st.entries = append([]Entry(nil), st.entries[len(st.entries)-s.window:]...)
	}
	return s.recordFor(ns, key, e)
}

// dependenciesLocked lists the architecture and technical decisions that
// exist when a new entry is written.
func (s *Store) dependenciesLocked(ns, key string) []string {
	var deps []string
	for _, dns := range []string{NSArchitecture, NSTechnical} {
		keys := make([]string, 0, len(s.data[dns]))
		for k, st := range s.data[dns] {
			if dns == ns && k == key {
				continue
			}
			if len(st.entries) > 0 && st.entries[len(st.entries)-1].Value != nil {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			deps = append(deps, dns+":"+k)
		}
	}
	return deps
}

// recomputeLocked refreshes the derived project metrics. The recomputing flag
// stops the derived writes from triggering another pass.
func (s *Store) recomputeLocked() []persistence.KnowledgeRecord {
	if s.recomputing {
		return nil
	}
	s.recomputing = true
	defer func() { s.recomputing = false }()

	pct, phase := s.progressLocked()
	var out []persistence.KnowledgeRecord
	if cur, ok := s.latestLocked(NSProject, KeyCompletionPercentage); !ok || cur.Value != pct {
		out = append(out, s.putLocked(NSProject, KeyCompletionPercentage, pct, systemWriter, 1.0))
	}
	if cur, ok := s.latestLocked(NSProject, KeyCurrentPhase); !ok || cur.Value != phase {
		out = append(out, s.putLocked(NSProject, KeyCurrentPhase, phase, systemWriter, 1.0))
	}
	return out
}

func (s *Store) progressLocked() (int, string) {
	if len(s.milestones) == 0 {
		return 0, "initial"
	}
	done := 0
	phase := ""
	for _, m := range s.milestones {
		if e, ok := s.latestLocked(m.Namespace, m.Key); ok && e.Value != nil {
			done++
			continue
		}
		if phase == "" {
			phase = m.Phase
		}
	}
	if phase == "" {
		phase = PhaseCompleted
	}
	return done * 100 / len(s.milestones), phase
}

func (s *Store) latestLocked(ns, key string) (Entry, bool) {
	st := s.data[ns][key]
	if st == nil || len(st.entries) == 0 {
		return Entry{}, false
	}
	return st.entries[len(st.entries)-1], true
}

// Get returns the latest entry for ns/key.
func (s *Store) Get(ns, key string) (Entry, error) {
	if !knownNamespace(ns) {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.latestLocked(ns, key)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s:%s", ErrNotFound, ns, key)
	}
	return e, nil
}

// GetVersion returns a specific version. Versions older than the retained
// window report ErrVersionEvicted; versions never written report ErrNotFound.
func (s *Store) GetVersion(ns, key string, version int) (Entry, error) {
	if !knownNamespace(ns) {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionLocked(ns, key, version)
}

func (s *Store) versionLocked(ns, key string, version int) (Entry, error) {
	st := s.data[ns][key]
	if st == nil || version <= 0 || version > st.latest {
		return Entry{}, fmt.Errorf("%w: %s:%s v%d", ErrNotFound, ns, key, version)
	}
	for i := len(st.entries) - 1; i >= 0; i-- {
		if st.entries[i].Version == version {
			return st.entries[i], nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s:%s v%d", ErrVersionEvicted, ns, key, version)
}

// History returns up to max retained entries, newest first. max <= 0 returns
// the whole retained window.
func (s *Store) History(ns, key string, max int) ([]Entry, error) {
	if !knownNamespace(ns) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data[ns][key]
	if st == nil {
		return nil, nil
	}
	n := len(st.entries)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Entry, 0, n)
	for i := len(st.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, st.entries[i])
	}
	return out, nil
}

// Rollback re-applies the value stored at target as a new version and returns
// that new version.
func (s *Store) Rollback(ctx context.Context, ns, key string, target int, writer string) (int, error) {
	if !knownNamespace(ns) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	old, err := s.versionLocked(ns, key, target)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("rollback: %w", err)
	}
	rec := s.putLocked(ns, key, old.Value, writer, old.Confidence)
	pending := append([]persistence.KnowledgeRecord{rec}, s.recomputeLocked()...)
	s.mu.Unlock()

	s.metrics.KnowledgeWrites.Add(ctx, 1, metric.WithAttributes(otel.AttrNamespace.String(ns)))
	telemetry.FromContext(ctx, s.logger).Info("knowledge rolled back",
		"ns", ns, "key", key, "target_version", target, "new_version", rec.Version)
	s.mirrorAll(ctx, pending)
	return rec.Version, nil
}

// Delete drops a key's value and history. The version counter survives, so a
// later Put continues past the last version handed out.
func (s *Store) Delete(ctx context.Context, ns, key string) error {
	if !knownNamespace(ns) {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if st := s.data[ns][key]; st != nil {
		st.entries = nil
	}
	pending := s.recomputeLocked()
	s.mu.Unlock()
	s.mirrorAll(ctx, pending)
	return nil
}

// ContextFor resolves "ns.key" references to their latest values. A bare key
// is looked up in every namespace in order. Missing references are omitted.
func (s *Store) ContextFor(refs []string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(refs))
	for _, ref := range refs {
		if ns, key, ok := strings.Cut(ref, "."); ok && knownNamespace(ns) {
			if e, found := s.latestLocked(ns, key); found {
				out[ref] = e.Value
			}
			continue
		}
		for _, ns := range namespaces {
			if e, found := s.latestLocked(ns, ref); found && e.Value != nil {
				out[ref] = e.Value
				break
			}
		}
	}
	return out
}

func (s *Store) recordFor(ns, key string, e Entry) persistence.KnowledgeRecord {
	b, err := json.Marshal(e)
	if err != nil {
		// Values that cannot be encoded are mirrored without their payload.
		e.Value = fmt.Sprintf("%v", e.Value)
		b, _ = json.Marshal(e)
	}
	return persistence.KnowledgeRecord{
		NSKey:     s.mirrorKey(ns, key),
		Version:   e.Version,
		EntryJSON: string(b),
		ExpiresAt: e.Timestamp.Add(s.currentTTL),
	}
}

func (s *Store) mirrorKey(ns, key string) string {
	if s.scope == "" {
		return ns + ":" + key
	}
	return s.scope + "/" + ns + ":" + key
}

// mirrorAll pushes records to the durable mirror. Failures are logged and
// never surface to the writer.
func (s *Store) mirrorAll(ctx context.Context, recs []persistence.KnowledgeRecord) {
	if s.mirror == nil || len(recs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, rec := range recs {
		historyExpires := rec.ExpiresAt.Add(s.historyTTL - s.currentTTL)
		if err := s.mirror.MirrorKnowledge(ctx, rec, historyExpires); err != nil {
			s.logger.Warn("knowledge mirror write failed", "key", rec.NSKey, "error", err)
			continue
		}
		if err := s.mirror.TrimKnowledgeHistory(ctx, rec.NSKey, s.window); err != nil {
			s.logger.Warn("knowledge mirror trim failed", "key", rec.NSKey, "error", err)
		}
	}
}
