package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-devpipe/internal/persistence"
)

func TestPut_VersionsStrictlyIncrease(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	last := 0
	for i := 0; i < 25; i++ {
		v, err := s.Put(ctx, NSArchitecture, "style", i, "agent3", 0.9)
		require.NoError(t, err)
		assert.Greater(t, v, last)
		last = v
	}
	other, err := s.Put(ctx, NSArchitecture, "db", "sqlite", "agent3", 0.9)
	require.NoError(t, err)
	assert.Equal(t, 1, other)
}

func TestPut_Validation(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	_, err := s.Put(ctx, "marketing", "k", 1, "a", 0.5)
	assert.ErrorIs(t, err, ErrUnknownNamespace)
	_, err = s.Put(ctx, NSQuality, " ", 1, "a", 0.5)
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = s.Put(ctx, NSQuality, "k", 1, "a", 1.5)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestPut_CancelledContextLeavesStoreUntouched(t *testing.T) {
	s := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, NSTechnical, "initial_spec", "x", "agent1", 0.8)
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.Get(NSTechnical, "initial_spec")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Status().CompletionPercentage)
}

func TestGet_LatestAndSpecificVersion(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	_, _ = s.Put(ctx, NSTechnical, "stack", "go", "agent4", 0.7)
	_, _ = s.Put(ctx, NSTechnical, "stack", "rust", "agent4", 0.6)

	e, err := s.Get(NSTechnical, "stack")
	require.NoError(t, err)
	assert.Equal(t, "rust", e.Value)
	assert.Equal(t, 2, e.Version)
	assert.Equal(t, "agent4", e.Writer)

	e, err = s.GetVersion(NSTechnical, "stack", 1)
	require.NoError(t, err)
	assert.Equal(t, "go", e.Value)

	_, err = s.GetVersion(NSTechnical, "stack", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(NSTechnical, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory_NewestFirstAndBounded(t *testing.T) {
	s := New(Options{HistoryWindow: 3})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, _ = s.Put(ctx, NSQuality, "score", i, "agent7", 0.5)
	}
	h, err := s.History(NSQuality, "score", 0)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, []int{5, 4, 3}, []int{h[0].Version, h[1].Version, h[2].Version})

	h, err = s.History(NSQuality, "score", 2)
	require.NoError(t, err)
	assert.Len(t, h, 2)

	_, err = s.GetVersion(NSQuality, "score", 1)
	assert.ErrorIs(t, err, ErrVersionEvicted)
}

func TestRollback_ReappliesValueAsNewVersion(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	v1, _ := s.Put(ctx, NSArchitecture, "main_architecture", "monolith", "agent3", 0.9)
	_, _ = s.Put(ctx, NSArchitecture, "main_architecture", "microservices", "agent3", 0.4)

	r1, err := s.Rollback(ctx, NSArchitecture, "main_architecture", v1, "operator")
	require.NoError(t, err)
	e, err := s.Get(NSArchitecture, "main_architecture")
	require.NoError(t, err)
	assert.Equal(t, "monolith", e.Value)
	assert.Equal(t, r1, e.Version)
	assert.Equal(t, 0.9, e.Confidence)

	r2, err := s.Rollback(ctx, NSArchitecture, "main_architecture", v1, "operator")
	require.NoError(t, err)
	assert.Greater(t, r2, r1)
	e, _ = s.Get(NSArchitecture, "main_architecture")
	assert.Equal(t, "monolith", e.Value)
}

func TestRollback_EvictedTargetFails(t *testing.T) {
	s := New(Options{HistoryWindow: 2})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = s.Put(ctx, NSTechnical, "k", i, "a", 0.5)
	}
	_, err := s.Rollback(ctx, NSTechnical, "k", 1, "op")
	assert.ErrorIs(t, err, ErrVersionEvicted)
}

func TestDerivedMetrics(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	st := s.Status()
	assert.Equal(t, "initial", st.CurrentPhase)
	assert.Equal(t, 0, st.CompletionPercentage)

	_, err := s.Put(ctx, NSTechnical, "initial_spec", map[string]any{"title": "x"}, "agent1", 0.8)
	require.NoError(t, err)
	st = s.Status()
	assert.Equal(t, 12, st.CompletionPercentage)
	assert.Equal(t, "user_stories", st.CurrentPhase)

	for _, m := range DefaultMilestones() {
		_, err := s.Put(ctx, m.Namespace, m.Key, "done", "agent", 0.8)
		require.NoError(t, err)
	}
	st = s.Status()
	assert.Equal(t, 100, st.CompletionPercentage)
	assert.Equal(t, PhaseCompleted, st.CurrentPhase)

	// Unchanged metrics do not allocate new versions.
	before, _ := s.Get(NSProject, KeyCompletionPercentage)
	_, _ = s.Put(ctx, NSQuality, "lint", "ok", "agent7", 0.9)
	after, _ := s.Get(NSProject, KeyCompletionPercentage)
	assert.Equal(t, before.Version, after.Version)
}

func TestDerivedMetrics_DirectWriteDoesNotRecurse(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	_, err := s.Put(ctx, NSProject, KeyCompletionPercentage, 55, "agent8", 1.0)
	require.NoError(t, err)
	// The recomputation immediately restores the derived value.
	assert.Equal(t, 0, s.Status().CompletionPercentage)
}

func TestDependenciesRecorded(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	_, _ = s.Put(ctx, NSArchitecture, "main_architecture", "hexagonal", "agent3", 0.9)
	_, _ = s.Put(ctx, NSTechnical, "technical_tasks", []string{"a"}, "agent4", 0.9)
	_, _ = s.Put(ctx, NSQuality, "code_review", "ok", "agent7", 0.9)

	e, err := s.Get(NSQuality, "code_review")
	require.NoError(t, err)
	assert.Equal(t, []string{"architecture:main_architecture", "technical:technical_tasks"}, e.Dependencies)
}

func TestContextFor(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	_, _ = s.Put(ctx, NSArchitecture, "main_architecture", "layered", "agent3", 0.9)
	_, _ = s.Put(ctx, NSTechnical, "user_stories", []string{"s1"}, "agent2", 0.9)

	got := s.ContextFor([]string{"architecture.main_architecture", "user_stories", "quality.code_review", "nope"})
	assert.Equal(t, "layered", got["architecture.main_architecture"])
	assert.Equal(t, []string{"s1"}, got["user_stories"])
	assert.NotContains(t, got, "quality.code_review")
	assert.NotContains(t, got, "nope")
}

func TestSnapshotAndDelete(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	_, _ = s.Put(ctx, NSTechnical, "initial_spec", "spec", "agent1", 0.8)
	snap := s.Snapshot()
	assert.Equal(t, "spec", snap.Namespaces[NSTechnical]["initial_spec"].Value)
	assert.Contains(t, snap.Namespaces[NSProject], KeyCurrentPhase)

	require.NoError(t, s.Delete(ctx, NSTechnical, "initial_spec"))
	_, err := s.Get(NSTechnical, "initial_spec")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Status().CompletionPercentage)
}

func TestDeleteKeepsVersionSequence(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	v1, err := s.Put(ctx, NSQuality, "lint", "a", "agent7", 0.9)
	require.NoError(t, err)
	v2, err := s.Put(ctx, NSQuality, "lint", "b", "agent7", 0.9)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, []int{v1, v2})

	require.NoError(t, s.Delete(ctx, NSQuality, "lint"))
	hist, err := s.History(NSQuality, "lint", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
	_, err = s.Get(NSQuality, "lint")
	assert.ErrorIs(t, err, ErrNotFound)

	v3, err := s.Put(ctx, NSQuality, "lint", "c", "agent7", 0.9)
	require.NoError(t, err)
	assert.Equal(t, 3, v3)
	e, err := s.Get(NSQuality, "lint")
	require.NoError(t, err)
	assert.Equal(t, "c", e.Value)
}

func TestConcurrentPutsKeepVersionsUnique(t *testing.T) {
	s := New(Options{HistoryWindow: 1000})
	ctx := context.Background()
	var wg sync.WaitGroup
	versions := make(chan int, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Put(ctx, NSQuality, "shared", i, "writer", 0.5)
			assert.NoError(t, err)
			versions <- v
		}(i)
	}
	wg.Wait()
	close(versions)
	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "duplicate version %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, 200)
}

type failingMirror struct{ calls int }

func (m *failingMirror) MirrorKnowledge(context.Context, persistence.KnowledgeRecord, time.Time) error {
	m.calls++
	return errors.New("disk full")
}

func (m *failingMirror) TrimKnowledgeHistory(context.Context, string, int) error { return nil }

func TestMirrorFailureDoesNotFailPut(t *testing.T) {
	m := &failingMirror{}
	s := New(Options{Mirror: m})
	_, err := s.Put(context.Background(), NSTechnical, "initial_spec", "x", "agent1", 0.8)
	require.NoError(t, err)
	assert.Greater(t, m.calls, 0)
}

func TestMirrorWritesScopedKeys(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "devpipe.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	s := New(Options{Mirror: store, Scope: "job-1", HistoryWindow: 2, Now: func() time.Time { return clock }})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.Put(ctx, NSArchitecture, "style", i, "agent3", 0.9)
		require.NoError(t, err)
	}

	cur, err := store.LoadKnowledgeCurrent(ctx, clock)
	require.NoError(t, err)
	rec, ok := cur["job-1/architecture:style"]
	require.True(t, ok)
	assert.Equal(t, 4, rec.Version)

	hist, err := store.KnowledgeHistory(ctx, "job-1/architecture:style", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}
