package knowledge

import "time"

// PhaseCompleted is reported once every milestone has a value.
const PhaseCompleted = "completed"

// Milestone marks a project phase as done once Namespace/Key holds a value.
type Milestone struct {
	Phase     string
	Namespace string
	Key       string
}

// DefaultMilestones returns the milestone keys written by the default pipeline, in order.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{Phase: "specification", Namespace: NSTechnical, Key: "initial_spec"},
		{Phase: "user_stories", Namespace: NSTechnical, Key: "user_stories"},
		{Phase: "architecture", Namespace: NSArchitecture, Key: "main_architecture"},
		{Phase: "technical_tasks", Namespace: NSTechnical, Key: "technical_tasks"},
		{Phase: "scaffolding", Namespace: NSTechnical, Key: "project_structure"},
		{Phase: "implementation", Namespace: NSTechnical, Key: "implemented_code"},
		{Phase: "review", Namespace: NSQuality, Key: "code_review"},
		{Phase: "delivery", Namespace: NSQuality, Key: "final_delivery"},
	}
}

// ProjectStatus is the derived progress view.
type ProjectStatus struct {
	CurrentPhase         string
	CompletionPercentage int
}

// Status returns the derived project metrics.
func (s *Store) Status() ProjectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ProjectStatus{CurrentPhase: "initial"}
	if e, ok := s.latestLocked(NSProject, KeyCurrentPhase); ok {
		if v, ok := e.Value.(string); ok {
			st.CurrentPhase = v
		}
	}
	if e, ok := s.latestLocked(NSProject, KeyCompletionPercentage); ok {
		if v, ok := e.Value.(int); ok {
			st.CompletionPercentage = v
		}
	}
	return st
}

// Snapshot is a point-in-time copy of every current value.
type Snapshot struct {
	Namespaces map[string]map[string]Entry `json:"namespaces"`
	TakenAt    time.Time                   `json:"taken_at"`
}

// Snapshot copies the latest entry of every key.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Namespaces: make(map[string]map[string]Entry, len(s.data)),
		TakenAt:    s.now().UTC(),
	}
	for ns, keys := range s.data {
		m := make(map[string]Entry, len(keys))
		for k, st := range keys {
			if len(st.entries) > 0 {
				m[k] = st.entries[len(st.entries)-1]
			}
		}
		out.Namespaces[ns] = m
	}
	return out
}
