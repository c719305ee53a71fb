package pipeline

import (
	"errors"
	"fmt"

	"github.com/basket/go-devpipe/internal/knowledge"
	"github.com/basket/go-devpipe/internal/policy"
)

// Stage ids of the default pipeline, in execution order.
const (
	StageRequirements   = "requirements_analysis"
	StageUserStories    = "user_stories_creation"
	StageArchitecture   = "architecture_definition"
	StageTechnicalPlan  = "technical_planning"
	StageScaffolding    = "project_scaffolding"
	StageImplementation = "code_implementation"
	StageReview         = "code_review"
	StageDelivery       = "final_delivery"
)

// Stage is one named unit of work. The controller only reads these fields;
// what the stage actually does is up to the StageExecutor.
type Stage struct {
	ID        string
	Subject   string
	Operation string
	// Namespace and Key name the knowledge entry the stage output is stored under.
	Namespace string
	Key       string
	// Path is the workspace-relative target of file operations.
	Path string
	// Inputs are "ns.key" knowledge refs handed to the executor.
	Inputs []string
}

// Pipeline is the fixed stage sequence plus its single loop-back edge.
type Pipeline struct {
	Stages []Stage
	// ReviewStage is the id the last stage may loop back to.
	ReviewStage string
}

// DefaultPipeline returns the eight-stage development pipeline.
func DefaultPipeline() Pipeline {
	return Pipeline{
		ReviewStage: StageReview,
		Stages: []Stage{
			{
				ID: StageRequirements, Subject: "agent1", Operation: "analysis",
				Namespace: knowledge.NSTechnical, Key: "initial_spec",
				Inputs: []string{"project.description"},
			},
			{
				ID: StageUserStories, Subject: "agent2", Operation: "analysis",
				Namespace: knowledge.NSTechnical, Key: "user_stories",
				Inputs: []string{"technical.initial_spec"},
			},
			{
				ID: StageArchitecture, Subject: "agent3", Operation: "design",
				Namespace: knowledge.NSArchitecture, Key: "main_architecture",
				Inputs: []string{"technical.initial_spec", "technical.user_stories"},
			},
			{
				ID: StageTechnicalPlan, Subject: "agent4", Operation: "design",
				Namespace: knowledge.NSTechnical, Key: "technical_tasks",
				Inputs: []string{"architecture.main_architecture", "technical.user_stories"},
			},
			{
				ID: StageScaffolding, Subject: "agent5", Operation: policy.OpFileWrite,
				Namespace: knowledge.NSTechnical, Key: "project_structure", Path: "project",
				Inputs: []string{"architecture.main_architecture", "technical.technical_tasks"},
			},
			{
				ID: StageImplementation, Subject: "agent6", Operation: policy.OpFileWrite,
				Namespace: knowledge.NSTechnical, Key: "implemented_code", Path: "project/src",
				Inputs: []string{"technical.technical_tasks", "technical.project_structure"},
			},
			{
				ID: StageReview, Subject: "agent7", Operation: "review",
				Namespace: knowledge.NSQuality, Key: "code_review",
				Inputs: []string{"technical.implemented_code", "architecture.main_architecture"},
			},
			{
				ID: StageDelivery, Subject: "agent8", Operation: "delivery",
				Namespace: knowledge.NSQuality, Key: "final_delivery",
				Inputs: []string{"quality.code_review", "technical.implemented_code"},
			},
		},
	}
}

// Validate checks that the pipeline is well-formed.
func (p Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.ID == "" {
			return errors.New("stage has empty ID")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate stage ID: %s", s.ID)
		}
		if s.Subject == "" || s.Operation == "" {
			return fmt.Errorf("stage %s needs a subject and an operation", s.ID)
		}
		seen[s.ID] = true
	}
	if p.ReviewStage != "" && !seen[p.ReviewStage] {
		return fmt.Errorf("review stage %s is not in the pipeline", p.ReviewStage)
	}
	return nil
}

// Index returns the position of stage id, or -1.
func (p Pipeline) Index(id string) int {
	for i, s := range p.Stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (p Pipeline) reviewIndex() int {
	if p.ReviewStage == "" {
		return -1
	}
	return p.Index(p.ReviewStage)
}
