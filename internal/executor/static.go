package executor

import (
	"context"
	"maps"
	"slices"

	"github.com/basket/go-devpipe/internal/pipeline"
)

// Static produces a deterministic summary for every stage without calling
// anything external. It backs dry runs and smoke checks.
type Static struct {
	// ReviewPasses is how many times the last stage asks for another review.
	ReviewPasses int
}

func (s *Static) Execute(ctx context.Context, task pipeline.Task) (pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.StageResult{}, err
	}
	out := map[string]any{
		"stage":       task.Stage.ID,
		"description": task.Description,
		"inputs":      slices.Sorted(maps.Keys(task.Inputs)),
		"attempt":     task.Attempt,
	}
	if task.Stage.Path != "" {
		out["path"] = task.Stage.Path
	}
	loop := task.Stage.ID == pipeline.StageDelivery && task.ReviewIteration < s.ReviewPasses
	return pipeline.StageResult{Output: out, Confidence: 1, LoopBack: loop}, nil
}
