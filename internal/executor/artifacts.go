package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-devpipe/internal/pipeline"
	"github.com/basket/go-devpipe/internal/telemetry"
)

// Artifact is the on-disk record of one successful stage invocation.
type Artifact struct {
	JobID      string    `json:"job_id"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	Confidence float64   `json:"confidence"`
	Output     any       `json:"output"`
	WrittenAt  time.Time `json:"written_at"`
}

// Artifacts records every successful stage result under
// <root>/runs/<job>/<stage>.json before handing it back to the controller.
type Artifacts struct {
	next   pipeline.StageExecutor
	root   string
	logger *slog.Logger
}

// NewArtifacts wraps next.
func NewArtifacts(next pipeline.StageExecutor, root string, logger *slog.Logger) *Artifacts {
	return &Artifacts{next: next, root: root, logger: telemetry.Component(logger, "artifacts")}
}

// RunDir is where the artifacts of a job live.
func RunDir(root, jobID string) string {
	return filepath.Join(root, "runs", jobID)
}

func (a *Artifacts) Execute(ctx context.Context, task pipeline.Task) (pipeline.StageResult, error) {
	res, err := a.next.Execute(ctx, task)
	if err != nil {
		return res, err
	}
	art := Artifact{
		JobID:      task.JobID,
		RunID:      task.RunID,
		Stage:      task.Stage.ID,
		Attempt:    task.Attempt,
		Confidence: res.Confidence,
		Output:     res.Output,
		WrittenAt:  time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(RunDir(a.root, task.JobID), task.Stage.ID+".json"), art); err != nil {
		return pipeline.StageResult{}, fmt.Errorf("record artifact: %w", err)
	}
	telemetry.FromContext(ctx, a.logger).Debug("artifact recorded", "stage", task.Stage.ID)
	return res, nil
}

// ReadArtifact loads the artifact a job recorded for stage.
func ReadArtifact(root, jobID, stage string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Join(RunDir(root, jobID), stage+".json"))
	if err != nil {
		return nil, err
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &art, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
