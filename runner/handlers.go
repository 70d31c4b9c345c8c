package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/workflow"
)

// PipelineJob is the job name handled by the asset pipeline.
const PipelineJob = "asset-pipeline"

// RegisterBuiltInHandlers installs the asset pipeline and the default
// handler used for every other job name.
func RegisterBuiltInHandlers(r *Runner, stepDelay time.Duration) {
	r.Register(PipelineJob, pipelineHandler(stepDelay))
	r.mu.Lock()
	r.fallback = defaultHandler(stepDelay)
	r.mu.Unlock()
}

func defaultHandler(stepDelay time.Duration) Handler {
	return func(ctx context.Context, job *queue.Job, updateProgress ProgressFunc) (any, error) {
		for pct := 0; pct <= 100; pct += 20 {
			if !sleep(ctx, stepDelay) {
				return nil, ctx.Err()
			}
			updateProgress(float64(pct), fmt.Sprintf("Processing step %d...", pct/20+1))
		}
		return map[string]any{
			"message":       fmt.Sprintf("Job %s completed successfully", job.ID),
			"processedData": job.Data,
		}, nil
	}
}

type pipelinePayload struct {
	AssetID       string          `json:"assetId"`
	CurrentStep   string          `json:"currentStep"`
	CompletedStep string          `json:"completedStep"`
	Payload       json.RawMessage `json:"payload"`
}

// pipelineHandler walks the workflow from the step the payload names, or
// from the start for a new asset.
func pipelineHandler(stepDelay time.Duration) Handler {
	return func(ctx context.Context, job *queue.Job, updateProgress ProgressFunc) (any, error) {
		var p pipelinePayload
		if len(job.Data) > 0 {
			if err := json.Unmarshal(job.Data, &p); err != nil {
				return nil, fmt.Errorf("invalid pipeline payload: %w", err)
			}
		}

		start, err := startStep(p)
		if err != nil {
			return nil, err
		}

		path := workflow.Path(start)
		for i, step := range path {
			if !sleep(ctx, stepDelay) {
				return nil, ctx.Err()
			}
			s, _ := workflow.Lookup(step)
			pct := float64(i+1) * 100 / float64(len(path))
			updateProgress(pct, fmt.Sprintf("Step '%s' (%s) completed", s.Name, s.Kind))
		}

		return map[string]any{
			"status":       "WorkflowComplete",
			"assetId":      p.AssetID,
			"steps":        path,
			"finalPayload": p.Payload,
		}, nil
	}
}

func startStep(p pipelinePayload) (*workflow.Step, error) {
	switch {
	case p.CompletedStep != "":
		next, _, ok := workflow.After(p.CompletedStep)
		if !ok {
			return nil, fmt.Errorf("unknown completed step: %s", p.CompletedStep)
		}
		return next, nil
	case p.CurrentStep != "":
		s, ok := workflow.Lookup(p.CurrentStep)
		if !ok {
			return nil, fmt.Errorf("invalid explicit step: %s", p.CurrentStep)
		}
		return s, nil
	default:
		return workflow.Initial, nil
	}
}
