package workflows

import (
	"context"
	"errors"

	"review-orchestrator/internal/errclass"
	"review-orchestrator/internal/models"
)

type implementationCheckPayload struct {
	Repository    string   `json:"repository"`
	PullRequest   int      `json:"pullRequestNumber"`
	HeadSHA       string   `json:"headSha"`
	SuggestionIDs []string `json:"suggestionIds"`
}

// ImplementationCheckProcessor asks the analysis service whether earlier
// suggestions were applied and completes with its verdict.
type ImplementationCheckProcessor struct {
	base
}

func NewImplementationCheckProcessor(deps Deps) *ImplementationCheckProcessor {
	return &ImplementationCheckProcessor{base: newBase(deps, models.WorkflowCheckSuggestionImplementation)}
}

func (p *ImplementationCheckProcessor) Process(ctx context.Context, jobID string) error {
	job, err := p.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	var payload implementationCheckPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	if taskID := stringMeta(job, "implementationCheckTaskId"); taskID != "" {
		result := map[string]any{"taskId": taskID}
		if v, ok := job.Metadata["implementedSuggestionIds"]; ok {
			result["implementedSuggestionIds"] = v
		}
		return p.MarkCompleted(ctx, jobID, result)
	}

	if len(payload.SuggestionIDs) == 0 {
		return errclass.Permanent(errors.New("implementation check without suggestionIds"))
	}
	taskID := jobID + ".implementation_check"
	if err := p.request(ctx, job, ImplementationCheckRequested, map[string]any{
		"taskId":            taskID,
		"jobId":             jobID,
		"stageName":         "implementation_check",
		"repository":        payload.Repository,
		"pullRequestNumber": payload.PullRequest,
		"headSha":           payload.HeadSHA,
		"suggestionIds":     payload.SuggestionIDs,
	}); err != nil {
		return err
	}
	_, err = p.deps.Jobs.WaitForEvent(ctx, jobID,
		models.WaitCondition{EventType: ImplementationCheckCompleted, EventKey: taskID},
		map[string]any{"implementationCheckTaskId": taskID})
	return err
}
