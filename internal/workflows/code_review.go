package workflows

import (
	"context"
	"fmt"

	"review-orchestrator/internal/errclass"
	"review-orchestrator/internal/models"
)

// Review stages recorded in job metadata under reviewStageKey.
const (
	reviewStageKey      = "reviewStage"
	reviewStageAST      = "ast"
	reviewStageAnalysis = "analysis"
)

type codeReviewPayload struct {
	Platform    string `json:"platform"`
	Repository  string `json:"repository"`
	PullRequest int    `json:"pullRequestNumber"`
	HeadSHA     string `json:"headSha"`
	BaseRef     string `json:"baseRef"`
}

// CodeReviewProcessor drives a review through AST computation and heavy
// analysis, parking the job while each external stage runs.
type CodeReviewProcessor struct {
	base
}

func NewCodeReviewProcessor(deps Deps) *CodeReviewProcessor {
	return &CodeReviewProcessor{base: newBase(deps, models.WorkflowCodeReview)}
}

func (p *CodeReviewProcessor) Process(ctx context.Context, jobID string) error {
	job, err := p.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	var payload codeReviewPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	switch stage := stringMeta(job, reviewStageKey); stage {
	case "":
		taskID := jobID + ".ast"
		if err := p.request(ctx, job, ASTTaskRequested, map[string]any{
			"taskId":            taskID,
			"jobId":             jobID,
			"repository":        payload.Repository,
			"pullRequestNumber": payload.PullRequest,
			"headSha":           payload.HeadSHA,
		}); err != nil {
			return err
		}
		_, err := p.deps.Jobs.WaitForEvent(ctx, jobID,
			models.WaitCondition{EventType: ASTTaskCompleted, EventKey: taskID},
			map[string]any{reviewStageKey: reviewStageAST, "astTaskId": taskID})
		return err

	case reviewStageAST:
		taskID := jobID + ".analysis"
		if err := p.request(ctx, job, AnalysisRequested, map[string]any{
			"taskId":            taskID,
			"jobId":             jobID,
			"stageName":         "analysis",
			"astTaskId":         stringMeta(job, "astTaskId"),
			"repository":        payload.Repository,
			"pullRequestNumber": payload.PullRequest,
			"headSha":           payload.HeadSHA,
			"baseRef":           payload.BaseRef,
		}); err != nil {
			return err
		}
		_, err := p.deps.Jobs.WaitForEvent(ctx, jobID,
			models.WaitCondition{EventType: AnalysisCompleted, EventKey: taskID},
			map[string]any{reviewStageKey: reviewStageAnalysis, "analysisTaskId": taskID})
		return err

	case reviewStageAnalysis:
		summary := map[string]any{
			"repository":        payload.Repository,
			"pullRequestNumber": payload.PullRequest,
			"astTaskId":         stringMeta(job, "astTaskId"),
			"analysisTaskId":    stringMeta(job, "analysisTaskId"),
		}
		for _, k := range []string{"suggestions", "findings", "summary"} {
			if v, ok := job.Metadata[k]; ok {
				summary[k] = v
			}
		}
		p.log.Info("code review finished", "job_id", jobID, "repository", payload.Repository, "pull_request", payload.PullRequest)
		return p.MarkCompleted(ctx, jobID, summary)

	default:
		return errclass.Permanent(fmt.Errorf("code review job %s is in unknown stage %q", jobID, stage))
	}
}
