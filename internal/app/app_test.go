package app

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-orchestrator/internal/archive"
	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/config"
	"review-orchestrator/internal/logger"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/store/memory"
	"review-orchestrator/internal/workflows"
)

type harness struct {
	worker     *Worker
	store      *memory.Store
	archiveDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		InstanceID:          "test-worker",
		VisibilityTimeout:   time.Minute,
		WorkerPollInterval:  10 * time.Millisecond,
		BackoffInitial:      time.Millisecond,
		BackoffMax:          5 * time.Millisecond,
		MaxAttempts:         3,
		ConsumerConcurrency: 1,
		DLQName:             "orchestrator.dlq",
		EventBufferTTL:      time.Minute,
		LockTTL:             time.Minute,
	}
	st := memory.New()
	dir := t.TempDir()
	w, err := NewWorker(context.Background(), Deps{
		Config:  cfg,
		Redis:   client,
		Stores:  MemoryStores(st),
		Archive: archive.NewArchiver(&archive.LocalUploader{BaseDir: dir}, logger.Discard()),
		Logger:  logger.Discard(),
	})
	require.NoError(t, err)
	return &harness{worker: w, store: st, archiveDir: dir}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	_, err := h.worker.Drain(context.Background(), 100)
	require.NoError(t, err)
}

func (h *harness) job(t *testing.T, id string) models.WorkflowJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestTopologyBindings(t *testing.T) {
	topo := Topology(Handlers{}, 2, 5)

	assert.Equal(t, []string{WorkflowJobsQueue}, topo.Route(WorkflowExchange, "workflow.jobs.resumed.CODE_REVIEW"))
	assert.Equal(t, []string{StageCompletionsQueue}, topo.Route(EventsExchange, "stage.completed.analysis"))
	assert.Equal(t, []string{StageCompletionsQueue}, topo.Route(DelayedEventsExchange, "stage.completed.analysis"))
	assert.Equal(t, []string{ASTCompletionsQueue}, topo.Route(EventsExchange, "ast.task.completed"))
	assert.Empty(t, topo.Route(EventsExchange, "ast.task.requested"))
	assert.Equal(t, []string{DeadLetterArchiveQueue}, topo.Route(DeadLetterExchange, "dead."+WorkflowJobsQueue))
}

func TestReviewPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := h.worker.Gateway

	hook, err := h.worker.Jobs.Create(ctx, store.CreateJobParams{
		WorkflowType:  models.WorkflowWebhookProcessing,
		CorrelationID: "corr-e2e",
		Payload: map[string]any{
			"platform":          "github",
			"action":            "opened",
			"repository":        "acme/api",
			"pullRequestNumber": 7,
		},
	})
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, models.StatusCompleted, h.job(t, hook.ID).Status)
	reviewID := workflows.CodeReviewJobID(hook.ID)
	review := h.job(t, reviewID)
	assert.Equal(t, "corr-e2e", review.CorrelationID)
	require.Equal(t, models.StatusWaitingForEvent, review.Status)
	assert.Equal(t, reviewID+".ast", review.WaitingForEvent.EventKey)

	require.NoError(t, gw.Publish(ctx, EventsExchange, workflows.ASTTaskCompleted,
		map[string]any{"taskId": reviewID + ".ast"}, broker.WithMessageID("ast-done-1")))
	h.drain(t)

	review = h.job(t, reviewID)
	require.Equal(t, models.StatusWaitingForEvent, review.Status)
	assert.Equal(t, workflows.AnalysisCompleted, review.WaitingForEvent.EventType)

	require.NoError(t, gw.Publish(ctx, DelayedEventsExchange, workflows.AnalysisCompleted,
		map[string]any{"taskId": reviewID + ".analysis", "result": map[string]any{"suggestions": []string{"rename x"}}},
		broker.WithMessageID("analysis-done-1")))
	h.drain(t)

	review = h.job(t, reviewID)
	require.Equal(t, models.StatusCompleted, review.Status)
	result := review.Metadata["result"].(map[string]any)
	assert.Equal(t, []any{"rename x"}, result["suggestions"])

	// A redelivered completion is absorbed by the inbox.
	require.NoError(t, gw.Publish(ctx, EventsExchange, workflows.ASTTaskCompleted,
		map[string]any{"taskId": reviewID + ".ast"}, broker.WithMessageID("ast-done-1")))
	h.drain(t)
	assert.Equal(t, review.Version, h.job(t, reviewID).Version)

	depth, err := gw.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestEarlyCompletionIsBuffered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := h.worker.Gateway

	review, err := h.store.CreateJob(ctx, store.CreateJobParams{WorkflowType: models.WorkflowCodeReview, CorrelationID: "corr-early"})
	require.NoError(t, err)

	// The AST result lands before the review job ever asks for it.
	require.NoError(t, gw.Publish(ctx, EventsExchange, workflows.ASTTaskCompleted,
		map[string]any{"taskId": review.ID + ".ast"}, broker.WithMessageID("ast-early")))
	h.drain(t)

	require.NoError(t, gw.Publish(ctx, WorkflowExchange, "workflow.jobs.created.CODE_REVIEW",
		map[string]any{"jobId": review.ID}, broker.WithMessageID(review.ID+":created")))
	h.drain(t)

	got := h.job(t, review.ID)
	require.Equal(t, models.StatusWaitingForEvent, got.Status)
	assert.Equal(t, workflows.AnalysisCompleted, got.WaitingForEvent.EventType)
}

func TestPermanentFailureIsDeadLetteredAndArchived(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job, err := h.worker.Jobs.Create(ctx, store.CreateJobParams{
		WorkflowType:  models.WorkflowCodeReview,
		CorrelationID: "corr-bad",
		Metadata:      map[string]any{"reviewStage": "bogus"},
	})
	require.NoError(t, err)
	h.drain(t)

	failed := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorClassification)
	assert.Equal(t, models.ErrorPermanent, *failed.ErrorClassification)
	assert.Contains(t, failed.Metadata, "failureHandledAt")

	dead, err := h.worker.Gateway.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, WorkflowJobsQueue, dead[0].Queue)

	var archived []string
	require.NoError(t, filepath.WalkDir(h.archiveDir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			archived = append(archived, filepath.Base(path))
		}
		return err
	}))
	assert.Equal(t, []string{job.ID + ":created.json"}, archived)
}

func TestUnknownWorkflowTypeIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job, err := h.worker.Jobs.Create(ctx, store.CreateJobParams{WorkflowType: models.WorkflowAutomationExecution})
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, models.StatusPending, h.job(t, job.ID).Status)
	depth, err := h.worker.Gateway.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
