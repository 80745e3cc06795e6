package completion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/broker/brokertest"
	"review-orchestrator/internal/eventbuffer"
	"review-orchestrator/internal/jobs"
	"review-orchestrator/internal/logger"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	rec     *brokertest.Recorder
	buffer  *eventbuffer.MemoryBuffer
	svc     *jobs.Service
	handler *Handler
	spans   *tracetest.SpanRecorder
}

func newFixture(t *testing.T, family Family) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		rec:    &brokertest.Recorder{},
		buffer: eventbuffer.NewMemoryBuffer(time.Minute),
		spans:  tracetest.NewSpanRecorder(),
	}
	f.svc = jobs.NewService(f.store, f.rec, f.buffer, "orchestrator.workflow", logger.Discard())
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	f.handler = NewHandler(family, "worker-a", f.store, f.store, f.svc, f.buffer,
		WithLogger(logger.Discard()), WithTracerProvider(tp))
	return f
}

func (f *fixture) waitingJob(t *testing.T, wt models.WorkflowType, cond models.WaitCondition, metadata map[string]any) models.WorkflowJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.CreateJob(ctx, store.CreateJobParams{WorkflowType: wt, CorrelationID: "corr-" + cond.EventKey, Metadata: metadata})
	require.NoError(t, err)
	_, err = f.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:          store.Status(models.StatusWaitingForEvent),
		WaitingForEvent: &cond,
	})
	require.NoError(t, err)
	return job
}

func delivery(t *testing.T, routingKey, messageID string, evt Event) broker.Delivery {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return broker.Delivery{
		ID:         "d-" + messageID,
		Queue:      "completions",
		RoutingKey: routingKey,
		Envelope:   broker.Envelope{EventName: routingKey, EventVersion: 1, Payload: raw, MessageID: messageID},
		Properties: broker.Properties{MessageID: messageID, Persistent: true},
		Attempt:    1,
	}
}

var astCond = models.WaitCondition{EventType: "ast.task.completed", EventKey: "task-1"}

func TestExactlyOnceResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	job := f.waitingJob(t, models.WorkflowCodeReview, astCond, nil)

	d := delivery(t, "ast.task.completed", "msg-1", Event{TaskID: "task-1", Result: map[string]any{"graph": "g-1"}})
	require.NoError(t, f.handler.Handle(ctx, d))

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Nil(t, stored.WaitingForEvent)
	assert.Len(t, f.rec.ByRoutingKey("workflow.jobs.resumed.CODE_REVIEW"), 1)

	require.NoError(t, f.handler.Handle(ctx, d))
	assert.Len(t, f.rec.Messages(), 1, "redelivery publishes nothing")

	rec, err := f.store.FindByConsumerAndMessageID(ctx, "ast-completion-handler", "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.InboxProcessed, rec.Status)
}

func TestNoWaitingJobBuffersEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())

	d := delivery(t, "ast.task.completed", "msg-early", Event{TaskID: "task-9", Result: map[string]any{"graph": "g-9"}})
	require.NoError(t, f.handler.Handle(ctx, d))

	assert.Empty(t, f.rec.Messages())
	rec, err := f.store.FindByConsumerAndMessageID(ctx, "ast-completion-handler", "msg-early")
	require.NoError(t, err)
	assert.Equal(t, models.InboxProcessed, rec.Status)

	evt, ok, err := f.buffer.Take(ctx, "ast.task.completed", "task-9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "g-9", evt.Result["graph"])
}

func TestBufferedEventResumesLateWaiter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	job, err := f.svc.Create(ctx, store.CreateJobParams{WorkflowType: models.WorkflowCodeReview})
	require.NoError(t, err)

	require.NoError(t, f.handler.Handle(ctx, delivery(t, "ast.task.completed", "msg-early", Event{TaskID: "task-3"})))

	resumed, err := f.svc.WaitForEvent(ctx, job.ID, models.WaitCondition{EventType: "ast.task.completed", EventKey: "task-3"}, nil)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Len(t, f.rec.ByRoutingKey("workflow.jobs.resumed.CODE_REVIEW"), 1)
}

func TestPartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	a := f.waitingJob(t, models.WorkflowCodeReview, astCond, nil)
	b := f.waitingJob(t, models.WorkflowCheckSuggestionImplementation, astCond, nil)

	f.rec.SetHook(func(m brokertest.Message) error {
		if m.Options.Headers[broker.HeaderJobID] == a.ID {
			return errors.New("publish failed")
		}
		return nil
	})

	require.NoError(t, f.handler.Handle(ctx, delivery(t, "ast.task.completed", "msg-2", Event{TaskID: "task-1"})))

	resumed := f.rec.ByRoutingKey("workflow.jobs.resumed.CHECK_SUGGESTION_IMPLEMENTATION")
	require.Len(t, resumed, 1)
	assert.Equal(t, b.ID, resumed[0].Options.Headers[broker.HeaderJobID])

	rec, err := f.store.FindByConsumerAndMessageID(ctx, "ast-completion-handler", "msg-2")
	require.NoError(t, err)
	assert.Equal(t, models.InboxProcessed, rec.Status)
}

func TestResumeAccumulatesMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	job := f.waitingJob(t, models.WorkflowCodeReview, astCond, map[string]any{"repository": "acme/api", "astTaskId": "task-1"})

	require.NoError(t, f.handler.Handle(ctx, delivery(t, "ast.task.completed", "msg-3", Event{
		TaskID: "task-1",
		Result: map[string]any{"graph": "g-1"},
	})))

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/api", stored.Metadata["repository"])
	assert.Equal(t, "task-1", stored.Metadata["astTaskId"])
	assert.Equal(t, "g-1", stored.Metadata["graph"])
	assert.Contains(t, stored.Metadata, "resumedAt")
}

func TestStageFamilyDerivesEventFromRoutingKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, StageFamily())
	cond := models.WaitCondition{EventType: "stage.completed.analysis", EventKey: "t-5"}
	job := f.waitingJob(t, models.WorkflowCodeReview, cond, nil)

	require.NoError(t, f.handler.Handle(ctx, delivery(t, "stage.completed.analysis", "msg-4", Event{TaskID: "t-5"})))

	msgs := f.rec.ByRoutingKey("workflow.jobs.resumed.CODE_REVIEW")
	require.Len(t, msgs, 1)
	h := msgs[0].Options.Headers
	assert.Equal(t, job.ID, h[broker.HeaderJobID])
	assert.Equal(t, "analysis", h[broker.HeaderStageName])
	assert.Equal(t, "stage.completed.analysis", h[broker.HeaderResumeReason])
	assert.Equal(t, "corr-t-5", h[broker.HeaderCorrelationID])
}

func TestContendedClaimIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	f.waitingJob(t, models.WorkflowCodeReview, astCond, nil)

	ok, err := f.store.Claim(ctx, "msg-5", "ast-completion-handler", "worker-b")
	require.NoError(t, err)
	require.True(t, ok)

	err = f.handler.Handle(ctx, delivery(t, "ast.task.completed", "msg-5", Event{TaskID: "task-1"}))
	require.ErrorIs(t, err, ErrInboxContended)
	assert.False(t, broker.IsRejected(err))
	assert.Empty(t, f.rec.Messages())
}

type brokenFinder struct {
	*memory.Store
}

func (brokenFinder) FindWaitingForEvent(context.Context, models.WaitCondition) ([]models.WorkflowJob, error) {
	return nil, errors.New("connection reset")
}

func TestUnexpectedErrorReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	h := NewHandler(ASTFamily(), "worker-a", f.store, brokenFinder{f.store}, f.svc, f.buffer, WithLogger(logger.Discard()))

	err := h.Handle(ctx, delivery(t, "ast.task.completed", "msg-6", Event{TaskID: "task-1"}))
	require.Error(t, err)

	rec, err := f.store.FindByConsumerAndMessageID(ctx, "ast-completion-handler", "msg-6")
	require.NoError(t, err)
	assert.Equal(t, models.InboxReleased, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "connection reset")

	// The released claim can be taken again on redelivery.
	ok, err := f.store.Claim(ctx, "msg-6", "ast-completion-handler", "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMalformedEventIsRejected(t *testing.T) {
	f := newFixture(t, ASTFamily())
	d := broker.Delivery{RoutingKey: "ast.task.completed", Envelope: broker.Envelope{Payload: json.RawMessage(`{"taskId":`)}}
	assert.True(t, broker.IsRejected(f.handler.Handle(context.Background(), d)))

	d = delivery(t, "ast.task.completed", "msg-7", Event{})
	assert.True(t, broker.IsRejected(f.handler.Handle(context.Background(), d)), "missing task id")
}

func TestMessageIDDerivedFromEventWhenMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	f.waitingJob(t, models.WorkflowCodeReview, astCond, nil)

	d := delivery(t, "ast.task.completed", "", Event{TaskID: "task-1"})
	require.NoError(t, f.handler.Handle(ctx, d))
	require.NoError(t, f.handler.Handle(ctx, d))
	assert.Len(t, f.rec.Messages(), 1)
}

func TestHandleRecordsSpan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ASTFamily())
	f.waitingJob(t, models.WorkflowCodeReview, astCond, nil)

	d := delivery(t, "ast.task.completed", "msg-8", Event{TaskID: "task-1", CorrelationID: "corr-x"})
	require.NoError(t, f.handler.Handle(ctx, d))

	spans := f.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "completion.ast-completion-handler", spans[0].Name())
	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "ast.task.completed", attrs["event.type"])
	assert.Equal(t, "task-1", attrs["event.key"])
	assert.Equal(t, "task-1", attrs["task.id"])
	assert.Equal(t, "corr-x", attrs["correlation.id"])
	assert.Equal(t, "1", attrs["jobs.waiting"])
}
