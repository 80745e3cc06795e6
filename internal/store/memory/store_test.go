package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
)

func TestClaimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.Claim(ctx, "msg-1", "consumer-a", "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < 3; i++ {
		ok, err = s.Claim(ctx, "msg-1", "consumer-a", "worker-2")
		require.NoError(t, err)
		assert.False(t, ok, "claim %d should be rejected while outstanding", i)
	}

	// A different consumer has its own ledger.
	ok, err = s.Claim(ctx, "msg-1", "consumer-b", "worker-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.MarkAsProcessed(ctx, "msg-1", "consumer-a"))
	require.NoError(t, s.MarkAsProcessed(ctx, "msg-1", "consumer-a"))
	ok, err = s.Claim(ctx, "msg-1", "consumer-a", "worker-2")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.FindByConsumerAndMessageID(ctx, "consumer-a", "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.InboxProcessed, rec.Status)
	assert.Equal(t, "worker-1", rec.InstanceID)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Claim(ctx, "msg-1", "consumer", "worker"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseLockAllowsRetry(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, _ := s.Claim(ctx, "msg-1", "consumer", "worker-1")
	require.True(t, ok)
	require.NoError(t, s.ReleaseLock(ctx, "msg-1", "consumer", "db down"))

	rec, err := s.FindByConsumerAndMessageID(ctx, "consumer", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.InboxReleased, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "db down", *rec.LastError)

	ok, err = s.Claim(ctx, "msg-1", "consumer", "worker-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleClaimCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClaimTTL(time.Minute), WithClock(func() time.Time { return now }))

	ok, _ := s.Claim(ctx, "msg-1", "consumer", "worker-1")
	require.True(t, ok)
	ok, _ = s.Claim(ctx, "msg-1", "consumer", "worker-2")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(ctx, "msg-1", "consumer", "worker-2")
	assert.True(t, ok)
	rec, _ := s.FindByConsumerAndMessageID(ctx, "consumer", "msg-1")
	assert.Equal(t, "worker-2", rec.InstanceID)
}

func TestMarkAsProcessedAfterTakeover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClaimTTL(time.Minute), WithClock(func() time.Time { return now }))

	ok, _ := s.Claim(ctx, "msg-1", "consumer", "worker-1")
	require.True(t, ok)
	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(ctx, "msg-1", "consumer", "worker-2")
	require.True(t, ok)

	// worker-1 finished its effect before the takeover noticed.
	require.NoError(t, s.MarkAsProcessed(ctx, "msg-1", "consumer"))
	require.NoError(t, s.ReleaseLock(ctx, "msg-1", "consumer", "job not waiting"))

	rec, _ := s.FindByConsumerAndMessageID(ctx, "consumer", "msg-1")
	assert.Equal(t, models.InboxProcessed, rec.Status)
	ok, _ = s.Claim(ctx, "msg-1", "consumer", "worker-3")
	assert.False(t, ok)
}

func TestMarkAsProcessedWithoutRecord(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.MarkAsProcessed(ctx, "never-claimed", "consumer"))
	rec, err := s.FindByConsumerAndMessageID(ctx, "consumer", "never-claimed")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	job, err := s.CreateJob(ctx, store.CreateJobParams{
		WorkflowType:  models.WorkflowCodeReview,
		CorrelationID: "corr-1",
		Payload:       map[string]any{"pr": 7},
		Metadata:      map[string]any{"before": "pause"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)

	cond := models.WaitCondition{EventType: "ast.task.completed", EventKey: "task-1"}
	_, err = s.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:          store.Status(models.StatusWaitingForEvent),
		WaitingForEvent: &cond,
	})
	require.NoError(t, err)

	waiting, err := s.FindWaitingForEvent(ctx, cond)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, job.ID, waiting[0].ID)

	none, err := s.FindWaitingForEvent(ctx, models.WaitCondition{EventType: "ast.task.completed", EventKey: "task-2"})
	require.NoError(t, err)
	assert.Empty(t, none)

	resumed, err := s.UpdateJob(ctx, job.ID, store.JobUpdate{
		ExpectedStatus: store.Status(models.StatusWaitingForEvent),
		Status:         store.Status(models.StatusPending),
		Metadata:       map[string]any{"after": "resume"},
	})
	require.NoError(t, err)
	assert.Nil(t, resumed.WaitingForEvent)
	assert.Equal(t, map[string]any{"before": "pause", "after": "resume"}, resumed.Metadata)

	_, err = s.UpdateJob(ctx, job.ID, store.JobUpdate{
		ExpectedStatus: store.Status(models.StatusWaitingForEvent),
		Status:         store.Status(models.StatusPending),
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestReturnedJobsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	job, err := s.CreateJob(ctx, store.CreateJobParams{WorkflowType: models.WorkflowCodeReview, Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)

	job.Metadata["k"] = "mutated"
	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", stored.Metadata["k"])
}
