package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-orchestrator/internal/models"
)

func TestJobUpdateValidate(t *testing.T) {
	cond := &models.WaitCondition{EventType: "ast.task.completed", EventKey: "task-1"}

	tests := []struct {
		name    string
		update  JobUpdate
		wantErr bool
	}{
		{"metadata only", JobUpdate{Metadata: map[string]any{"a": 1}}, false},
		{"waiting with condition", JobUpdate{Status: Status(models.StatusWaitingForEvent), WaitingForEvent: cond}, false},
		{"waiting without condition", JobUpdate{Status: Status(models.StatusWaitingForEvent)}, true},
		{"waiting with empty key", JobUpdate{Status: Status(models.StatusWaitingForEvent), WaitingForEvent: &models.WaitCondition{EventType: "x"}}, true},
		{"condition without status", JobUpdate{WaitingForEvent: cond}, true},
		{"pending with condition", JobUpdate{Status: Status(models.StatusPending), WaitingForEvent: cond}, true},
		{"unknown status", JobUpdate{Status: Status("RUNNING")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidUpdate)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := NewJob(CreateJobParams{
		ID:           "job-1",
		WorkflowType: models.WorkflowCodeReview,
		Metadata:     map[string]any{"stage": "ast"},
	}, now)

	t.Run("pause sets condition and merges metadata", func(t *testing.T) {
		next, err := ApplyUpdate(job, JobUpdate{
			ExpectedStatus:  Status(models.StatusPending),
			Status:          Status(models.StatusWaitingForEvent),
			WaitingForEvent: &models.WaitCondition{EventType: "ast.task.completed", EventKey: "task-1"},
			Metadata:        map[string]any{"astTaskId": "task-1"},
		}, now.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaitingForEvent, next.Status)
		require.NotNil(t, next.WaitingForEvent)
		assert.Equal(t, "task-1", next.WaitingForEvent.EventKey)
		assert.Equal(t, map[string]any{"stage": "ast", "astTaskId": "task-1"}, next.Metadata)
		assert.Equal(t, job.Version+1, next.Version)
		assert.Equal(t, map[string]any{"stage": "ast"}, job.Metadata, "input must not be mutated")

		resumed, err := ApplyUpdate(next, JobUpdate{
			ExpectedStatus: Status(models.StatusWaitingForEvent),
			Status:         Status(models.StatusPending),
			Metadata:       map[string]any{"astResult": "ok"},
		}, now.Add(2*time.Second))
		require.NoError(t, err)
		assert.Nil(t, resumed.WaitingForEvent)
		assert.Equal(t, "ast", resumed.Metadata["stage"])
		assert.Equal(t, "ok", resumed.Metadata["astResult"])
	})

	t.Run("expected status mismatch", func(t *testing.T) {
		_, err := ApplyUpdate(job, JobUpdate{
			ExpectedStatus: Status(models.StatusWaitingForEvent),
			Status:         Status(models.StatusPending),
		}, now)
		assert.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("expected wait condition mismatch", func(t *testing.T) {
		parked, err := ApplyUpdate(job, JobUpdate{
			Status:          Status(models.StatusWaitingForEvent),
			WaitingForEvent: &models.WaitCondition{EventType: "stage.completed.analysis", EventKey: "job-1.analysis"},
		}, now)
		require.NoError(t, err)

		_, err = ApplyUpdate(parked, JobUpdate{
			ExpectedStatus: Status(models.StatusWaitingForEvent),
			ExpectedWait:   &models.WaitCondition{EventType: "ast.task.completed", EventKey: "job-1.ast"},
			Status:         Status(models.StatusPending),
		}, now)
		assert.ErrorIs(t, err, ErrStatusConflict)

		_, err = ApplyUpdate(parked, JobUpdate{
			ExpectedStatus: Status(models.StatusWaitingForEvent),
			ExpectedWait:   &models.WaitCondition{EventType: "stage.completed.analysis", EventKey: "job-1.analysis"},
			Status:         Status(models.StatusPending),
		}, now)
		assert.NoError(t, err)
	})

	t.Run("failure records classification and timestamp", func(t *testing.T) {
		msg := "boom"
		next, err := ApplyUpdate(job, JobUpdate{
			Status:              Status(models.StatusFailed),
			ErrorClassification: Classification(models.ErrorRetryable),
			LastError:           &msg,
		}, now)
		require.NoError(t, err)
		require.NotNil(t, next.FailedAt)
		assert.Equal(t, models.ErrorRetryable, *next.ErrorClassification)
		assert.Equal(t, "boom", *next.LastError)

		retried, err := ApplyUpdate(next, JobUpdate{Status: Status(models.StatusPending)}, now)
		require.NoError(t, err)
		assert.Nil(t, retried.ErrorClassification)
		assert.Nil(t, retried.LastError)
	})
}

func TestClaimExpired(t *testing.T) {
	now := time.Now()
	claimed := models.InboxMessage{Status: models.InboxClaimed, ClaimedAt: now.Add(-time.Hour)}
	assert.True(t, ClaimExpired(claimed, time.Minute, now))
	assert.False(t, ClaimExpired(claimed, 0, now))
	assert.False(t, ClaimExpired(claimed, 2*time.Hour, now))
	processed := models.InboxMessage{Status: models.InboxProcessed, ClaimedAt: now.Add(-time.Hour)}
	assert.False(t, ClaimExpired(processed, time.Minute, now))
}
