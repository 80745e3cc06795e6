package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"

	"review-orchestrator/internal/models"
)

func TestNormalizeDoc(t *testing.T) {
	doc := bson.M{
		"count": int32(3),
		"total": int64(9),
		"nested": bson.D{
			{Key: "files", Value: bson.A{"a.go", bson.D{{Key: "path", Value: "b.go"}}}},
		},
		"flag": true,
	}
	got := normalizeDoc(doc)
	assert.Equal(t, map[string]any{
		"count": float64(3),
		"total": float64(9),
		"nested": map[string]any{
			"files": []any{"a.go", map[string]any{"path": "b.go"}},
		},
		"flag": true,
	}, got)
}

func TestJobModelRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	classification := models.ErrorRetryable
	msg := "timed out"
	job := models.WorkflowJob{
		ID:                  "job-1",
		WorkflowType:        models.WorkflowCodeReview,
		CorrelationID:       "corr-1",
		Status:              models.StatusFailed,
		Payload:             map[string]any{"repo": "org/repo"},
		Metadata:            map[string]any{"stage": "analysis"},
		ErrorClassification: &classification,
		LastError:           &msg,
		Version:             4,
		CreatedAt:           now,
		UpdatedAt:           now,
		FailedAt:            &now,
	}
	back := fromJobModel(toJobModel(job))
	assert.Equal(t, job, back)
}

func TestInboxID(t *testing.T) {
	assert.Equal(t, "consumer|msg", inboxID("consumer", "msg"))
}
