package archive

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/config"
	"review-orchestrator/internal/logger"
)

func deadLetter() broker.Delivery {
	return broker.Delivery{
		ID:         "d-2",
		Queue:      "orchestrator.dead-letters",
		Exchange:   "orchestrator.dlx",
		RoutingKey: "workflow.jobs.created.CODE_REVIEW",
		Envelope: broker.Envelope{
			EventName:    "workflow.jobs.created.CODE_REVIEW",
			EventVersion: 1,
			Payload:      json.RawMessage(`{"jobId":"job-1"}`),
			MessageID:    "job-1:created",
		},
		Properties: broker.Properties{
			MessageID:     "job-1:created",
			CorrelationID: "corr-1",
			Headers: map[string]string{
				broker.HeaderDeliveryID:         "d-1",
				broker.HeaderOriginalQueue:      "orchestrator.workflow-jobs",
				broker.HeaderOriginalRoutingKey: "workflow.jobs.created.CODE_REVIEW",
				broker.HeaderDeathReason:        "attempts exhausted: boom",
			},
		},
	}
}

func TestArchiveToLocalDir(t *testing.T) {
	dir := t.TempDir()
	a, err := FromConfig(context.Background(), config.Config{ArchiveDir: dir}, logger.Discard())
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	require.NoError(t, a.Handle(context.Background(), deadLetter()))

	path := filepath.Join(dir, "2026", "03", "04", "orchestrator.workflow-jobs", "job-1:created.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "d-1", rec.DeliveryID)
	assert.Equal(t, "corr-1", rec.CorrelationID)
	assert.Equal(t, "attempts exhausted: boom", rec.Reason)
	assert.Equal(t, "workflow.jobs.created.CODE_REVIEW", rec.OriginalRoutingKey)
	assert.JSONEq(t, `{"jobId":"job-1"}`, string(rec.Envelope.Payload))
}

type failingUploader struct{}

func (failingUploader) Name() string { return "failing" }

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestUploadFailureIsRetried(t *testing.T) {
	a := NewArchiver(failingUploader{}, logger.Discard())

	err := a.Handle(context.Background(), deadLetter())
	require.Error(t, err)
	assert.False(t, broker.IsRejected(err))
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026/01/02/unknown/d-9.json", ObjectKey(Record{DeliveryID: "d-9", ArchivedAt: at}))
	assert.Equal(t, "2026/01/02/q/_/_/etc.json", ObjectKey(Record{MessageID: "../../etc", OriginalQueue: "q", ArchivedAt: at}))
}
