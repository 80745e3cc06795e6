// Package archive stores dead-lettered messages outside the broker so they
// survive DLQ trimming and can be inspected later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/config"
	"review-orchestrator/internal/telemetry"
)

// Uploader writes one archived object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Name() string
}

// Record is the archived form of a dead-lettered delivery.
type Record struct {
	DeliveryID         string            `json:"deliveryId"`
	MessageID          string            `json:"messageId"`
	CorrelationID      string            `json:"correlationId,omitempty"`
	OriginalQueue      string            `json:"originalQueue,omitempty"`
	OriginalRoutingKey string            `json:"originalRoutingKey,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	Envelope           broker.Envelope   `json:"envelope"`
	Properties         broker.Properties `json:"properties"`
	ArchivedAt         time.Time         `json:"archivedAt"`
}

// Archiver is a broker.Handler target for the dead-letter exchange queue.
type Archiver struct {
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time
}

func NewArchiver(u Uploader, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{uploader: u, logger: logger.With("component", "archive", "destination", u.Name()), now: time.Now}
}

// FromConfig picks S3 when a bucket is configured and the local directory otherwise.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewArchiver(&S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, logger), nil
	}
	dir := cfg.ArchiveDir
	if dir == "" {
		dir = "./dead-letters"
	}
	return NewArchiver(&LocalUploader{BaseDir: dir}, logger), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Handle archives d. Upload failures are returned so the broker retries.
func (a *Archiver) Handle(ctx context.Context, d broker.Delivery) error {
	rec := Record{
		DeliveryID:         d.Header(broker.HeaderDeliveryID),
		MessageID:          d.MessageID(),
		CorrelationID:      d.Properties.CorrelationID,
		OriginalQueue:      d.Header(broker.HeaderOriginalQueue),
		OriginalRoutingKey: d.Header(broker.HeaderOriginalRoutingKey),
		Reason:             d.Header(broker.HeaderDeathReason),
		Envelope:           d.Envelope,
		Properties:         d.Properties,
		ArchivedAt:         a.now().UTC(),
	}
	if rec.DeliveryID == "" {
		rec.DeliveryID = d.ID
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return broker.Reject(fmt.Errorf("encode archive record: %w", err))
	}

	where, err := a.uploader.Upload(ctx, ObjectKey(rec), body, "application/json")
	if err != nil {
		return fmt.Errorf("archive dead letter %s: %w", rec.MessageID, err)
	}
	telemetry.DeadLettersArchived.WithLabelValues(a.uploader.Name()).Inc()
	a.logger.Info("dead letter archived",
		"message_id", rec.MessageID,
		"original_queue", rec.OriginalQueue,
		"reason", rec.Reason,
		"location", where,
	)
	return nil
}

// ObjectKey lays records out by day and original queue.
func ObjectKey(r Record) string {
	queue := r.OriginalQueue
	if queue == "" {
		queue = "unknown"
	}
	id := r.MessageID
	if id == "" {
		id = r.DeliveryID
	}
	return sanitizeKey(fmt.Sprintf("%s/%s/%s.json", r.ArchivedAt.Format("2006/01/02"), queue, id))
}

func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "..", "_")
	key = filepath.ToSlash(filepath.Clean(key))
	return strings.TrimPrefix(key, "/")
}

// LocalUploader writes objects under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Name() string { return "local" }

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	if l.BaseDir == "" {
		return "", errors.New("local archive directory is not configured")
	}
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into an S3-compatible bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Name() string { return "s3" }

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
