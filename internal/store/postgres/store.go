// Package postgres implements the job and inbox stores on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
)

var (
	_ store.JobStore   = (*Store)(nil)
	_ store.InboxStore = (*Store)(nil)
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	claimTTL time.Duration
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, claimTTL time.Duration, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger, claimTTL: claimTTL}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, workflow_type, correlation_id, status, payload, waiting_event_type, waiting_event_key,
	metadata, error_classification, last_error, version, created_at, updated_at, completed_at, failed_at`

// CreateJob inserts a PENDING job row.
func (s *Store) CreateJob(ctx context.Context, p store.CreateJobParams) (models.WorkflowJob, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	job := store.NewJob(p, time.Now().UTC())

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_jobs (id, workflow_type, correlation_id, status, payload, metadata, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, job.ID, string(job.WorkflowType), job.CorrelationID, string(job.Status), payloadJSON, metadataJSON, job.Version, job.CreatedAt)
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.WorkflowJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM workflow_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// UpdateJob locks the row, applies u and writes every mutable column back.
func (s *Store) UpdateJob(ctx context.Context, id string, u store.JobUpdate) (models.WorkflowJob, error) {
	if err := u.Validate(); err != nil {
		return models.WorkflowJob{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM workflow_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.WorkflowJob{}, err
	}
	next, err := store.ApplyUpdate(current, u, time.Now().UTC())
	if err != nil {
		return models.WorkflowJob{}, err
	}

	metadataJSON, err := json.Marshal(next.Metadata)
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("marshal metadata: %w", err)
	}
	var waitType, waitKey *string
	if next.WaitingForEvent != nil {
		waitType, waitKey = &next.WaitingForEvent.EventType, &next.WaitingForEvent.EventKey
	}
	var classification *string
	if next.ErrorClassification != nil {
		c := string(*next.ErrorClassification)
		classification = &c
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow_jobs
		SET status = $2, waiting_event_type = $3, waiting_event_key = $4, metadata = $5,
			error_classification = $6, last_error = $7, version = $8, updated_at = $9,
			completed_at = $10, failed_at = $11
		WHERE id = $1
	`, id, string(next.Status), waitType, waitKey, metadataJSON, classification, next.LastError,
		next.Version, next.UpdatedAt, next.CompletedAt, next.FailedAt)
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.WorkflowJob{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// FindWaitingForEvent returns jobs parked on exactly cond.
func (s *Store) FindWaitingForEvent(ctx context.Context, cond models.WaitCondition) ([]models.WorkflowJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM workflow_jobs
		WHERE status = $1 AND waiting_event_type = $2 AND waiting_event_key = $3
		ORDER BY created_at
	`, string(models.StatusWaitingForEvent), cond.EventType, cond.EventKey)
	if err != nil {
		return nil, fmt.Errorf("query waiting jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.WorkflowJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waiting jobs: %w", err)
	}
	return jobs, nil
}

// Claim relies on the (consumer_id, message_id) primary key: the insert only
// succeeds for a new key, and the conflict branch only takes over RELEASED or
// expired CLAIMED rows. Zero affected rows means someone else holds the message.
func (s *Store) Claim(ctx context.Context, messageID, consumerID, instanceID string) (bool, error) {
	var staleBefore *time.Time
	if s.claimTTL > 0 {
		t := time.Now().UTC().Add(-s.claimTTL)
		staleBefore = &t
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbox_messages (consumer_id, message_id, status, instance_id, claimed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (consumer_id, message_id) DO UPDATE
		SET status = EXCLUDED.status, instance_id = EXCLUDED.instance_id,
			claimed_at = EXCLUDED.claimed_at, last_error = NULL
		WHERE inbox_messages.status = $5
			OR (inbox_messages.status = $3 AND $6::timestamptz IS NOT NULL AND inbox_messages.claimed_at < $6::timestamptz)
	`, consumerID, messageID, string(models.InboxClaimed), instanceID, string(models.InboxReleased), staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim inbox message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByConsumerAndMessageID returns the inbox record, or nil when absent.
func (s *Store) FindByConsumerAndMessageID(ctx context.Context, consumerID, messageID string) (*models.InboxMessage, error) {
	var msg models.InboxMessage
	var status string
	var lastErr pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT consumer_id, message_id, status, instance_id, claimed_at, processed_at, last_error
		FROM inbox_messages WHERE consumer_id = $1 AND message_id = $2
	`, consumerID, messageID).Scan(&msg.ConsumerID, &msg.MessageID, &status, &msg.InstanceID, &msg.ClaimedAt, &msg.ProcessedAt, &lastErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inbox message: %w", err)
	}
	msg.Status = models.InboxStatus(status)
	msg.LastError = textPtr(lastErr)
	return &msg, nil
}

// MarkAsProcessed transitions CLAIMED to PROCESSED. Already processed rows are left alone.
// The update is not scoped to the claiming instance: it only runs after the
// caller's job transition committed, and job updates are compare-and-update,
// so a late mark from a superseded claim still records a real effect.
func (s *Store) MarkAsProcessed(ctx context.Context, messageID, consumerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox_messages SET status = $3, processed_at = NOW(), last_error = NULL
		WHERE consumer_id = $1 AND message_id = $2 AND status <> $3
	`, consumerID, messageID, string(models.InboxProcessed))
	if err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}
	return nil
}

// ReleaseLock resets a CLAIMED row to RELEASED and keeps the reason for diagnostics.
func (s *Store) ReleaseLock(ctx context.Context, messageID, consumerID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox_messages SET status = $3, last_error = $4
		WHERE consumer_id = $1 AND message_id = $2 AND status = $5
	`, consumerID, messageID, string(models.InboxReleased), reason, string(models.InboxClaimed))
	if err != nil {
		return fmt.Errorf("release inbox lock: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.WorkflowJob, error) {
	var job models.WorkflowJob
	var workflowType, status string
	var payloadJSON, metadataJSON []byte
	var waitType, waitKey, classification, lastErr pgtype.Text

	if err := row.Scan(&job.ID, &workflowType, &job.CorrelationID, &status, &payloadJSON, &waitType, &waitKey,
		&metadataJSON, &classification, &lastErr, &job.Version, &job.CreatedAt, &job.UpdatedAt,
		&job.CompletedAt, &job.FailedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkflowJob{}, store.ErrJobNotFound
		}
		return models.WorkflowJob{}, fmt.Errorf("scan job: %w", err)
	}

	job.WorkflowType = models.WorkflowType(workflowType)
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.WorkflowJob{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
		return models.WorkflowJob{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if waitType.Valid && waitKey.Valid {
		job.WaitingForEvent = &models.WaitCondition{EventType: waitType.String, EventKey: waitKey.String}
	}
	if classification.Valid {
		c := models.ErrorClassification(classification.String)
		job.ErrorClassification = &c
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
