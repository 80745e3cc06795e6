// Package mongo implements the job and inbox stores on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
)

const (
	colJobs  = "workflow_jobs"
	colInbox = "inbox_messages"

	// maxUpdateAttempts bounds optimistic-concurrency retries in UpdateJob.
	maxUpdateAttempts = 5
)

var (
	_ store.JobStore   = (*Store)(nil)
	_ store.InboxStore = (*Store)(nil)
)

// Store persists jobs and inbox records as documents.
type Store struct {
	client   *mongod.Client
	db       *mongod.Database
	logger   *slog.Logger
	claimTTL time.Duration
}

// Connect opens a client for uri and binds the store to database.
func Connect(ctx context.Context, uri, database string, claimTTL time.Duration, logger *slog.Logger) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, db: client.Database(database), logger: logger, claimTTL: claimTTL}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Migrate creates the indexes the queries below rely on.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Collection(colJobs).Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "waiting_for_event.event_type", Value: 1}, {Key: "waiting_for_event.event_key", Value: 1}}},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: migrate %s indexes: %w", colJobs, err)
	}
	_, err = s.db.Collection(colInbox).Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "consumer_id", Value: 1}, {Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("mongo: migrate %s indexes: %w", colInbox, err)
	}
	return nil
}

// CreateJob inserts a PENDING job document.
func (s *Store) CreateJob(ctx context.Context, p store.CreateJobParams) (models.WorkflowJob, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	job := store.NewJob(p, time.Now().UTC())
	if _, err := s.db.Collection(colJobs).InsertOne(ctx, toJobModel(job)); err != nil {
		return models.WorkflowJob{}, fmt.Errorf("mongo: insert job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.WorkflowJob, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return models.WorkflowJob{}, store.ErrJobNotFound
		}
		return models.WorkflowJob{}, fmt.Errorf("mongo: get job: %w", err)
	}
	return fromJobModel(m), nil
}

// UpdateJob applies u with a version check, reloading on concurrent writes.
func (s *Store) UpdateJob(ctx context.Context, id string, u store.JobUpdate) (models.WorkflowJob, error) {
	if err := u.Validate(); err != nil {
		return models.WorkflowJob{}, err
	}
	col := s.db.Collection(colJobs)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.GetJob(ctx, id)
		if err != nil {
			return models.WorkflowJob{}, err
		}
		next, err := store.ApplyUpdate(current, u, time.Now().UTC())
		if err != nil {
			return models.WorkflowJob{}, err
		}
		res, err := col.ReplaceOne(ctx, bson.M{"_id": id, "version": current.Version}, toJobModel(next))
		if err != nil {
			return models.WorkflowJob{}, fmt.Errorf("mongo: update job: %w", err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
		s.logger.Debug("job changed during update, retrying", "job_id", id, "attempt", attempt+1)
	}
	return models.WorkflowJob{}, fmt.Errorf("%w: job %s", store.ErrUpdateContended, id)
}

// FindWaitingForEvent returns jobs parked on exactly cond.
func (s *Store) FindWaitingForEvent(ctx context.Context, cond models.WaitCondition) ([]models.WorkflowJob, error) {
	filter := bson.M{
		"status":                       string(models.StatusWaitingForEvent),
		"waiting_for_event.event_type": cond.EventType,
		"waiting_for_event.event_key":  cond.EventKey,
	}
	cursor, err := s.db.Collection(colJobs).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: find waiting jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []jobModel
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode waiting jobs: %w", err)
	}
	jobs := make([]models.WorkflowJob, 0, len(docs))
	for _, m := range docs {
		jobs = append(jobs, fromJobModel(m))
	}
	return jobs, nil
}

// Claim upserts the inbox document only when it is new, RELEASED, or an expired
// claim. When the filter misses an existing document the upsert collides on the
// unique index, which is the "already claimed" answer.
func (s *Store) Claim(ctx context.Context, messageID, consumerID, instanceID string) (bool, error) {
	now := time.Now().UTC()
	takeover := bson.A{bson.M{"status": string(models.InboxReleased)}}
	if s.claimTTL > 0 {
		takeover = append(takeover, bson.M{"status": string(models.InboxClaimed), "claimed_at": bson.M{"$lt": now.Add(-s.claimTTL)}})
	}
	filter := bson.M{"_id": inboxID(consumerID, messageID), "$or": takeover}
	update := bson.M{
		"$set": bson.M{
			"status":      string(models.InboxClaimed),
			"instance_id": instanceID,
			"claimed_at":  now,
			"last_error":  nil,
		},
		"$setOnInsert": bson.M{
			"consumer_id": consumerID,
			"message_id":  messageID,
		},
	}
	_, err := s.db.Collection(colInbox).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongo: claim inbox message: %w", err)
	}
	return true, nil
}

// FindByConsumerAndMessageID returns the inbox record, or nil when absent.
func (s *Store) FindByConsumerAndMessageID(ctx context.Context, consumerID, messageID string) (*models.InboxMessage, error) {
	var m inboxModel
	err := s.db.Collection(colInbox).FindOne(ctx, bson.M{"_id": inboxID(consumerID, messageID)}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongo: find inbox message: %w", err)
	}
	msg := fromInboxModel(m)
	return &msg, nil
}

// MarkAsProcessed transitions CLAIMED to PROCESSED; a second call matches nothing.
// Like the postgres store it does not filter on instance_id.
func (s *Store) MarkAsProcessed(ctx context.Context, messageID, consumerID string) error {
	_, err := s.db.Collection(colInbox).UpdateOne(ctx,
		bson.M{"_id": inboxID(consumerID, messageID), "status": bson.M{"$ne": string(models.InboxProcessed)}},
		bson.M{"$set": bson.M{"status": string(models.InboxProcessed), "processed_at": time.Now().UTC(), "last_error": nil}},
	)
	if err != nil {
		return fmt.Errorf("mongo: mark inbox processed: %w", err)
	}
	return nil
}

// ReleaseLock resets a CLAIMED document to RELEASED with the reason.
func (s *Store) ReleaseLock(ctx context.Context, messageID, consumerID, reason string) error {
	_, err := s.db.Collection(colInbox).UpdateOne(ctx,
		bson.M{"_id": inboxID(consumerID, messageID), "status": string(models.InboxClaimed)},
		bson.M{"$set": bson.M{"status": string(models.InboxReleased), "last_error": reason}},
	)
	if err != nil {
		return fmt.Errorf("mongo: release inbox lock: %w", err)
	}
	return nil
}

func inboxID(consumerID, messageID string) string {
	return consumerID + "|" + messageID
}
