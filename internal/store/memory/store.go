// Package memory implements the job and inbox stores in process memory.
// Safe for concurrent access. Intended for tests and single-process development.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
)

var (
	_ store.JobStore   = (*Store)(nil)
	_ store.InboxStore = (*Store)(nil)
)

// Store keeps jobs and inbox records in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]models.WorkflowJob
	inbox    map[inboxKey]models.InboxMessage
	claimTTL time.Duration
	now      func() time.Time
}

type inboxKey struct {
	consumerID string
	messageID  string
}

// Option configures the Store.
type Option func(*Store)

// WithClaimTTL lets stale CLAIMED records be taken over after ttl.
func WithClaimTTL(ttl time.Duration) Option {
	return func(s *Store) { s.claimTTL = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:  make(map[string]models.WorkflowJob),
		inbox: make(map[inboxKey]models.InboxMessage),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// CreateJob persists a new PENDING job.
func (s *Store) CreateJob(_ context.Context, p store.CreateJobParams) (models.WorkflowJob, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[p.ID]; exists {
		return models.WorkflowJob{}, fmt.Errorf("memory: job %s already exists", p.ID)
	}
	job := store.NewJob(p, s.now())
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

// GetJob returns a copy of the stored job.
func (s *Store) GetJob(_ context.Context, id string) (models.WorkflowJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.WorkflowJob{}, store.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// UpdateJob applies u under the store lock.
func (s *Store) UpdateJob(_ context.Context, id string, u store.JobUpdate) (models.WorkflowJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.WorkflowJob{}, store.ErrJobNotFound
	}
	next, err := store.ApplyUpdate(cloneJob(job), u, s.now())
	if err != nil {
		return models.WorkflowJob{}, err
	}
	s.jobs[id] = next
	return cloneJob(next), nil
}

// FindWaitingForEvent returns matching WAITING_FOR_EVENT jobs ordered by creation time.
func (s *Store) FindWaitingForEvent(_ context.Context, cond models.WaitCondition) ([]models.WorkflowJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WorkflowJob
	for _, job := range s.jobs {
		if job.Status != models.StatusWaitingForEvent || job.WaitingForEvent == nil {
			continue
		}
		if *job.WaitingForEvent == cond {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Claim inserts a CLAIMED inbox record unless one is outstanding or processed.
func (s *Store) Claim(_ context.Context, messageID, consumerID, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{consumerID: consumerID, messageID: messageID}
	now := s.now()
	if existing, ok := s.inbox[key]; ok {
		if existing.Status == models.InboxProcessed {
			return false, nil
		}
		if existing.Status == models.InboxClaimed && !store.ClaimExpired(existing, s.claimTTL, now) {
			return false, nil
		}
	}
	s.inbox[key] = models.InboxMessage{
		ConsumerID: consumerID,
		MessageID:  messageID,
		Status:     models.InboxClaimed,
		InstanceID: instanceID,
		ClaimedAt:  now,
	}
	return true, nil
}

// FindByConsumerAndMessageID returns the record or nil.
func (s *Store) FindByConsumerAndMessageID(_ context.Context, consumerID, messageID string) (*models.InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.inbox[inboxKey{consumerID: consumerID, messageID: messageID}]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

// MarkAsProcessed transitions the record to PROCESSED whichever instance holds
// the claim. Missing or already processed records are left alone.
func (s *Store) MarkAsProcessed(_ context.Context, messageID, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{consumerID: consumerID, messageID: messageID}
	msg, ok := s.inbox[key]
	if !ok || msg.Status == models.InboxProcessed {
		return nil
	}
	now := s.now()
	msg.Status = models.InboxProcessed
	msg.ProcessedAt = &now
	msg.LastError = nil
	s.inbox[key] = msg
	return nil
}

// ReleaseLock gives a claim back so a redelivery can retry it.
func (s *Store) ReleaseLock(_ context.Context, messageID, consumerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{consumerID: consumerID, messageID: messageID}
	msg, ok := s.inbox[key]
	if !ok || msg.Status != models.InboxClaimed {
		return nil
	}
	msg.Status = models.InboxReleased
	msg.LastError = &reason
	s.inbox[key] = msg
	return nil
}

func cloneJob(job models.WorkflowJob) models.WorkflowJob {
	job.Payload = maps.Clone(job.Payload)
	job.Metadata = maps.Clone(job.Metadata)
	if job.WaitingForEvent != nil {
		cond := *job.WaitingForEvent
		job.WaitingForEvent = &cond
	}
	return job
}
