// Package api exposes the webhook intake and operator endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/ratelimit"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/telemetry"
	"review-orchestrator/internal/workflows"
)

// HeaderCorrelationID lets callers choose the correlation id of the jobs they start.
const HeaderCorrelationID = "X-Correlation-ID"

// Jobs creates and looks up workflow jobs.
type Jobs interface {
	Create(ctx context.Context, p store.CreateJobParams) (models.WorkflowJob, error)
	Get(ctx context.Context, id string) (models.WorkflowJob, error)
}

// DeadLetters is the operator view of the dead-letter queue.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]broker.Delivery, error)
	DLQDepth(ctx context.Context) (int64, error)
	DLQReplay(ctx context.Context, deliveryID string) (broker.Delivery, error)
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the orchestrator API.
type Server struct {
	jobs    Jobs
	dlq     DeadLetters
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. A nil limiter disables throttling.
func New(jobs Jobs, dlq DeadLetters, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{jobs: jobs, dlq: dlq, limiter: limiter, logger: logger.With("component", "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/{platform}", s.handleWebhook)
	r.Post("/workflow-jobs", s.handleCreateJob)
	r.Get("/workflow-jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{id}/replay", s.handleReplay)
	return r
}

type webhookRequest struct {
	Action         string `json:"action"`
	Repository     string `json:"repository"`
	PullRequest    int    `json:"pullRequestNumber"`
	HeadSHA        string `json:"headSha"`
	BaseRef        string `json:"baseRef"`
	Actor          string `json:"actor"`
	OrganizationID string `json:"organizationId"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	payload := workflows.WebhookPayload{
		Platform:       chi.URLParam(r, "platform"),
		Action:         req.Action,
		Repository:     req.Repository,
		PullRequest:    req.PullRequest,
		HeadSHA:        req.HeadSHA,
		BaseRef:        req.BaseRef,
		Actor:          req.Actor,
		OrganizationID: req.OrganizationID,
	}
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.WebhookKey(payload.Platform, payload.Repository))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	s.createJob(w, r, models.WorkflowWebhookProcessing, body)
}

type createJobRequest struct {
	WorkflowType models.WorkflowType `json:"workflowType"`
	Payload      map[string]any      `json:"payload"`
}

var creatableTypes = map[models.WorkflowType]bool{
	models.WorkflowWebhookProcessing:             true,
	models.WorkflowCodeReview:                    true,
	models.WorkflowCheckSuggestionImplementation: true,
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !creatableTypes[req.WorkflowType] {
		writeError(w, http.StatusBadRequest, "unsupported workflowType "+strconv.Quote(string(req.WorkflowType)))
		return
	}
	s.createJob(w, r, req.WorkflowType, req.Payload)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request, wt models.WorkflowType, payload map[string]any) {
	correlationID := r.Header.Get(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	job, err := s.jobs.Create(r.Context(), store.CreateJobParams{
		WorkflowType:  wt,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	if err != nil {
		s.logger.Error("create job failed", "workflow_type", wt, "correlation_id", correlationID, "error", err)
		if job.ID != "" {
			writeError(w, http.StatusServiceUnavailable, "job stored but not dispatched")
			return
		}
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}
	w.Header().Set(HeaderCorrelationID, correlationID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns the oldest dead letters and the queue depth.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.dlq.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	depth, err := s.dlq.DLQDepth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"depth": depth, "items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	d, err := s.dlq.DLQReplay(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, broker.ErrDeliveryNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("dead letter replayed", "delivery_id", d.ID, "queue", d.Queue, "message_id", d.MessageID())
	writeJSON(w, http.StatusOK, d)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
