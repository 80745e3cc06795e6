package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesPublished  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_messages_published_total", Help: "Messages published per exchange"}, []string{"exchange"})
	MessagesUnroutable = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_messages_unroutable_total", Help: "Messages that matched no binding"}, []string{"exchange"})
	Deliveries         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_deliveries_total", Help: "Settled deliveries by queue and outcome"}, []string{"queue", "outcome"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_queue_depth", Help: "Ready deliveries per queue"}, []string{"queue"})
	InFlightGauge      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_inflight", Help: "Deliveries currently leased per queue"}, []string{"queue"})
	DeadLetterDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_dead_letter_depth", Help: "Deliveries parked on the dead-letter list"})

	JobsCreated         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_created_total", Help: "Workflow jobs created"}, []string{"workflow_type"})
	JobsResumed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_resumed_total", Help: "Workflow jobs resumed by a completion event"}, []string{"workflow_type", "source"})
	JobsFinished        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_finished_total", Help: "Workflow jobs reaching a terminal status"}, []string{"workflow_type", "status", "classification"})
	ProcessDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "orchestrator_process_duration_seconds", Help: "Router processing time", Buckets: prometheus.ExponentialBuckets(0.01, 4, 10)}, []string{"workflow_type", "outcome"})
	InboxDuplicates     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_inbox_duplicates_total", Help: "Deliveries skipped by the inbox"}, []string{"consumer", "reason"})
	EventsBuffered      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_events_buffered_total", Help: "Completion events buffered with no waiting job"}, []string{"event_type"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Webhook requests rejected by rate limiter"})
	DeadLettersArchived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_dead_letters_archived_total", Help: "Dead-lettered messages archived"}, []string{"destination"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesPublished,
			MessagesUnroutable,
			Deliveries,
			QueueDepthGauge,
			InFlightGauge,
			DeadLetterDepth,
			JobsCreated,
			JobsResumed,
			JobsFinished,
			ProcessDuration,
			InboxDuplicates,
			EventsBuffered,
			RateLimitRejects,
			DeadLettersArchived,
		)
	})
	return promhttp.Handler()
}
