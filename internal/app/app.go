// Package app is the composition root: it builds the broker topology and wires
// stores, the router, workflow processors and consumers together.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"review-orchestrator/internal/archive"
	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/completion"
	"review-orchestrator/internal/config"
	"review-orchestrator/internal/consumer"
	"review-orchestrator/internal/eventbuffer"
	"review-orchestrator/internal/jobs"
	"review-orchestrator/internal/lock"
	"review-orchestrator/internal/router"
	"review-orchestrator/internal/workflows"
)

// Exchanges.
const (
	WorkflowExchange      = "orchestrator.workflow"
	EventsExchange        = "orchestrator.events"
	DelayedEventsExchange = "orchestrator.events.delayed"
	DeadLetterExchange    = "orchestrator.dlx"
)

// Queues owned by the worker.
const (
	WorkflowJobsQueue      = "orchestrator.workflow-jobs"
	StageCompletionsQueue  = "orchestrator.stage-completions"
	ASTCompletionsQueue    = "orchestrator.ast-completions"
	DeadLetterArchiveQueue = "orchestrator.dead-letter-archive"
)

// Handlers consume the worker's queues. A nil handler leaves the queue
// declared but unconsumed.
type Handlers struct {
	Jobs    broker.Handler
	Stages  broker.Handler
	AST     broker.Handler
	Archive broker.Handler
}

// Topology declares every queue, its bindings and its dead-letter route.
func Topology(h Handlers, concurrency, maxAttempts int) *broker.Topology {
	return broker.NewTopology().
		MustRegister(broker.QueueSpec{
			Name:                 WorkflowJobsQueue,
			Bindings:             []broker.Binding{{Exchange: WorkflowExchange, Pattern: "workflow.jobs.#"}},
			DeadLetterExchange:   DeadLetterExchange,
			DeadLetterRoutingKey: "dead." + WorkflowJobsQueue,
			MaxAttempts:          maxAttempts,
			Concurrency:          concurrency,
			Handler:              h.Jobs,
		}).
		MustRegister(broker.QueueSpec{
			Name: StageCompletionsQueue,
			Bindings: []broker.Binding{
				{Exchange: EventsExchange, Pattern: "stage.completed.*"},
				{Exchange: DelayedEventsExchange, Pattern: "stage.completed.*"},
			},
			DeadLetterExchange:   DeadLetterExchange,
			DeadLetterRoutingKey: "dead." + StageCompletionsQueue,
			MaxAttempts:          maxAttempts,
			Concurrency:          concurrency,
			Handler:              h.Stages,
		}).
		MustRegister(broker.QueueSpec{
			Name:                 ASTCompletionsQueue,
			Bindings:             []broker.Binding{{Exchange: EventsExchange, Pattern: completion.ASTCompletedEvent}},
			DeadLetterExchange:   DeadLetterExchange,
			DeadLetterRoutingKey: "dead." + ASTCompletionsQueue,
			MaxAttempts:          maxAttempts,
			Concurrency:          concurrency,
			Handler:              h.AST,
		}).
		MustRegister(broker.QueueSpec{
			Name:        DeadLetterArchiveQueue,
			Bindings:    []broker.Binding{{Exchange: DeadLetterExchange, Pattern: "#"}},
			MaxAttempts: maxAttempts,
			Concurrency: 1,
			Handler:     h.Archive,
		})
}

// Deps are the external resources a Worker is built from.
type Deps struct {
	Config         config.Config
	Redis          redis.Cmdable
	Stores         Stores
	Archive        *archive.Archiver
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Worker owns everything a worker process runs.
type Worker struct {
	Gateway *broker.RedisGateway
	Jobs    *jobs.Service
	Router  *router.Router
	topo    *broker.Topology
	stores  Stores
	logger  *slog.Logger
}

// NewGateway builds the broker gateway from cfg.
func NewGateway(client redis.Cmdable, cfg config.Config, logger *slog.Logger) *broker.RedisGateway {
	return broker.NewRedisGateway(client, broker.Options{
		Visibility:         cfg.VisibilityTimeout,
		PollInterval:       cfg.WorkerPollInterval,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		DefaultMaxAttempts: cfg.MaxAttempts,
		DeadLetterList:     cfg.DLQName,
	}, logger)
}

// NewJobsService builds the lifecycle service on gw and a Redis event buffer.
func NewJobsService(client redis.Cmdable, stores Stores, gw broker.Publisher, cfg config.Config, logger *slog.Logger) *jobs.Service {
	return jobs.NewService(stores.Jobs, gw, eventbuffer.NewRedisBuffer(client, cfg.EventBufferTTL), WorkflowExchange, logger)
}

// NewWorker wires the worker and declares its topology.
func NewWorker(ctx context.Context, d Deps) (*Worker, error) {
	cfg, log := d.Config, d.Logger
	if log == nil {
		log = slog.Default()
	}
	tp := d.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	gw := NewGateway(d.Redis, cfg, log)
	buffer := eventbuffer.NewRedisBuffer(d.Redis, cfg.EventBufferTTL)
	svc := jobs.NewService(d.Stores.Jobs, gw, buffer, WorkflowExchange, log)

	rt := router.New(d.Stores.Jobs,
		router.WithTimeouts(cfg.WorkflowTimeouts),
		router.WithLogger(log),
		router.WithTracerProvider(tp),
	)
	deps := workflows.Deps{Jobs: svc, Publisher: gw, Exchange: EventsExchange, Logger: log}
	if err := workflows.Register(rt, deps, lock.NewRedisLock(d.Redis), cfg.LockTTL); err != nil {
		return nil, err
	}

	handlers := Handlers{
		Jobs: consumer.New(rt, d.Stores.Inbox, cfg.InstanceID, log).Handle,
		Stages: completion.NewHandler(completion.StageFamily(), cfg.InstanceID, d.Stores.Inbox, d.Stores.Jobs, svc, buffer,
			completion.WithLogger(log), completion.WithTracerProvider(tp)).Handle,
		AST: completion.NewHandler(completion.ASTFamily(), cfg.InstanceID, d.Stores.Inbox, d.Stores.Jobs, svc, buffer,
			completion.WithLogger(log), completion.WithTracerProvider(tp)).Handle,
	}
	if d.Archive != nil {
		handlers.Archive = d.Archive.Handle
	}
	topo := Topology(handlers, cfg.ConsumerConcurrency, cfg.MaxAttempts)
	if err := gw.Declare(ctx, topo); err != nil {
		return nil, err
	}
	return &Worker{Gateway: gw, Jobs: svc, Router: rt, topo: topo, stores: d.Stores, logger: log}, nil
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker running", "queues", len(w.topo.Queues()))
	return w.Gateway.Run(ctx)
}

// Close releases the store connections.
func (w *Worker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return w.stores.Close(ctx)
}

// Drain handles deliveries on every consumed queue until none are ready or
// limit deliveries have been handled.
func (w *Worker) Drain(ctx context.Context, limit int) (int, error) {
	handled := 0
	for handled < limit {
		progressed := false
		for _, spec := range w.topo.Queues() {
			if spec.Handler == nil {
				continue
			}
			ok, err := w.Gateway.ProcessOne(ctx, spec)
			if err != nil {
				return handled, err
			}
			if ok {
				handled++
				progressed = true
			}
		}
		if !progressed {
			return handled, nil
		}
	}
	return handled, nil
}

// ShutdownTimeout bounds cleanup after the worker stops.
const ShutdownTimeout = 10 * time.Second
