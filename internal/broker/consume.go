package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"review-orchestrator/internal/telemetry"
)

// Run consumes every declared queue that has a handler, and keeps delayed
// and expired deliveries moving, until ctx is cancelled.
func (g *RedisGateway) Run(ctx context.Context) error {
	if g.topology == nil {
		return errors.New("broker: Run called before Declare")
	}
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.maintain(ctx) })
	for _, spec := range g.topology.Queues() {
		if spec.Handler == nil {
			continue
		}
		workers := max(spec.Concurrency, 1)
		g.logger.Info("consuming queue", "queue", spec.Name, "workers", workers)
		spec := spec
		for i := 0; i < workers; i++ {
			grp.Go(func() error { return g.consume(ctx, spec) })
		}
	}
	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (g *RedisGateway) consume(ctx context.Context, spec QueueSpec) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		handled, err := g.ProcessOne(ctx, spec)
		if err != nil && ctx.Err() == nil {
			g.logger.Error("queue poll failed", "queue", spec.Name, "error", err)
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.opts.PollInterval):
		}
	}
}

func (g *RedisGateway) maintain(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := g.now()
		for _, spec := range g.topology.Queues() {
			if _, err := g.PromoteDelayed(ctx, spec.Name, now); err != nil && ctx.Err() == nil {
				g.logger.Warn("promote delayed failed", "queue", spec.Name, "error", err)
			}
			if reclaimed, err := g.RequeueExpired(ctx, spec.Name, now); err != nil && ctx.Err() == nil {
				g.logger.Warn("requeue expired failed", "queue", spec.Name, "error", err)
			} else if len(reclaimed) > 0 {
				g.logger.Warn("reclaimed expired leases", "queue", spec.Name, "count", len(reclaimed))
			}
			if ready, _, _, err := g.Depth(ctx, spec.Name); err == nil {
				telemetry.QueueDepthGauge.WithLabelValues(spec.Name).Set(float64(ready))
			}
		}
		if depth, err := g.DLQDepth(ctx); err == nil {
			telemetry.DeadLetterDepth.Set(float64(depth))
		}
	}
}

// ProcessOne leases at most one delivery from spec's queue, runs the handler
// and settles the outcome. It reports whether a delivery was handled.
func (g *RedisGateway) ProcessOne(ctx context.Context, spec QueueSpec) (bool, error) {
	d, ok, err := g.Dequeue(ctx, spec.Name)
	if err != nil || !ok {
		return false, err
	}
	d.MaxAttempts = g.maxAttempts(spec)

	inflight := telemetry.InFlightGauge.WithLabelValues(spec.Name)
	inflight.Inc()
	stop := g.keepLeaseAlive(ctx, d)
	herr := invoke(ctx, spec.Handler, d)
	stop()
	inflight.Dec()

	return true, g.settle(ctx, d, herr)
}

func (g *RedisGateway) maxAttempts(spec QueueSpec) int {
	if spec.MaxAttempts > 0 {
		return spec.MaxAttempts
	}
	return g.opts.DefaultMaxAttempts
}

func (g *RedisGateway) settle(ctx context.Context, d Delivery, herr error) error {
	log := g.logger.With("queue", d.Queue, "delivery_id", d.ID, "routing_key", d.RoutingKey, "attempt", d.Attempt)
	switch {
	case herr == nil:
		telemetry.Deliveries.WithLabelValues(d.Queue, "ack").Inc()
		return g.Ack(ctx, d)
	case IsRejected(herr) || d.FinalAttempt():
		log.Error("dead-lettering delivery", "error", herr, "rejected", IsRejected(herr))
		telemetry.Deliveries.WithLabelValues(d.Queue, "dead_letter").Inc()
		return g.DeadLetter(ctx, d, herr.Error())
	default:
		delay := backoffWithJitter(g.opts.BackoffInitial, g.opts.BackoffMax, d.Attempt)
		log.Warn("delivery failed, retry scheduled", "error", herr, "retry_in", delay)
		telemetry.Deliveries.WithLabelValues(d.Queue, "retry").Inc()
		return g.Retry(ctx, d, herr, delay)
	}
}

// keepLeaseAlive extends the lease every half visibility period until the
// returned stop function is called.
func (g *RedisGateway) keepLeaseAlive(ctx context.Context, d Delivery) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(g.opts.Visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := g.ExtendLease(ctx, d, g.opts.Visibility); err != nil && ctx.Err() == nil {
					g.logger.Warn("extend lease failed", "queue", d.Queue, "delivery_id", d.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
