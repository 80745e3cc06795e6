package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"review-orchestrator/internal/telemetry"
)

// Options tunes leases, polling and retries.
type Options struct {
	Visibility         time.Duration
	PollInterval       time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	DefaultMaxAttempts int
	// DeadLetterList keeps dead deliveries for inspection and replay.
	DeadLetterList string
	BatchSize      int64
}

func (o Options) withDefaults() Options {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 5
	}
	if o.DeadLetterList == "" {
		o.DeadLetterList = "orchestrator.dlq"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// RedisGateway coordinates ready, in-flight and delayed deliveries per queue in Redis.
type RedisGateway struct {
	client   redis.Cmdable
	opts     Options
	logger   *slog.Logger
	topology *Topology
	now      func() time.Time
}

var _ Publisher = (*RedisGateway)(nil)

// NewRedisGateway builds a gateway. Call Declare before Run.
func NewRedisGateway(client redis.Cmdable, opts Options, logger *slog.Logger) *RedisGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGateway{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "broker"),
		now:    time.Now,
	}
}

func bindingsKey(exchange string) string { return "broker:bindings:" + exchange }
func readyKey(queue string) string       { return "broker:queue:" + queue + ":ready" }
func inflightKey(queue string) string    { return "broker:queue:" + queue + ":inflight" }
func delayedKey(queue string) string     { return "broker:queue:" + queue + ":delayed" }
func deliveryKey(id string) string       { return "broker:delivery:" + id }

// Declare persists every binding in t so publishers in other processes route
// the same way, and keeps t for Run.
func (g *RedisGateway) Declare(ctx context.Context, t *Topology) error {
	for _, q := range t.Queues() {
		for _, b := range q.Bindings {
			if err := g.Bind(ctx, b.Exchange, b.Pattern, q.Name); err != nil {
				return err
			}
		}
	}
	g.topology = t
	return nil
}

// Bind routes exchange messages matching pattern to queue.
func (g *RedisGateway) Bind(ctx context.Context, exchange, pattern, queue string) error {
	if err := g.client.SAdd(ctx, bindingsKey(exchange), pattern+" "+queue).Err(); err != nil {
		return fmt.Errorf("broker: bind %s %s -> %s: %w", exchange, pattern, queue, err)
	}
	return nil
}

func (g *RedisGateway) route(ctx context.Context, exchange, routingKey string) ([]string, error) {
	members, err := g.client.SMembers(ctx, bindingsKey(exchange)).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: load bindings for %s: %w", exchange, err)
	}
	var queues []string
	for _, m := range members {
		pattern, queue, ok := strings.Cut(m, " ")
		if !ok || !MatchRoutingKey(pattern, routingKey) || slices.Contains(queues, queue) {
			continue
		}
		queues = append(queues, queue)
	}
	slices.Sort(queues)
	return queues, nil
}

// Publish wraps payload in an envelope and enqueues one delivery per matching queue.
func (g *RedisGateway) Publish(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOption) error {
	o := NewPublishOptions(routingKey, opts...)
	now := g.now()
	env, err := NewEnvelope(payload, o, now)
	if err != nil {
		return err
	}
	props := Properties{
		MessageID:     o.MessageID,
		CorrelationID: o.CorrelationID,
		Persistent:    true,
		Headers:       o.Headers,
		Timestamp:     now.UTC(),
	}
	return g.dispatch(ctx, exchange, routingKey, env, props, o.Delay, o.Mandatory)
}

func (g *RedisGateway) dispatch(ctx context.Context, exchange, routingKey string, env Envelope, props Properties, delay time.Duration, mandatory bool) error {
	queues, err := g.route(ctx, exchange, routingKey)
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		telemetry.MessagesUnroutable.WithLabelValues(exchange).Inc()
		if mandatory {
			return fmt.Errorf("%w: %s/%s", ErrNoRoute, exchange, routingKey)
		}
		g.logger.Debug("message matched no binding", "exchange", exchange, "routing_key", routingKey, "message_id", props.MessageID)
		return nil
	}

	now := g.now()
	pipe := g.client.TxPipeline()
	for _, q := range queues {
		d := Delivery{
			ID:         uuid.NewString(),
			Queue:      q,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Envelope:   env,
			Properties: props,
			EnqueuedAt: now.UTC(),
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("broker: marshal delivery: %w", err)
		}
		pipe.Set(ctx, deliveryKey(d.ID), raw, 0)
		if delay > 0 {
			pipe.ZAdd(ctx, delayedKey(q), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: d.ID})
		} else {
			pipe.RPush(ctx, readyKey(q), d.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: publish %s/%s: %w", exchange, routingKey, err)
	}
	telemetry.MessagesPublished.WithLabelValues(exchange).Inc()
	return nil
}

// Dequeue pops the next ready delivery and leases it for the visibility timeout.
func (g *RedisGateway) Dequeue(ctx context.Context, queue string) (Delivery, bool, error) {
	deadline := g.now().Add(g.opts.Visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, g.client, []string{readyKey(queue), inflightKey(queue)}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("broker: dequeue %s: %w", queue, err)
	}
	id, ok := res.(string)
	if !ok {
		return Delivery{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	d, err := g.load(ctx, id)
	if errors.Is(err, ErrDeliveryNotFound) {
		g.logger.Warn("dropping delivery without a record", "queue", queue, "delivery_id", id)
		return Delivery{}, false, g.client.ZRem(ctx, inflightKey(queue), id).Err()
	}
	if err != nil {
		return Delivery{}, false, err
	}
	d.Attempt++
	if err := g.save(ctx, d); err != nil {
		return Delivery{}, false, err
	}
	return d, true, nil
}

func (g *RedisGateway) load(ctx context.Context, id string) (Delivery, error) {
	raw, err := g.client.Get(ctx, deliveryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("broker: load delivery %s: %w", id, err)
	}
	var d Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return Delivery{}, fmt.Errorf("broker: decode delivery %s: %w", id, err)
	}
	return d, nil
}

func (g *RedisGateway) save(ctx context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("broker: marshal delivery: %w", err)
	}
	if err := g.client.Set(ctx, deliveryKey(d.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("broker: save delivery %s: %w", d.ID, err)
	}
	return nil
}

// ExtendLease pushes the visibility deadline forward for a leased delivery.
func (g *RedisGateway) ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error {
	return g.client.ZAddXX(ctx, inflightKey(d.Queue), redis.Z{
		Score:  float64(g.now().Add(extension).UnixMilli()),
		Member: d.ID,
	}).Err()
}

// Ack removes a delivery from in-flight tracking along with its record.
func (g *RedisGateway) Ack(ctx context.Context, d Delivery) error {
	pipe := g.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(d.Queue), d.ID)
	pipe.Del(ctx, deliveryKey(d.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the delivery again after delay.
func (g *RedisGateway) Retry(ctx context.Context, d Delivery, cause error, delay time.Duration) error {
	if cause != nil {
		d.LastError = cause.Error()
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("broker: marshal delivery: %w", err)
	}
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, deliveryKey(d.ID), raw, 0)
	pipe.ZRem(ctx, inflightKey(d.Queue), d.ID)
	pipe.ZAdd(ctx, delayedKey(d.Queue), redis.Z{Score: float64(g.now().Add(delay).UnixMilli()), Member: d.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetter parks d on the dead-letter list and republishes it to the
// queue's dead-letter exchange when one is configured.
func (g *RedisGateway) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	now := g.now().UTC()
	d.LastError = reason
	d.DeadAt = &now
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("broker: marshal delivery: %w", err)
	}
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, deliveryKey(d.ID), raw, 0)
	pipe.ZRem(ctx, inflightKey(d.Queue), d.ID)
	pipe.RPush(ctx, g.opts.DeadLetterList, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: dead-letter %s: %w", d.ID, err)
	}

	spec, ok := g.queueSpec(d.Queue)
	if !ok || spec.DeadLetterExchange == "" {
		return nil
	}
	routingKey := spec.DeadLetterRoutingKey
	if routingKey == "" {
		routingKey = d.RoutingKey
	}
	props := d.Properties
	props.Headers = make(map[string]string, len(d.Properties.Headers)+4)
	for k, v := range d.Properties.Headers {
		props.Headers[k] = v
	}
	props.Headers[HeaderDeathReason] = reason
	props.Headers[HeaderOriginalQueue] = d.Queue
	props.Headers[HeaderOriginalRoutingKey] = d.RoutingKey
	props.Headers[HeaderDeliveryID] = d.ID
	return g.dispatch(ctx, spec.DeadLetterExchange, routingKey, d.Envelope, props, 0, false)
}

func (g *RedisGateway) queueSpec(name string) (QueueSpec, bool) {
	if g.topology == nil {
		return QueueSpec{}, false
	}
	return g.topology.Queue(name)
}

// PromoteDelayed moves due delayed deliveries into the ready list and returns how many moved.
func (g *RedisGateway) PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error) {
	ids, err := moveDueScript.Run(ctx, g.client, []string{delayedKey(queue), readyKey(queue)}, now.UnixMilli(), g.opts.BatchSize).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (g *RedisGateway) RequeueExpired(ctx context.Context, queue string, now time.Time) ([]string, error) {
	ids, err := moveDueScript.Run(ctx, g.client, []string{inflightKey(queue), readyKey(queue)}, now.UnixMilli(), g.opts.BatchSize).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return ids, nil
}

// Depth reports ready, in-flight and delayed counts for queue.
func (g *RedisGateway) Depth(ctx context.Context, queue string) (ready, inflight, delayed int64, err error) {
	pipe := g.client.Pipeline()
	r := pipe.LLen(ctx, readyKey(queue))
	i := pipe.ZCard(ctx, inflightKey(queue))
	d := pipe.ZCard(ctx, delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return r.Val(), i.Val(), d.Val(), nil
}

// DLQPeek reads up to count dead-lettered deliveries, oldest first.
func (g *RedisGateway) DLQPeek(ctx context.Context, count int64) ([]Delivery, error) {
	ids, err := g.client.LRange(ctx, g.opts.DeadLetterList, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: read dead-letter list: %w", err)
	}
	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		d, err := g.load(ctx, id)
		if errors.Is(err, ErrDeliveryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DLQDepth returns the length of the dead-letter list.
func (g *RedisGateway) DLQDepth(ctx context.Context) (int64, error) {
	return g.client.LLen(ctx, g.opts.DeadLetterList).Result()
}

// DLQReplay moves a dead-lettered delivery back onto its queue with a fresh retry budget.
func (g *RedisGateway) DLQReplay(ctx context.Context, deliveryID string) (Delivery, error) {
	removed, err := g.client.LRem(ctx, g.opts.DeadLetterList, 1, deliveryID).Result()
	if err != nil {
		return Delivery{}, fmt.Errorf("broker: replay %s: %w", deliveryID, err)
	}
	if removed == 0 {
		return Delivery{}, fmt.Errorf("%w: %s", ErrDeliveryNotFound, deliveryID)
	}
	d, err := g.load(ctx, deliveryID)
	if err != nil {
		return Delivery{}, err
	}
	d.Attempt = 0
	d.LastError = ""
	d.DeadAt = nil
	raw, err := json.Marshal(d)
	if err != nil {
		return Delivery{}, fmt.Errorf("broker: marshal delivery: %w", err)
	}
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, deliveryKey(d.ID), raw, 0)
	pipe.RPush(ctx, readyKey(d.Queue), d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return Delivery{}, fmt.Errorf("broker: replay %s: %w", deliveryID, err)
	}
	return d, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// moveDueScript moves members of the sorted set KEYS[1] scored at or below
// ARGV[1] onto the list KEYS[2]. ZREM guards against two workers moving the same id.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)
