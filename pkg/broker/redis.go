package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollTimeout bounds each blocking pop so cancelled consumers exit promptly.
	DefaultPollTimeout = time.Second

	// DefaultConsumerTTL is how long a consumer registration survives without a heartbeat.
	// Consumers of crashed processes stop counting as live after this.
	DefaultConsumerTTL = 15 * time.Second

	// minPoolSize leaves room for blocked consumers next to ordinary commands.
	minPoolSize = 64
)

// RedisOptions tune a RedisBroker. Zero values select defaults.
type RedisOptions struct {
	Namespace   string // Key namespace, usually the virtual host; "" and "/" map to "default"
	PollTimeout time.Duration
	ConsumerTTL time.Duration
	Logger      *zerolog.Logger
}

// RedisBroker implements Broker on top of Redis lists, sets and Lua scripts.
// Queues are lists, so a blocking pop hands every message to exactly one consumer.
// The broker is thread-safe and can be used concurrently from multiple goroutines.
type RedisBroker struct {
	rdb         *redis.Client
	namespace   string
	pollTimeout time.Duration
	consumerTTL time.Duration
	log         zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*redisConsumer
	closed    bool
	wg        sync.WaitGroup
}

// NewRedisBroker creates a broker using the given connection options.
// The caller's options are copied; the pool is widened when it is too small to hold
// one blocked connection per consumer.
func NewRedisBroker(redisOpts *redis.Options, opts RedisOptions) (*RedisBroker, error) {
	if redisOpts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}

	o := *redisOpts
	if o.PoolSize < minPoolSize {
		o.PoolSize = minPoolSize
	}

	b := &RedisBroker{
		rdb:         redis.NewClient(&o),
		namespace:   normalizeNamespace(opts.Namespace),
		pollTimeout: opts.PollTimeout,
		consumerTTL: opts.ConsumerTTL,
		log:         zerolog.Nop(),
		consumers:   make(map[string]*redisConsumer),
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = DefaultPollTimeout
	}
	if b.consumerTTL <= 0 {
		b.consumerTTL = DefaultConsumerTTL
	}
	if b.consumerTTL < 2*b.pollTimeout {
		b.consumerTTL = 2 * b.pollTimeout
	}
	if opts.Logger != nil {
		b.log = opts.Logger.With().Str("component", "broker").Logger()
	}

	return b, nil
}

// DialRedis creates a broker and verifies connectivity.
func DialRedis(ctx context.Context, redisOpts *redis.Options, opts RedisOptions) (*RedisBroker, error) {
	b, err := NewRedisBroker(redisOpts, opts)
	if err != nil {
		return nil, err
	}
	if err := b.Ping(ctx); err != nil {
		b.rdb.Close()
		return nil, fmt.Errorf("failed to reach Redis at %s: %w", redisOpts.Addr, err)
	}
	return b, nil
}

func normalizeNamespace(ns string) string {
	if ns == "" || ns == "/" {
		return "default"
	}
	return ns
}

// Namespace returns the key namespace this broker operates in.
func (b *RedisBroker) Namespace() string {
	return b.namespace
}

// RedisClient exposes the underlying client for tooling and tests.
func (b *RedisBroker) RedisClient() *redis.Client {
	return b.rdb
}

// Ping verifies Redis connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBroker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func boolArg(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// DeclareExchange records exchange metadata. Redis has no routing objects of its own,
// so bindings stay authoritative and publishing never depends on this record.
func (b *RedisBroker) DeclareExchange(ctx context.Context, name string, opts ExchangeOptions) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if name == DefaultExchange {
		return nil
	}
	if err := b.rdb.HSet(ctx, ExchangeKey(b.namespace, name), ExchangeOptionsToHash(opts)).Err(); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", name, err)
	}
	return nil
}

// DeleteExchange removes an exchange and its bindings.
// With ifUnused it returns ErrInUse while any bound queue still exists.
func (b *RedisBroker) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	res, err := deleteExchangeScript.Run(ctx, b.rdb, nil, b.namespace, name, boolArg(ifUnused)).Int()
	if err != nil {
		return fmt.Errorf("failed to delete exchange %q: %w", name, err)
	}
	if res < 0 {
		return fmt.Errorf("exchange %q: %w", name, ErrInUse)
	}
	return nil
}

// DeclareQueue creates the queue if it does not exist. Existing queues keep their options.
func (b *RedisBroker) DeclareQueue(ctx context.Context, name string, opts QueueOptions) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	hash := QueueOptionsToHash(opts)
	err := declareQueueScript.Run(ctx, b.rdb, nil,
		b.namespace, name, hash["durable"], hash["auto_delete"], hash["expires_ms"], nowMs()).Err()
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", name, err)
	}
	return nil
}

// InspectQueue returns the live consumer count and backlog of a queue.
// Returns ErrQueueNotFound if the queue does not exist.
func (b *RedisBroker) InspectQueue(ctx context.Context, name string) (QueueInfo, error) {
	if err := b.checkOpen(); err != nil {
		return QueueInfo{}, err
	}
	vals, err := inspectQueueScript.Run(ctx, b.rdb, nil, b.namespace, name, nowMs()).Int64Slice()
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %q: %w", name, err)
	}
	if len(vals) != 2 {
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %q: unexpected reply %v", name, vals)
	}
	if vals[0] < 0 {
		return QueueInfo{}, fmt.Errorf("queue %q: %w", name, ErrQueueNotFound)
	}
	return QueueInfo{Name: name, Consumers: int(vals[0]), Messages: int(vals[1])}, nil
}

// BindQueue routes messages published to exchange with routingKey into queue.
func (b *RedisBroker) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	ok, err := bindQueueScript.Run(ctx, b.rdb, nil, b.namespace, queue, exchange, routingKey).Int()
	if err != nil {
		return fmt.Errorf("failed to bind queue %q to %q/%q: %w", queue, exchange, routingKey, err)
	}
	if ok == 0 {
		return fmt.Errorf("failed to bind queue %q: %w", queue, ErrQueueNotFound)
	}
	return nil
}

// DeleteQueue removes a queue with its pending messages and bindings.
// Deleting an absent queue returns ErrQueueNotFound.
func (b *RedisBroker) DeleteQueue(ctx context.Context, name string, opts DeleteOptions) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	res, err := deleteQueueScript.Run(ctx, b.rdb, nil,
		b.namespace, name, nowMs(), boolArg(opts.IfUnused), boolArg(opts.IfEmpty)).Int()
	if err != nil {
		return fmt.Errorf("failed to delete queue %q: %w", name, err)
	}
	switch res {
	case 0:
		return fmt.Errorf("queue %q: %w", name, ErrQueueNotFound)
	case -1:
		return fmt.Errorf("queue %q has consumers: %w", name, ErrInUse)
	case -2:
		return fmt.Errorf("queue %q is not empty: %w", name, ErrInUse)
	}
	return nil
}

// Get pops the oldest pending message of queue without registering a consumer.
// ok is false when the queue is empty or absent.
func (b *RedisBroker) Get(ctx context.Context, queue string) (Message, bool, error) {
	if err := b.checkOpen(); err != nil {
		return Message{}, false, err
	}
	raw, err := b.rdb.LPop(ctx, QueueMessagesKey(b.namespace, queue)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to get from queue %q: %w", queue, err)
	}
	msg, err := DecodeMessage(raw)
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to decode message from queue %q: %w", queue, err)
	}
	return msg, true, nil
}

// Publish routes msg through exchange. Unroutable messages are dropped silently,
// matching direct-exchange semantics.
func (b *RedisBroker) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	delivered, err := publishScript.Run(ctx, b.rdb, nil, b.namespace, exchange, routingKey, raw).Int()
	if err != nil {
		return fmt.Errorf("failed to publish to %q/%q: %w", exchange, routingKey, err)
	}
	b.log.Trace().Str("exchange", exchange).Str("routing_key", routingKey).Int("queues", delivered).Msg("published")
	return nil
}

// Consume starts a consumer goroutine for queue. The queue must exist.
// The context only bounds registration; consumption lasts until Cancel or Close.
func (b *RedisBroker) Consume(ctx context.Context, queue string, handler Handler) (Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	c := &redisConsumer{
		id:      uuid.NewString(),
		queue:   queue,
		broker:  b,
		handler: handler,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	b.consumers[c.id] = c
	b.wg.Add(1)
	b.mu.Unlock()

	deadline := time.Now().Add(b.consumerTTL).UnixMilli()
	ok, err := registerConsumerScript.Run(ctx, b.rdb, nil,
		b.namespace, queue, c.id, deadline, b.consumerTTL.Milliseconds()).Int()
	if err == nil && ok == 0 {
		err = ErrQueueNotFound
	}
	if err != nil {
		b.forget(c)
		c.cancel()
		b.wg.Done()
		return nil, fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	go c.run()

	b.log.Debug().Str("queue", queue).Str("consumer", c.id).Msg("consumer started")
	return c, nil
}

func (b *RedisBroker) forget(c *redisConsumer) {
	b.mu.Lock()
	delete(b.consumers, c.id)
	b.mu.Unlock()
}

// ListQueues returns every queue in the namespace, sorted by name.
// Uses SCAN so large deployments do not block the server.
func (b *RedisBroker) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var queues []QueueInfo
	iter := b.rdb.Scan(ctx, 0, QueueScanPattern(b.namespace), 0).Iterator()
	for iter.Next(ctx) {
		name := queueNameFromKey(b.namespace, iter.Val())
		if name == "" {
			continue
		}
		info, err := b.InspectQueue(ctx, name)
		if err != nil {
			if IsNotFound(err) {
				// Expired between SCAN and inspection
				continue
			}
			return nil, err
		}
		hash, err := b.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read queue %q: %w", name, err)
		}
		info.Options = HashToQueueOptions(hash)
		queues = append(queues, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan queues: %w", err)
	}

	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// Close cancels every consumer and closes the Redis connection. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := make([]*redisConsumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		if err := c.stop(); err != nil {
			b.log.Warn().Err(err).Str("queue", c.queue).Msg("failed to unregister consumer on close")
		}
	}

	// Consumers blocked in BLPOP notice cancellation within one poll timeout.
	// A handler calling Close would wait on itself, so the wait is bounded.
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * b.pollTimeout):
		b.log.Warn().Msg("consumers still running after close timeout")
	}

	return b.rdb.Close()
}

// redisConsumer is one BLPOP loop over a queue's message list.
type redisConsumer struct {
	id      string
	queue   string
	broker  *RedisBroker
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Cancel stops the consumer and unregisters it. Implements Consumer.
// Safe to call multiple times - subsequent calls return the first result.
func (c *redisConsumer) Cancel() error {
	if err := c.stop(); err != nil {
		return err
	}
	c.broker.forget(c)
	return nil
}

func (c *redisConsumer) stop() error {
	c.once.Do(func() {
		c.cancel()
		b := c.broker
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := unregisterConsumerScript.Run(ctx, b.rdb, nil, b.namespace, c.queue, c.id, nowMs()).Int()
		if err != nil {
			c.err = fmt.Errorf("failed to unregister consumer on %q: %w", c.queue, err)
			return
		}
		if res == 2 {
			b.log.Debug().Str("queue", c.queue).Msg("auto-deleted queue after last consumer")
		}
	})
	return c.err
}

func (c *redisConsumer) run() {
	b := c.broker
	defer b.wg.Done()
	defer b.log.Debug().Str("queue", c.queue).Str("consumer", c.id).Msg("consumer exited")

	listKey := QueueMessagesKey(b.namespace, c.queue)

	// Renewal runs apart from the pop loop so slow handlers keep their lease.
	b.wg.Add(1)
	go c.keepAlive()

	for {
		if c.ctx.Err() != nil {
			return
		}

		// The pop itself is not cancellable so a popped element is never lost on the wire.
		res, err := b.rdb.BLPop(context.WithoutCancel(c.ctx), b.pollTimeout, listKey).Result()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			b.log.Warn().Err(err).Str("queue", c.queue).Msg("blocking pop failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(b.pollTimeout):
			}
			continue
		}

		if len(res) != 2 {
			continue
		}
		if c.ctx.Err() != nil {
			c.requeue(res[1])
			return
		}
		msg, err := DecodeMessage([]byte(res[1]))
		if err != nil {
			b.log.Error().Err(err).Str("queue", c.queue).Msg("dropping undecodable message")
			continue
		}
		c.handler(Delivery{Queue: c.queue, Message: msg})
	}
}

// requeue hands back an element popped after Cancel so another consumer gets it.
func (c *redisConsumer) requeue(payload string) {
	b := c.broker
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := requeueScript.Run(ctx, b.rdb, nil, b.namespace, c.queue, payload).Int()
	if err != nil {
		b.log.Error().Err(err).Str("queue", c.queue).Msg("failed to requeue message after cancel")
		return
	}
	if ok == 0 {
		b.log.Debug().Str("queue", c.queue).Msg("queue gone, dropping message popped after cancel")
		return
	}
	b.log.Debug().Str("queue", c.queue).Msg("requeued message popped after cancel")
}

// keepAlive renews the consumer registration and the queue lease every third of
// the TTL until the consumer stops.
func (c *redisConsumer) keepAlive() {
	b := c.broker
	defer b.wg.Done()

	ticker := time.NewTicker(b.consumerTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.heartbeat() {
				return
			}
		}
	}
}

// heartbeat returns false once the registration is gone.
func (c *redisConsumer) heartbeat() bool {
	b := c.broker
	deadline := time.Now().Add(b.consumerTTL).UnixMilli()
	ok, err := heartbeatScript.Run(c.ctx, b.rdb, nil,
		b.namespace, c.queue, c.id, deadline, b.consumerTTL.Milliseconds()).Int()
	if err != nil {
		if c.ctx.Err() == nil {
			b.log.Warn().Err(err).Str("queue", c.queue).Msg("consumer heartbeat failed")
		}
		return true
	}
	if ok == 0 {
		b.log.Warn().Str("queue", c.queue).Str("consumer", c.id).Msg("consumer registration lost")
		return false
	}
	return true
}
