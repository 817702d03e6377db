package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestBroker creates a broker connected to a miniredis instance
func setupTestBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	b, err := DialRedis(context.Background(), &redis.Options{Addr: mr.Addr()}, RedisOptions{
		Namespace:   "test",
		PollTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return b, mr
}

// collect returns a handler pushing bodies onto a buffered channel
func collect(size int) (Handler, chan string) {
	ch := make(chan string, size)
	return func(d Delivery) { ch <- string(d.Body) }, ch
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case body := <-ch:
		return body
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}

func TestNewRedisBroker(t *testing.T) {
	t.Run("rejects nil options", func(t *testing.T) {
		_, err := NewRedisBroker(nil, RedisOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis options cannot be nil")
	})

	t.Run("maps root vhost to default namespace", func(t *testing.T) {
		b, err := NewRedisBroker(&redis.Options{Addr: "localhost:0"}, RedisOptions{Namespace: "/"})
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, "default", b.Namespace())
	})

	t.Run("dial fails when redis is unreachable", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := DialRedis(ctx, &redis.Options{Addr: "127.0.0.1:1"}, RedisOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to reach Redis")
	})
}

func TestInspectQueue(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()

	t.Run("missing queue is not found", func(t *testing.T) {
		_, err := b.InspectQueue(ctx, "absent")
		assert.True(t, IsNotFound(err))
	})

	t.Run("counts backlog and consumers", func(t *testing.T) {
		require.NoError(t, b.DeclareQueue(ctx, "q1", QueueOptions{Durable: true}))
		require.NoError(t, b.Publish(ctx, DefaultExchange, "q1", Message{Body: []byte("a")}))
		require.NoError(t, b.Publish(ctx, DefaultExchange, "q1", Message{Body: []byte("b")}))

		info, err := b.InspectQueue(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, QueueInfo{Name: "q1", Consumers: 0, Messages: 2}, info)

		h, ch := collect(2)
		c, err := b.Consume(ctx, "q1", h)
		require.NoError(t, err)
		defer c.Cancel()

		assert.Equal(t, "a", receive(t, ch))
		assert.Equal(t, "b", receive(t, ch))

		info, err = b.InspectQueue(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, 1, info.Consumers)
		assert.Equal(t, 0, info.Messages)
	})
}

func TestPublishDirectExchange(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareExchange(ctx, "Globals", ExchangeOptions{Durable: true, AutoDelete: true}))
	for _, q := range []string{"w.n.a", "w.n.b", "w.other.c"} {
		require.NoError(t, b.DeclareQueue(ctx, q, QueueOptions{AutoDelete: true}))
	}
	require.NoError(t, b.BindQueue(ctx, "w.n.a", "Globals", "w.n"))
	require.NoError(t, b.BindQueue(ctx, "w.n.b", "Globals", "w.n"))
	require.NoError(t, b.BindQueue(ctx, "w.other.c", "Globals", "w.other"))

	msg := Message{
		CorrelationID: "writer",
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		ContentType:   "application/json",
		Headers:       map[string]string{"k": "v"},
		Body:          []byte("42"),
	}
	require.NoError(t, b.Publish(ctx, "Globals", "w.n", msg))

	for _, q := range []string{"w.n.a", "w.n.b"} {
		info, err := b.InspectQueue(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 1, info.Messages, q)
	}
	info, err := b.InspectQueue(ctx, "w.other.c")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Messages)

	got := make(chan Delivery, 1)
	c, err := b.Consume(ctx, "w.n.a", func(d Delivery) { got <- d })
	require.NoError(t, err)
	defer c.Cancel()

	select {
	case d := <-got:
		assert.Equal(t, "w.n.a", d.Queue)
		assert.Equal(t, "writer", d.CorrelationID)
		assert.Equal(t, "v", d.Header("k"))
		assert.Equal(t, "application/json", d.ContentType)
		assert.True(t, msg.Timestamp.Equal(d.Timestamp))
		assert.Equal(t, []byte("42"), d.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	t.Run("unroutable publish is dropped", func(t *testing.T) {
		assert.NoError(t, b.Publish(ctx, "Globals", "nobody", Message{Body: []byte("x")}))
		assert.NoError(t, b.Publish(ctx, DefaultExchange, "absent", Message{Body: []byte("x")}))
	})
}

func TestCompetingConsumers(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.DeclareQueue(ctx, "work", QueueOptions{}))

	var mu sync.Mutex
	seen := make(map[string]int)
	done := make(chan struct{}, 100)
	handler := func(d Delivery) {
		mu.Lock()
		seen[string(d.Body)]++
		mu.Unlock()
		done <- struct{}{}
	}

	c1, err := b.Consume(ctx, "work", handler)
	require.NoError(t, err)
	defer c1.Cancel()
	c2, err := b.Consume(ctx, "work", handler)
	require.NoError(t, err)
	defer c2.Cancel()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, DefaultExchange, "work", Message{Body: []byte{byte('a' + i)}}))
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d messages delivered", i, n)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for body, count := range seen {
		assert.Equal(t, 1, count, "message %q delivered more than once", body)
	}
}

func TestAutoDelete(t *testing.T) {
	b, mr := setupTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareExchange(ctx, "Globals", ExchangeOptions{}))
	require.NoError(t, b.DeclareQueue(ctx, "w.n.x", QueueOptions{AutoDelete: true}))
	require.NoError(t, b.BindQueue(ctx, "w.n.x", "Globals", "w.n"))
	members, err := mr.Members(QueueBindingsKey("test", "w.n.x"))
	require.NoError(t, err)
	assert.Equal(t, []string{bindingMember("Globals", "w.n")}, members)

	h, _ := collect(1)
	c1, err := b.Consume(ctx, "w.n.x", h)
	require.NoError(t, err)
	c2, err := b.Consume(ctx, "w.n.x", h)
	require.NoError(t, err)

	require.NoError(t, c1.Cancel())
	_, err = b.InspectQueue(ctx, "w.n.x")
	require.NoError(t, err, "queue survives while a consumer remains")

	require.NoError(t, c2.Cancel())
	_, err = b.InspectQueue(ctx, "w.n.x")
	assert.True(t, IsNotFound(err))
	assert.False(t, mr.Exists(BindingKey("test", "Globals", "w.n")), "binding removed with the queue")
	assert.False(t, mr.Exists(QueueBindingsKey("test", "w.n.x")))

	t.Run("cancel is idempotent", func(t *testing.T) {
		assert.NoError(t, c2.Cancel())
	})
}

func TestQueueExpiry(t *testing.T) {
	b, mr := setupTestBroker(t)
	ctx := context.Background()
	key := QueueKey("test", "w.n.init")

	require.NoError(t, b.DeclareQueue(ctx, "w.n.init", QueueOptions{Expires: time.Second}))
	assert.Equal(t, time.Second, mr.TTL(key))

	h, _ := collect(1)
	c, err := b.Consume(ctx, "w.n.init", h)
	require.NoError(t, err)
	assert.Equal(t, b.consumerTTL, mr.TTL(key), "consumed queue is held by its consumer lease")

	require.NoError(t, c.Cancel())
	assert.Equal(t, time.Second, mr.TTL(key))

	mr.FastForward(2 * time.Second)
	_, err = b.InspectQueue(ctx, "w.n.init")
	assert.True(t, IsNotFound(err))
}

func TestAbandonedQueueExpires(t *testing.T) {
	b, mr := setupTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareQueue(ctx, "w.n.crashed", QueueOptions{AutoDelete: true}))
	h, _ := collect(1)
	_, err := b.Consume(ctx, "w.n.crashed", h)
	require.NoError(t, err)

	// A process that dies never cancels; its lease runs out instead.
	mr.FastForward(b.consumerTTL + time.Second)
	_, err = b.InspectQueue(ctx, "w.n.crashed")
	assert.True(t, IsNotFound(err))
}

func TestDeleteQueue(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()

	t.Run("absent queue", func(t *testing.T) {
		err := b.DeleteQueue(ctx, "absent", DeleteOptions{})
		assert.True(t, IsNotFound(err))
	})

	t.Run("if unused refuses while consumed", func(t *testing.T) {
		require.NoError(t, b.DeclareQueue(ctx, "busy", QueueOptions{}))
		h, _ := collect(1)
		c, err := b.Consume(ctx, "busy", h)
		require.NoError(t, err)
		defer c.Cancel()

		err = b.DeleteQueue(ctx, "busy", DeleteOptions{IfUnused: true})
		assert.True(t, errors.Is(err, ErrInUse))
	})

	t.Run("if empty refuses with backlog", func(t *testing.T) {
		require.NoError(t, b.DeclareQueue(ctx, "full", QueueOptions{}))
		require.NoError(t, b.Publish(ctx, DefaultExchange, "full", Message{Body: []byte("x")}))

		err := b.DeleteQueue(ctx, "full", DeleteOptions{IfEmpty: true})
		assert.True(t, errors.Is(err, ErrInUse))

		require.NoError(t, b.DeleteQueue(ctx, "full", DeleteOptions{}))
		_, err = b.InspectQueue(ctx, "full")
		assert.True(t, IsNotFound(err))
	})
}

func TestDeleteExchange(t *testing.T) {
	b, mr := setupTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareExchange(ctx, "Globals", ExchangeOptions{Durable: true}))
	require.NoError(t, b.DeclareQueue(ctx, "bound", QueueOptions{}))
	require.NoError(t, b.BindQueue(ctx, "bound", "Globals", "rk"))

	err := b.DeleteExchange(ctx, "Globals", true)
	assert.True(t, errors.Is(err, ErrInUse))
	assert.True(t, mr.Exists(ExchangeKey("test", "Globals")))

	require.NoError(t, b.DeleteQueue(ctx, "bound", DeleteOptions{}))
	require.NoError(t, b.DeleteExchange(ctx, "Globals", true))
	assert.False(t, mr.Exists(ExchangeKey("test", "Globals")))
}

func TestListQueues(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()

	for _, q := range []string{"w.b", "w.a", "w.a.init"} {
		require.NoError(t, b.DeclareQueue(ctx, q, QueueOptions{}))
	}
	require.NoError(t, b.BindQueue(ctx, "w.a", "Globals", "w"))
	require.NoError(t, b.Publish(ctx, DefaultExchange, "w.b", Message{Body: []byte("x")}))

	queues, err := b.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 3)
	assert.Equal(t, "w.a", queues[0].Name)
	assert.Equal(t, "w.a.init", queues[1].Name)
	assert.Equal(t, QueueInfo{Name: "w.b", Messages: 1}, queues[2])

	t.Run("reports queue options", func(t *testing.T) {
		require.NoError(t, b.DeclareQueue(ctx, "w.c", QueueOptions{Durable: true, AutoDelete: true, Expires: 1500 * time.Millisecond}))
		queues, err := b.ListQueues(ctx)
		require.NoError(t, err)
		require.Len(t, queues, 4)
		assert.Equal(t, QueueOptions{Durable: true, AutoDelete: true, Expires: 1500 * time.Millisecond}, queues[3].Options)
	})
}

func TestClosedBroker(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareQueue(ctx, "q", QueueOptions{}))
	h, _ := collect(1)
	_, err := b.Consume(ctx, "q", h)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.NoError(t, b.Close(), "second close is a no-op")

	assert.ErrorIs(t, b.DeclareQueue(ctx, "q", QueueOptions{}), ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, DefaultExchange, "q", Message{}), ErrClosed)
	_, err = b.Consume(ctx, "q", h)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelledConsumerLosesNothing(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.DeclareQueue(ctx, "work", QueueOptions{Expires: time.Minute}))

	for round := 0; round < 5; round++ {
		gone, err := b.Consume(ctx, "work", func(Delivery) {
			t.Error("cancelled consumer received a message")
		})
		require.NoError(t, err)
		require.NoError(t, gone.Cancel())

		// The cancelled consumer may still be parked in its blocking pop.
		body := string(rune('a' + round))
		require.NoError(t, b.Publish(ctx, DefaultExchange, "work", Message{Body: []byte(body)}))

		handler, ch := collect(1)
		next, err := b.Consume(ctx, "work", handler)
		require.NoError(t, err)
		assert.Equal(t, body, receive(t, ch))
		require.NoError(t, next.Cancel())
	}
}

func TestRequeueAndGet(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.DeclareQueue(ctx, "q", QueueOptions{}))
	require.NoError(t, b.Publish(ctx, DefaultExchange, "q", Message{Body: []byte("queued")}))

	raw, err := EncodeMessage(Message{Body: []byte("popped")})
	require.NoError(t, err)
	c := &redisConsumer{broker: b, queue: "q"}
	c.requeue(string(raw))

	msg, ok, err := b.Get(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "popped", string(msg.Body), "requeued message goes to the head")

	msg, ok, err = b.Get(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "queued", string(msg.Body))

	_, ok, err = b.Get(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("requeue onto a deleted queue drops the message", func(t *testing.T) {
		require.NoError(t, b.DeleteQueue(ctx, "q", DeleteOptions{}))
		c.requeue(string(raw))
		_, ok, err := b.Get(ctx, "q")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
