package broker

import (
	"context"
	"errors"
	"time"
)

// DefaultExchange is the nameless exchange. Publishing to it delivers the message
// to the queue whose name equals the routing key.
const DefaultExchange = ""

var (
	// ErrQueueNotFound is returned by passive inspection when the queue does not exist
	// (never declared, deleted, or expired).
	ErrQueueNotFound = errors.New("queue not found")

	// ErrInUse is returned by conditional deletes when the resource still has users.
	ErrInUse = errors.New("resource in use")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("broker closed")
)

// Message is the envelope carried through the broker.
type Message struct {
	CorrelationID string            `msgpack:"correlation_id"` // Sender-chosen correlation token
	ReplyTo       string            `msgpack:"reply_to"`       // Routing key a response should be sent to
	Timestamp     time.Time         `msgpack:"timestamp"`      // Publish time, zero when not set
	ContentType   string            `msgpack:"content_type"`   // Payload encoding (e.g. "application/json")
	Headers       map[string]string `msgpack:"headers"`        // Free-form metadata
	Body          []byte            `msgpack:"body"`           // Serialized payload
}

// Header returns a header value, or "" when absent.
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Delivery is a message received from a queue.
type Delivery struct {
	Queue string
	Message
}

// Handler is invoked once per delivery on the consumer's dispatch goroutine.
// Deliveries for one consumer are handled sequentially.
type Handler func(Delivery)

// Consumer is an active consumption of a queue.
type Consumer interface {
	// Cancel stops consumption. Safe to call multiple times and from inside the handler.
	Cancel() error
}

// ExchangeOptions describe a routing exchange.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
}

// QueueOptions describe a queue. Declaring an existing queue is a no-op.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool          // Delete when the last consumer is cancelled
	Expires    time.Duration // Delete after this long without consumers, 0 = never
}

// DeleteOptions make queue deletion conditional.
type DeleteOptions struct {
	IfUnused bool // Only delete when there are no consumers
	IfEmpty  bool // Only delete when there are no pending messages
}

// QueueInfo is the result of a passive queue inspection.
type QueueInfo struct {
	Name      string
	Consumers int
	Messages  int
	Options   QueueOptions // Filled by listings only
}

// Broker is the transport the replication protocol runs on.
// Implementations must be safe for concurrent use.
type Broker interface {
	DeclareExchange(ctx context.Context, name string, opts ExchangeOptions) error
	DeleteExchange(ctx context.Context, name string, ifUnused bool) error

	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	// InspectQueue passively reads queue state. Returns ErrQueueNotFound when absent.
	InspectQueue(ctx context.Context, name string) (QueueInfo, error)
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	DeleteQueue(ctx context.Context, name string, opts DeleteOptions) error

	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	// Consume delivers messages from queue to handler. When several consumers share
	// a queue each message is delivered to exactly one of them.
	Consume(ctx context.Context, queue string, handler Handler) (Consumer, error)
	// Get fetches one message a consumer has not claimed. ok is false when there is none.
	Get(ctx context.Context, queue string) (msg Message, ok bool, err error)

	Close() error
}

// IsNotFound returns true if err is (or wraps) ErrQueueNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}
