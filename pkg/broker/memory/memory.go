// Package memory provides an in-process broker.Broker.
//
// It follows the same routing rules as the Redis broker (direct exchanges, a nameless
// default exchange addressing queues by name, competing consumers, auto-delete on last
// consumer) and records operation counts so tests can assert on protocol traffic.
// Several Broker values can share one Hub to model independent processes talking to
// the same server.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/globals/pkg/broker"
)

// Stats counts operations issued through one Broker.
type Stats struct {
	ExchangeDeclares int
	ExchangeDeletes  int
	QueueDeclares    int
	QueueInspects    int
	QueueBinds       int
	QueueDeletes     int
	Consumes         int
	Gets             int
	// Publishes is keyed by exchange name; the default exchange is "".
	Publishes map[string]int
}

type queue struct {
	name      string
	opts      broker.QueueOptions
	pending   []broker.Message
	consumers []*consumer
	next      int // round-robin cursor
	bindings  map[string]struct{}
	hadUsers  bool
}

type exchange struct {
	opts     broker.ExchangeOptions
	bindings map[string]map[string]struct{} // routing key -> queue names
}

// Hub is the shared server state. The zero value is not usable; call NewHub.
type Hub struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
}

// NewHub creates an empty server.
func NewHub() *Hub {
	return &Hub{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
	}
}

// Broker is one connection to a Hub.
type Broker struct {
	hub *Hub

	mu        sync.Mutex
	stats     Stats
	closed    bool
	consumers map[*consumer]struct{}
}

// New creates a broker on its own private hub.
func New() *Broker {
	return NewHub().Connect()
}

// Connect opens a new connection to the hub.
func (h *Hub) Connect() *Broker {
	return &Broker{
		hub:       h,
		stats:     Stats{Publishes: make(map[string]int)},
		consumers: make(map[*consumer]struct{}),
	}
}

// Queues returns the names of all existing queues, sorted.
func (h *Hub) Queues() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasExchange reports whether the exchange exists.
func (h *Hub) HasExchange(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.exchanges[name]
	return ok
}

// Stats returns a snapshot of this connection's operation counts.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Publishes = make(map[string]int, len(b.stats.Publishes))
	for k, v := range b.stats.Publishes {
		s.Publishes[k] = v
	}
	return s
}

// Closed reports whether Close has been called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) record(fn func(*Stats)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	fn(&b.stats)
	return nil
}

// DeclareExchange implements broker.Broker.
func (b *Broker) DeclareExchange(_ context.Context, name string, opts broker.ExchangeOptions) error {
	if err := b.record(func(s *Stats) { s.ExchangeDeclares++ }); err != nil {
		return err
	}
	if name == broker.DefaultExchange {
		return nil
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.exchanges[name]; !ok {
		h.exchanges[name] = &exchange{opts: opts, bindings: make(map[string]map[string]struct{})}
	}
	return nil
}

// DeleteExchange implements broker.Broker.
func (b *Broker) DeleteExchange(_ context.Context, name string, ifUnused bool) error {
	if err := b.record(func(s *Stats) { s.ExchangeDeletes++ }); err != nil {
		return err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	ex, ok := h.exchanges[name]
	if !ok {
		return nil
	}
	if ifUnused {
		for _, queues := range ex.bindings {
			if len(queues) > 0 {
				return fmt.Errorf("exchange %q: %w", name, broker.ErrInUse)
			}
		}
	}
	delete(h.exchanges, name)
	return nil
}

// DeclareQueue implements broker.Broker.
func (b *Broker) DeclareQueue(_ context.Context, name string, opts broker.QueueOptions) error {
	if err := b.record(func(s *Stats) { s.QueueDeclares++ }); err != nil {
		return err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.queues[name]; !ok {
		h.queues[name] = &queue{name: name, opts: opts, bindings: make(map[string]struct{})}
	}
	return nil
}

// InspectQueue implements broker.Broker.
func (b *Broker) InspectQueue(_ context.Context, name string) (broker.QueueInfo, error) {
	if err := b.record(func(s *Stats) { s.QueueInspects++ }); err != nil {
		return broker.QueueInfo{}, err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[name]
	if !ok {
		return broker.QueueInfo{}, fmt.Errorf("queue %q: %w", name, broker.ErrQueueNotFound)
	}
	return broker.QueueInfo{Name: name, Consumers: len(q.consumers), Messages: len(q.pending)}, nil
}

// ListQueues returns every queue on the hub, sorted by name.
func (b *Broker) ListQueues(_ context.Context) ([]broker.QueueInfo, error) {
	if err := b.record(func(*Stats) {}); err != nil {
		return nil, err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]broker.QueueInfo, 0, len(h.queues))
	for name, q := range h.queues {
		infos = append(infos, broker.QueueInfo{
			Name:      name,
			Consumers: len(q.consumers),
			Messages:  len(q.pending),
			Options:   q.opts,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// BindQueue implements broker.Broker.
func (b *Broker) BindQueue(_ context.Context, queueName, exchangeName, routingKey string) error {
	if err := b.record(func(s *Stats) { s.QueueBinds++ }); err != nil {
		return err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[queueName]
	if !ok {
		return fmt.Errorf("failed to bind queue %q: %w", queueName, broker.ErrQueueNotFound)
	}
	ex, ok := h.exchanges[exchangeName]
	if !ok {
		ex = &exchange{bindings: make(map[string]map[string]struct{})}
		h.exchanges[exchangeName] = ex
	}
	if ex.bindings[routingKey] == nil {
		ex.bindings[routingKey] = make(map[string]struct{})
	}
	ex.bindings[routingKey][queueName] = struct{}{}
	q.bindings[exchangeName+"\x1f"+routingKey] = struct{}{}
	return nil
}

// DeleteQueue implements broker.Broker.
func (b *Broker) DeleteQueue(_ context.Context, name string, opts broker.DeleteOptions) error {
	if err := b.record(func(s *Stats) { s.QueueDeletes++ }); err != nil {
		return err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[name]
	if !ok {
		return fmt.Errorf("queue %q: %w", name, broker.ErrQueueNotFound)
	}
	if opts.IfUnused && len(q.consumers) > 0 {
		return fmt.Errorf("queue %q has consumers: %w", name, broker.ErrInUse)
	}
	if opts.IfEmpty && len(q.pending) > 0 {
		return fmt.Errorf("queue %q is not empty: %w", name, broker.ErrInUse)
	}
	h.dropLocked(q)
	return nil
}

// dropLocked removes a queue and its bindings and stops its consumers. Caller holds h.mu.
func (h *Hub) dropLocked(q *queue) {
	for _, ex := range h.exchanges {
		for rk, queues := range ex.bindings {
			delete(queues, q.name)
			if len(queues) == 0 {
				delete(ex.bindings, rk)
			}
		}
	}
	for _, c := range q.consumers {
		c.closeInbox()
	}
	q.consumers = nil
	delete(h.queues, q.name)
}

// Publish implements broker.Broker.
func (b *Broker) Publish(_ context.Context, exchangeName, routingKey string, msg broker.Message) error {
	if err := b.record(func(s *Stats) { s.Publishes[exchangeName]++ }); err != nil {
		return err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if exchangeName == broker.DefaultExchange {
		if q, ok := h.queues[routingKey]; ok {
			h.enqueueLocked(q, msg)
		}
		return nil
	}

	ex, ok := h.exchanges[exchangeName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ex.bindings[routingKey]))
	for name := range ex.bindings[routingKey] {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if q, ok := h.queues[name]; ok {
			h.enqueueLocked(q, msg)
		}
	}
	return nil
}

// enqueueLocked hands msg to one consumer round-robin, or parks it. Caller holds h.mu.
func (h *Hub) enqueueLocked(q *queue, msg broker.Message) {
	if len(q.consumers) == 0 {
		q.pending = append(q.pending, copyMessage(msg))
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.push(broker.Delivery{Queue: q.name, Message: copyMessage(msg)})
}

func copyMessage(m broker.Message) broker.Message {
	out := m
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Consume implements broker.Broker.
func (b *Broker) Consume(_ context.Context, queueName string, handler broker.Handler) (broker.Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if err := b.record(func(s *Stats) { s.Consumes++ }); err != nil {
		return nil, err
	}

	h := b.hub
	h.mu.Lock()
	q, ok := h.queues[queueName]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("failed to consume queue %q: %w", queueName, broker.ErrQueueNotFound)
	}
	c := newConsumer(b, queueName, handler)
	q.consumers = append(q.consumers, c)
	q.hadUsers = true
	backlog := q.pending
	q.pending = nil
	for _, msg := range backlog {
		h.enqueueLocked(q, msg)
	}
	h.mu.Unlock()

	b.mu.Lock()
	b.consumers[c] = struct{}{}
	b.mu.Unlock()

	go c.run()
	return c, nil
}

// unregister detaches c from its queue, requeues whatever c had not yet handled
// and applies auto-delete.
func (h *Hub) unregister(c *consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	leftover := c.closeInbox()
	q, ok := h.queues[c.queue]
	if !ok {
		return
	}
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	for _, d := range leftover {
		h.enqueueLocked(q, d.Message)
	}
	if len(q.consumers) == 0 && q.hadUsers && q.opts.AutoDelete {
		h.dropLocked(q)
	}
}

// Get implements broker.Broker. Only messages parked while the queue had no
// consumer can be fetched this way.
func (b *Broker) Get(_ context.Context, queueName string) (broker.Message, bool, error) {
	if err := b.record(func(s *Stats) { s.Gets++ }); err != nil {
		return broker.Message{}, false, err
	}
	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[queueName]
	if !ok {
		return broker.Message{}, false, fmt.Errorf("queue %q: %w", queueName, broker.ErrQueueNotFound)
	}
	if len(q.pending) == 0 {
		return broker.Message{}, false, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true, nil
}

// Close implements broker.Broker. Cancels every consumer opened through this connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := make([]*consumer, 0, len(b.consumers))
	for c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		c.Cancel()
	}
	return nil
}

// consumer delivers from an unbounded inbox on its own goroutine so publishers never block.
type consumer struct {
	broker  *Broker
	queue   string
	handler broker.Handler

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []broker.Delivery
	done   bool
	cancel sync.Once
}

func newConsumer(b *Broker, queueName string, handler broker.Handler) *consumer {
	c := &consumer{broker: b, queue: queueName, handler: handler}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *consumer) push(d broker.Delivery) {
	c.mu.Lock()
	if !c.done {
		c.inbox = append(c.inbox, d)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

// closeInbox stops delivery and returns the deliveries the handler never saw.
func (c *consumer) closeInbox() []broker.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	leftover := c.inbox
	c.done = true
	c.inbox = nil
	c.cond.Broadcast()
	return leftover
}

func (c *consumer) run() {
	for {
		c.mu.Lock()
		for len(c.inbox) == 0 && !c.done {
			c.cond.Wait()
		}
		if c.done {
			c.mu.Unlock()
			return
		}
		d := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.mu.Unlock()

		c.handler(d)
	}
}

// Cancel implements broker.Consumer.
func (c *consumer) Cancel() error {
	c.cancel.Do(func() {
		c.broker.hub.unregister(c)
		c.broker.mu.Lock()
		delete(c.broker.consumers, c)
		c.broker.mu.Unlock()
	})
	return nil
}
