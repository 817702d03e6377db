package globals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyluth/globals/pkg/broker"
)

// Reader is a read-only replica of a Global. It receives every broadcast value,
// bootstraps from existing holders and answers bootstrap requests once it holds a
// value. Safe for concurrent use.
type Reader[T any] struct {
	id    string
	world string
	name  string

	session          *Session
	br               broker.Broker
	codec            Codec
	log              zerolog.Logger
	defaultValue     T
	bootstrapTimeout time.Duration

	mu        sync.Mutex
	data      T
	hasValue  bool
	isDefault bool
	ready     chan struct{} // closed once a value is held
	real      chan struct{} // closed once a non-default value is held
	realDone  bool
	handlers  []handlerEntry[T]
	nextSubID uint64

	errs chan error

	answerMu       sync.Mutex
	answering      bool
	answerConsumer broker.Consumer
	requestMu      sync.RWMutex // read-held while a bootstrap request is answered

	disposeMu      sync.Mutex
	disposing      atomic.Bool
	disposed       bool
	baseConsumer   broker.Consumer
	replyConsumer  broker.Consumer
	bootstrapTimer *time.Timer
}

type handlerEntry[T any] struct {
	id uint64
	fn Handler[T]
}

// NewReader creates a read-only replica of the Global identified by world and name.
// An empty world selects DefaultWorld. The handlers are registered before the
// first value arrives, so they observe the initial event.
func NewReader[T any](ctx context.Context, s *Session, world, name string, def T, handlers ...Handler[T]) (*Reader[T], error) {
	w, n, err := normalizeIdentity(world, name)
	if err != nil {
		return nil, &Error{Op: OpSubscribe, World: world, Name: name, Err: err}
	}
	world, name = w, n

	r := &Reader[T]{
		id:               uuid.NewString(),
		world:            world,
		name:             name,
		session:          s,
		codec:            s.codec,
		defaultValue:     def,
		bootstrapTimeout: s.bootstrapTimeout,
		ready:            make(chan struct{}),
		real:             make(chan struct{}),
		errs:             make(chan error, 10),
	}
	r.log = s.log.With().Str("world", world).Str("name", name).Str("instance", r.id).Logger()
	for _, h := range handlers {
		if h != nil {
			r.subscribeLocked(h)
		}
	}

	br, err := s.acquire(ctx, r.id)
	if err != nil {
		return nil, r.wrap(OpConnect, err)
	}
	r.br = br

	if err := r.subscribe(ctx); err != nil {
		r.abort()
		return nil, err
	}
	if err := r.bootstrap(ctx); err != nil {
		r.abort()
		return nil, err
	}

	r.log.Debug().Msg("global created")
	return r, nil
}

// subscribe binds the instance's broadcast queue and starts consuming it.
func (r *Reader[T]) subscribe(ctx context.Context) error {
	queue := BroadcastQueueName(r.world, r.name, r.id)
	if err := r.br.DeclareQueue(ctx, queue, privateQueue); err != nil {
		return r.wrap(OpSubscribe, fmt.Errorf("failed to declare queue %s: %w", queue, err))
	}
	if err := r.br.BindQueue(ctx, queue, ExchangeName, RoutingKey(r.world, r.name)); err != nil {
		return r.wrap(OpSubscribe, fmt.Errorf("failed to bind queue %s: %w", queue, err))
	}
	cons, err := r.br.Consume(ctx, queue, r.onBroadcast)
	if err != nil {
		return r.wrap(OpSubscribe, fmt.Errorf("failed to consume queue %s: %w", queue, err))
	}

	r.disposeMu.Lock()
	r.baseConsumer = cons
	r.disposeMu.Unlock()
	return nil
}

func (r *Reader[T]) abort() {
	if err := r.Close(); err != nil {
		r.log.Warn().Err(err).Msg("cleanup after failed creation")
	}
}

// ID returns the unique identifier of this instance.
func (r *Reader[T]) ID() string { return r.id }

// World returns the namespace of the Global.
func (r *Reader[T]) World() string { return r.world }

// Name returns the name of the Global.
func (r *Reader[T]) Name() string { return r.name }

// Value returns the current value without blocking. Before the first value it
// returns the zero value of T.
func (r *Reader[T]) Value() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Get blocks until the instance holds a value (real or default) and returns it.
func (r *Reader[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-r.ready:
		return r.Value(), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitForRealValue blocks until the instance holds a value set by a writer.
func (r *Reader[T]) WaitForRealValue(ctx context.Context) (T, error) {
	select {
	case <-r.real:
		return r.Value(), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// HasValue reports whether the instance holds a value.
func (r *Reader[T]) HasValue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasValue
}

// IsDefault reports whether the held value is a default nobody has written.
func (r *Reader[T]) IsDefault() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isDefault
}

// HasRealValue reports whether the instance holds a value set by a writer.
func (r *Reader[T]) HasRealValue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasValue && !r.isDefault
}

// Subscribe registers a change handler and returns a function removing it.
func (r *Reader[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.subscribeLocked(h)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.handlers {
				if e.id == id {
					r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Reader[T]) subscribeLocked(h Handler[T]) uint64 {
	r.nextSubID++
	r.handlers = append(r.handlers, handlerEntry[T]{id: r.nextSubID, fn: h})
	return r.nextSubID
}

// Errors returns asynchronous failures: undecodable messages, panicking handlers
// and failed replies. The channel is buffered and never closed; errors are dropped
// when nobody drains it.
func (r *Reader[T]) Errors() <-chan error {
	return r.errs
}

// String formats the current value.
func (r *Reader[T]) String() string {
	return fmt.Sprint(r.Value())
}

// commit updates the cell when guard allows it and returns the handlers to notify.
// guard receives (hasValue, isDefault); nil always allows.
func (r *Reader[T]) commit(ev *Event[T], guard func(hasValue, isDefault bool) bool) ([]handlerEntry[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if guard != nil && !guard(r.hasValue, r.isDefault) {
		return nil, false
	}
	ev.Prev = r.data
	r.setLocked(ev.Data, ev.Default)
	return append([]handlerEntry[T](nil), r.handlers...), true
}

func (r *Reader[T]) setLocked(v T, isDefault bool) {
	r.data = v
	r.isDefault = isDefault
	if !r.hasValue {
		r.hasValue = true
		close(r.ready)
	}
	if !isDefault && !r.realDone {
		r.realDone = true
		close(r.real)
	}
}

// apply commits an event and, when it was accepted, notifies handlers and starts
// answering bootstrap requests.
func (r *Reader[T]) apply(ev Event[T], guard func(hasValue, isDefault bool) bool) bool {
	if r.disposing.Load() {
		return false
	}
	handlers, ok := r.commit(&ev, guard)
	if !ok {
		return false
	}
	r.notify(ev, handlers)
	return true
}

func (r *Reader[T]) notify(ev Event[T], handlers []handlerEntry[T]) {
	if r.disposing.Load() {
		return
	}
	for _, h := range handlers {
		r.invoke(h.fn, ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
	defer cancel()
	if err := r.armAnswerer(ctx); err != nil {
		r.report(err)
	}
}

func (r *Reader[T]) invoke(h Handler[T], ev Event[T]) {
	defer func() {
		if p := recover(); p != nil {
			r.report(r.wrap(OpHandler, fmt.Errorf("handler panicked: %v", p)))
		}
	}()
	h(ev)
}

// onBroadcast handles a value published by any holder, this one included.
func (r *Reader[T]) onBroadcast(d broker.Delivery) {
	if r.disposing.Load() {
		return
	}
	var v T
	if err := r.decode(d.Message, &v); err != nil {
		r.report(r.wrap(OpReceive, err))
		return
	}
	r.apply(Event[T]{
		Data:      v,
		FromSelf:  d.CorrelationID == r.id,
		Timestamp: d.Timestamp,
	}, nil)
}

func (r *Reader[T]) decode(m broker.Message, v *T) error {
	if m.ContentType != "" && m.ContentType != r.codec.ContentType() {
		return fmt.Errorf("unexpected content type %q (expected %q)", m.ContentType, r.codec.ContentType())
	}
	if err := r.codec.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

func (r *Reader[T]) encode(v T, msg *broker.Message) error {
	body, err := r.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	msg.Body = body
	msg.ContentType = r.codec.ContentType()
	msg.Timestamp = time.Now().UTC()
	return nil
}

// report logs an asynchronous failure and offers it on the errors channel.
func (r *Reader[T]) report(err error) {
	r.log.Error().Err(err).Msg("global error")
	select {
	case r.errs <- err:
	default:
	}
}

func (r *Reader[T]) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, broker.ErrClosed) && !errors.Is(err, ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	e := &Error{Op: op, World: r.world, Name: r.name, Err: err}
	r.mu.Lock()
	if r.hasValue {
		e.Data = r.data
	}
	r.mu.Unlock()
	return e
}
