package globals

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/globals/pkg/broker"
)

// bootstrap obtains the initial value. With nobody consuming the discovery queue
// the default is adopted at once; otherwise a request is sent and the reply (or the
// timeout) supplies the value.
func (r *Reader[T]) bootstrap(ctx context.Context) error {
	discovery := DiscoveryQueueName(r.world, r.name)
	if err := r.br.DeclareQueue(ctx, discovery, discoveryOptions); err != nil {
		return r.wrap(OpBootstrap, fmt.Errorf("failed to declare queue %s: %w", discovery, err))
	}

	info, err := r.br.InspectQueue(ctx, discovery)
	if err != nil && !broker.IsNotFound(err) {
		return r.wrap(OpBootstrap, fmt.Errorf("failed to inspect queue %s: %w", discovery, err))
	}
	if info.Consumers == 0 {
		r.log.Debug().Msg("no holders found, adopting default")
		r.adoptDefault()
		return nil
	}

	reply := ReplyQueueName(r.world, r.name, r.id)
	if err := r.br.DeclareQueue(ctx, reply, privateQueue); err != nil {
		return r.wrap(OpBootstrap, fmt.Errorf("failed to declare queue %s: %w", reply, err))
	}
	if err := r.br.BindQueue(ctx, reply, ExchangeName, r.id); err != nil {
		return r.wrap(OpBootstrap, fmt.Errorf("failed to bind queue %s: %w", reply, err))
	}

	r.disposeMu.Lock()
	if r.disposing.Load() {
		r.disposeMu.Unlock()
		return nil
	}
	cons, err := r.br.Consume(ctx, reply, r.onReply)
	if err != nil {
		r.disposeMu.Unlock()
		return r.wrap(OpBootstrap, fmt.Errorf("failed to consume queue %s: %w", reply, err))
	}
	r.replyConsumer = cons
	if r.bootstrapTimeout > 0 {
		r.bootstrapTimer = time.AfterFunc(r.bootstrapTimeout, r.bootstrapExpired)
	}
	r.disposeMu.Unlock()

	req := broker.Message{
		CorrelationID: r.id,
		ReplyTo:       r.id,
		Timestamp:     time.Now().UTC(),
		Body:          []byte(r.id),
	}
	if err := r.br.Publish(ctx, broker.DefaultExchange, discovery, req); err != nil {
		return r.wrap(OpBootstrap, fmt.Errorf("failed to send bootstrap request: %w", err))
	}
	r.log.Debug().Int("holders", info.Consumers).Msg("bootstrap request sent")
	return nil
}

// adoptDefault installs the configured default unless a value is already held.
func (r *Reader[T]) adoptDefault() {
	r.apply(Event[T]{
		Data:     r.defaultValue,
		Initial:  true,
		Default:  true,
		FromSelf: true,
	}, func(hasValue, _ bool) bool { return !hasValue })
}

// bootstrapExpired falls back to the default. The reply consumer stays active, so
// a late reply still replaces the default.
func (r *Reader[T]) bootstrapExpired() {
	if r.disposing.Load() {
		return
	}
	if r.HasValue() {
		return
	}
	r.log.Warn().Dur("timeout", r.bootstrapTimeout).Msg("no bootstrap reply, adopting default")
	r.adoptDefault()
}

// onReply handles the bootstrap reply. It runs under disposeMu so that a reply is
// never applied once disposal has started.
func (r *Reader[T]) onReply(d broker.Delivery) {
	if r.disposing.Load() {
		return
	}

	r.disposeMu.Lock()
	if r.disposing.Load() {
		r.disposeMu.Unlock()
		return
	}
	if r.bootstrapTimer != nil {
		r.bootstrapTimer.Stop()
	}
	cons := r.replyConsumer
	r.replyConsumer = nil

	var v T
	decodeErr := r.decode(d.Message, &v)
	var (
		ev       Event[T]
		handlers []handlerEntry[T]
		ok       bool
	)
	if decodeErr == nil {
		ev = Event[T]{
			Data:      v,
			Initial:   true,
			Default:   d.Header(headerDefault) == "true",
			Timestamp: d.Timestamp,
		}
		// A writer's broadcast may have arrived first.
		handlers, ok = r.commit(&ev, func(hasValue, isDefault bool) bool {
			return !hasValue || isDefault
		})
	}
	r.disposeMu.Unlock()

	r.closeReplyQueue(cons)

	if decodeErr != nil {
		r.report(r.wrap(OpBootstrap, decodeErr))
		return
	}
	if ok {
		r.log.Debug().Str("responder", d.Header(headerResponder)).Bool("default", ev.Default).Msg("bootstrap reply applied")
		r.notify(ev, handlers)
	}
}

func (r *Reader[T]) closeReplyQueue(cons broker.Consumer) {
	if cons == nil {
		return
	}
	if err := cons.Cancel(); err != nil {
		r.log.Debug().Err(err).Msg("failed to cancel reply consumer")
	}
	ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
	defer cancel()
	reply := ReplyQueueName(r.world, r.name, r.id)
	if err := r.br.DeleteQueue(ctx, reply, broker.DeleteOptions{}); err != nil && !broker.IsNotFound(err) {
		r.log.Debug().Err(err).Msg("failed to delete reply queue")
	}
}

// armAnswerer starts consuming the discovery queue. Called whenever a value is
// held; only the first call has an effect.
func (r *Reader[T]) armAnswerer(ctx context.Context) error {
	r.answerMu.Lock()
	defer r.answerMu.Unlock()

	if r.answering || r.disposing.Load() {
		return nil
	}

	discovery := DiscoveryQueueName(r.world, r.name)
	if err := r.br.DeclareQueue(ctx, discovery, discoveryOptions); err != nil {
		return r.wrap(OpAnswer, fmt.Errorf("failed to declare queue %s: %w", discovery, err))
	}
	cons, err := r.br.Consume(ctx, discovery, r.onRequest)
	if broker.IsNotFound(err) {
		// A departing holder can drop the queue between declare and consume.
		if err = r.br.DeclareQueue(ctx, discovery, discoveryOptions); err == nil {
			cons, err = r.br.Consume(ctx, discovery, r.onRequest)
		}
	}
	if err != nil {
		return r.wrap(OpAnswer, fmt.Errorf("failed to consume queue %s: %w", discovery, err))
	}
	r.answerConsumer = cons
	r.answering = true
	return nil
}

// onRequest answers a bootstrap request with the current snapshot. It keeps
// answering while Close runs; Close waits for it before releasing the broker.
func (r *Reader[T]) onRequest(d broker.Delivery) {
	r.requestMu.RLock()
	defer r.requestMu.RUnlock()

	requester := d.ReplyTo
	if requester == "" {
		requester = d.CorrelationID
	}
	if requester == "" || requester == r.id {
		return
	}

	r.mu.Lock()
	data, isDefault, hasValue := r.data, r.isDefault, r.hasValue
	r.mu.Unlock()
	if !hasValue {
		return
	}

	msg := broker.Message{
		CorrelationID: requester,
		Headers: map[string]string{
			headerDefault:   strconv.FormatBool(isDefault),
			headerResponder: r.id,
		},
	}
	if err := r.encode(data, &msg); err != nil {
		r.report(r.wrap(OpAnswer, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
	defer cancel()
	if err := r.br.Publish(ctx, ExchangeName, requester, msg); err != nil {
		if r.disposing.Load() {
			r.log.Debug().Err(err).Str("requester", requester).Msg("could not answer while closing")
			return
		}
		r.report(r.wrap(OpAnswer, fmt.Errorf("failed to answer %s: %w", requester, err)))
		return
	}
	r.log.Debug().Str("requester", requester).Msg("bootstrap request answered")
}
