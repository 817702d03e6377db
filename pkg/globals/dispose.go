package globals

import (
	"context"

	"github.com/dyluth/globals/pkg/broker"
)

// Close stops the instance: it cancels its consumers, removes its private queues,
// removes the discovery queue when nobody else answers on it and releases the
// session. After Close no handler is invoked for new deliveries.
// Safe to call more than once and from inside a handler.
func (r *Reader[T]) Close() error {
	r.disposeMu.Lock()
	if r.disposed {
		r.disposeMu.Unlock()
		return nil
	}
	r.disposed = true
	r.disposing.Store(true)

	if r.bootstrapTimer != nil {
		r.bootstrapTimer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.session.cleanupTimeout)
	defer cancel()

	r.cancelConsumer(r.baseConsumer, "broadcast")
	r.baseConsumer = nil

	r.answerMu.Lock()
	answer := r.answerConsumer
	r.answerConsumer = nil
	r.answering = true
	r.answerMu.Unlock()
	r.cancelConsumer(answer, "discovery")
	// In-flight answers finish before the broker is released.
	r.requestMu.Lock()
	r.requestMu.Unlock()

	if r.replyConsumer != nil {
		r.cancelConsumer(r.replyConsumer, "reply")
		r.replyConsumer = nil
		reply := ReplyQueueName(r.world, r.name, r.id)
		if err := r.br.DeleteQueue(ctx, reply, broker.DeleteOptions{}); err != nil && !broker.IsNotFound(err) {
			r.log.Debug().Err(err).Msg("failed to delete reply queue")
		}
	}

	if r.br != nil {
		if answer != nil {
			r.answerLeftovers(ctx)
		}
		r.dropDiscoveryQueue(ctx)
	}
	r.disposeMu.Unlock()

	if r.br == nil {
		return nil
	}
	if err := r.session.release(ctx, r.id); err != nil {
		return r.wrap(OpDispose, err)
	}
	r.log.Debug().Msg("global closed")
	return nil
}

func (r *Reader[T]) cancelConsumer(c broker.Consumer, which string) {
	if c == nil {
		return
	}
	if err := c.Cancel(); err != nil {
		r.log.Debug().Err(err).Str("consumer", which).Msg("failed to cancel consumer")
	}
}

// dropDiscoveryQueue deletes the discovery queue when no other holder consumes it.
// Failures are ignored: another holder may be joining concurrently.
func (r *Reader[T]) dropDiscoveryQueue(ctx context.Context) {
	discovery := DiscoveryQueueName(r.world, r.name)
	info, err := r.br.InspectQueue(ctx, discovery)
	if err != nil {
		return
	}
	if info.Consumers > 0 {
		return
	}
	if err := r.br.DeleteQueue(ctx, discovery, broker.DeleteOptions{IfUnused: true}); err != nil && !broker.IsNotFound(err) {
		r.log.Debug().Err(err).Msg("discovery queue left in place")
	}
}

// answerLeftovers serves requests still parked on the discovery queue when no
// other holder consumes it.
func (r *Reader[T]) answerLeftovers(ctx context.Context) {
	discovery := DiscoveryQueueName(r.world, r.name)
	info, err := r.br.InspectQueue(ctx, discovery)
	if err != nil || info.Consumers > 0 {
		return
	}
	for ctx.Err() == nil {
		msg, ok, err := r.br.Get(ctx, discovery)
		if err != nil {
			r.log.Debug().Err(err).Msg("failed to fetch pending bootstrap request")
			return
		}
		if !ok {
			return
		}
		r.onRequest(broker.Delivery{Queue: discovery, Message: msg})
	}
}
