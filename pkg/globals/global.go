package globals

import (
	"context"
	"fmt"

	"github.com/dyluth/globals/pkg/broker"
)

// Global is a writable replica. It embeds Reader for the read-only surface.
type Global[T any] struct {
	*Reader[T]
}

// New creates a writable Global. See NewReader for the bootstrap behaviour.
func New[T any](ctx context.Context, s *Session, world, name string, def T, handlers ...Handler[T]) (*Global[T], error) {
	r, err := NewReader(ctx, s, world, name, def, handlers...)
	if err != nil {
		return nil, err
	}
	return &Global[T]{Reader: r}, nil
}

// Set stores v locally and broadcasts it to every holder. Local readers see v as
// soon as Set returns; handlers run when the broadcast comes back (FromSelf).
func (g *Global[T]) Set(ctx context.Context, v T) error {
	if g.disposing.Load() {
		return g.wrap(OpPublish, ErrClosed)
	}

	g.mu.Lock()
	g.setLocked(v, false)
	g.mu.Unlock()

	msg := broker.Message{CorrelationID: g.id}
	if err := g.encode(v, &msg); err != nil {
		return g.wrap(OpPublish, err)
	}
	if err := g.br.Publish(ctx, ExchangeName, RoutingKey(g.world, g.name), msg); err != nil {
		return g.wrap(OpPublish, fmt.Errorf("failed to publish value: %w", err))
	}
	return g.armAnswerer(ctx)
}
