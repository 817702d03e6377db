package globals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/globals/pkg/broker"
)

// DialFunc opens a broker connection.
type DialFunc func(ctx context.Context) (broker.Broker, error)

// Session shares one broker connection between all Globals of a process.
// The connection is opened when the first instance is acquired and closed when the
// last one is released. Safe for concurrent use.
type Session struct {
	dial DialFunc

	log              zerolog.Logger
	codec            Codec
	bootstrapTimeout time.Duration
	connectTimeout   time.Duration
	cleanupTimeout   time.Duration

	mu   sync.Mutex
	br   broker.Broker
	live map[string]struct{}
}

// NewSession creates a session that connects through dial on demand.
func NewSession(dial DialFunc, opts ...Option) *Session {
	s := &Session{
		dial:             dial,
		log:              zerolog.Nop(),
		codec:            JSON,
		bootstrapTimeout: DefaultBootstrapTimeout,
		connectTimeout:   DefaultConnectTimeout,
		cleanupTimeout:   DefaultCleanupTimeout,
		live:             make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisSession creates a session backed by a Redis broker. vhost selects the key
// namespace, mirroring a broker virtual host.
func NewRedisSession(redisOpts *redis.Options, vhost string, opts ...Option) *Session {
	s := NewSession(nil, opts...)
	logger := s.log
	s.dial = func(ctx context.Context) (broker.Broker, error) {
		return broker.DialRedis(ctx, redisOpts, broker.RedisOptions{
			Namespace: vhost,
			Logger:    &logger,
		})
	}
	return s
}

// Live returns the number of instances currently holding the session.
func (s *Session) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Connected reports whether the broker connection is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.br != nil
}

// acquire registers an instance, connecting and declaring the exchange on the
// first one.
func (s *Session) acquire(ctx context.Context, id string) (broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[id]; ok {
		return s.br, nil
	}

	if s.br == nil {
		br, err := s.connect(ctx)
		if err != nil {
			return nil, err
		}
		if err := br.DeclareExchange(ctx, ExchangeName, exchangeOptions); err != nil {
			br.Close()
			return nil, fmt.Errorf("failed to declare exchange %q: %w", ExchangeName, err)
		}
		s.br = br
		s.log.Info().Msg("connected to broker")
	}

	s.live[id] = struct{}{}
	return s.br, nil
}

func (s *Session) connect(ctx context.Context) (broker.Broker, error) {
	if s.dial == nil {
		return nil, fmt.Errorf("session has no dial function")
	}

	var bo backoff.BackOff = &backoff.StopBackOff{}
	if s.connectTimeout > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxInterval = 2 * time.Second
		exp.MaxElapsedTime = s.connectTimeout
		bo = exp
	}

	br, err := backoff.RetryNotifyWithData(func() (broker.Broker, error) {
		return s.dial(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", next).Msg("broker connection failed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return br, nil
}

// release unregisters an instance. The last release deletes the exchange when
// unused and closes the connection.
func (s *Session) release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[id]; !ok {
		return ErrNotAcquired
	}
	delete(s.live, id)
	if len(s.live) > 0 || s.br == nil {
		return nil
	}

	br := s.br
	s.br = nil

	// Other processes may still route through the exchange.
	if err := br.DeleteExchange(ctx, ExchangeName, true); err != nil {
		s.log.Debug().Err(err).Msg("exchange left in place")
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close broker connection: %w", err)
	}
	s.log.Info().Msg("disconnected from broker")
	return nil
}
