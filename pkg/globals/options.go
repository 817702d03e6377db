package globals

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBootstrapTimeout is how long a joining instance waits for a bootstrap
	// reply before adopting its default.
	DefaultBootstrapTimeout = 5 * time.Second

	// DefaultConnectTimeout bounds the retries made when opening the broker connection.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultCleanupTimeout bounds the broker calls made while closing an instance.
	DefaultCleanupTimeout = 5 * time.Second

	// answerTimeout bounds broker calls made from dispatch goroutines.
	answerTimeout = 5 * time.Second
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used by the session and every Global created on it.
// The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.log = logger
	}
}

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(codec Codec) Option {
	return func(s *Session) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithBootstrapTimeout sets how long a joining instance waits for a reply before
// falling back to its default. Zero waits forever.
func WithBootstrapTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.bootstrapTimeout = d
		}
	}
}

// WithConnectTimeout bounds the exponential backoff used when the broker is
// unreachable. Zero makes a single attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.connectTimeout = d
		}
	}
}

// WithCleanupTimeout bounds the broker calls made by Close.
func WithCleanupTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.cleanupTimeout = d
		}
	}
}
