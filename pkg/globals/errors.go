package globals

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when writing to a Global after Close.
	ErrClosed = errors.New("global is closed")

	// ErrInvalidName is returned when a Global is created without a name.
	ErrInvalidName = errors.New("global name cannot be empty")

	// ErrNotAcquired is returned when releasing an instance the session does not hold.
	ErrNotAcquired = errors.New("instance does not hold the session")
)

// Operations recorded on Error.Op.
const (
	OpConnect   = "connect"
	OpSubscribe = "subscribe"
	OpBootstrap = "bootstrap"
	OpPublish   = "publish"
	OpAnswer    = "answer"
	OpReceive   = "receive"
	OpHandler   = "handler"
	OpDispose   = "dispose"
)

// Error describes a failure of one Global instance. It carries the identity of the
// Global and the value it held when the failure happened.
type Error struct {
	Op    string // Operation that failed (one of the Op constants)
	World string
	Name  string
	Data  any // Last value held by the instance, nil before the first value
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("globals: %s %s.%s (last value: %v): %v", e.Op, e.World, e.Name, e.Data, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
