package globals

import "time"

// Event describes one observed change of a Global's value.
type Event[T any] struct {
	Prev T // Value held before the change (zero value before the first one)
	Data T // New value

	// Initial is true for the value an instance starts with: its default, or the
	// value received from another holder at bootstrap. False for broadcasts.
	Initial bool

	// Default is true when Data was never assigned by a writer.
	Default bool

	// FromSelf is true when this instance caused the change: its own Set echoed
	// back, or its own default adoption.
	FromSelf bool

	// Timestamp is the publish time carried by the message, zero for local changes.
	Timestamp time.Time
}

// Handler receives change events. See the package documentation for the
// delivery contract.
type Handler[T any] func(Event[T])
