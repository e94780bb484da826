package pulse

import "github.com/pkg/errors"

// Sentinel errors returned by the pulse package.
var (
	// ErrMissingConfig indicates a required field was not supplied.
	ErrMissingConfig = errors.New("pulse: missing required configuration")

	// ErrConflictingConfig indicates two mutually exclusive options were both set.
	ErrConflictingConfig = errors.New("pulse: conflicting configuration options")

	// ErrManagerStopped indicates an operation was attempted after Stop() was called.
	ErrManagerStopped = errors.New("pulse: manager is stopped")

	// ErrConsumerStopped indicates the consumer is no longer running.
	ErrConsumerStopped = errors.New("pulse: consumer is stopped")

	// ErrExclusiveQueueDisconnected is reported by an exclusive consumer's
	// OnError hook when its connection retires out from under it. Exclusive
	// queues are scoped to a single connection and cannot be recovered.
	ErrExclusiveQueueDisconnected = errors.New("pulse: exclusive queue disconnected")
)
