package hub

import "errors"

// Domain errors for the hub package.
var (
	// ErrUpstreamLost is returned by Run after the reconnect attempts are
	// exhausted.
	ErrUpstreamLost = errors.New("hub: upstream connection lost")

	// ErrUpstreamDown is returned by WriteUpstream while disconnected.
	ErrUpstreamDown = errors.New("hub: upstream not connected")

	// ErrWriteQueueFull is returned by WriteUpstream when the writer is
	// behind.
	ErrWriteQueueFull = errors.New("hub: upstream write queue full")

	// ErrEvicted is the close reason given to subscribers whose queue
	// overflowed.
	ErrEvicted = errors.New("hub: subscriber evicted")

	// ErrStopped is the close reason given to subscribers when the hub stops.
	ErrStopped = errors.New("hub: stopped")

	// ErrInvalidInject is returned by Inject for payloads that are not
	// whole, valid VBus messages.
	ErrInvalidInject = errors.New("hub: invalid inject payload")

	// ErrNoOpener is returned by Start when Options.Opener is nil.
	ErrNoOpener = errors.New("hub: no upstream opener")
)
