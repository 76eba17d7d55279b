package transaction

import "errors"

// Domain errors for the transaction package.
var (
	// ErrTimeout is returned when no matching reply arrived after all retries.
	ErrTimeout = errors.New("transaction: timed out")

	// ErrCancelled is returned when the request's owner went away or the
	// caller's context was cancelled.
	ErrCancelled = errors.New("transaction: cancelled")

	// ErrClosed is returned for requests submitted to a closed Layer.
	ErrClosed = errors.New("transaction: layer closed")

	// ErrSend is returned when the request could not be written.
	ErrSend = errors.New("transaction: send failed")

	// ErrNotRequest is returned by ParseRequest for datagrams that are not
	// recognised parameter requests.
	ErrNotRequest = errors.New("transaction: not a request datagram")
)
