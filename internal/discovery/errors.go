package discovery

import "errors"

var (
	// ErrBadResponse is returned when a device information response cannot
	// be used.
	ErrBadResponse = errors.New("discovery: bad device information response")

	// ErrResponderClosed is returned by Serve after Close.
	ErrResponderClosed = errors.New("discovery: responder closed")
)
