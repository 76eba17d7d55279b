package transport

import "errors"

// Domain errors for the transport package.
var (
	// ErrDisconnected is returned by Read or Write once the underlying
	// connection is gone. Callers decide whether to reconnect.
	ErrDisconnected = errors.New("transport: disconnected")

	// ErrOpen is returned when a connection cannot be established.
	ErrOpen = errors.New("transport: open failed")

	// ErrHandshake is returned when the remote side rejects a handshake
	// command or answers with something unexpected.
	ErrHandshake = errors.New("transport: handshake rejected")

	// ErrInvalidURL is returned when a connection URL cannot be parsed.
	ErrInvalidURL = errors.New("transport: invalid connection url")
)
