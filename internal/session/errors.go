package session

import "errors"

// Domain errors for the session package.
var (
	// ErrAuth is the close reason for a rejected credential or via-tag.
	ErrAuth = errors.New("session: authentication failed")

	// ErrHandshakeTimeout is the close reason for clients that did not
	// reach streaming within the handshake window.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// ErrQuit is the close reason after a QUIT command.
	ErrQuit = errors.New("session: client quit")

	// ErrProtocol is the close reason for unrecoverable protocol errors
	// such as an invalid channel or an overlong line.
	ErrProtocol = errors.New("session: protocol error")
)
