package vbus

import "errors"

// Domain errors for the vbus package.
var (
	// ErrIncomplete is returned by DecodeNext when the buffer does not yet
	// hold a complete message.
	ErrIncomplete = errors.New("vbus: incomplete message")

	// ErrChecksum is returned when a frame's checksum does not match.
	ErrChecksum = errors.New("vbus: checksum mismatch")

	// ErrFraming is returned when the byte stream violates the framing
	// rules (unexpected sync byte, high bit set, unknown version).
	ErrFraming = errors.New("vbus: framing error")

	// ErrEncodingFailed is returned when a Packet cannot be encoded.
	ErrEncodingFailed = errors.New("vbus: encoding failed")
)
