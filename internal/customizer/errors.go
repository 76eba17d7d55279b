package customizer

import "errors"

var (
	// ErrInvalidAction is returned for an action string that cannot be parsed.
	ErrInvalidAction = errors.New("customizer: invalid action")

	// ErrAddressMismatch is returned when the controller offering the bus is
	// not the one the parameter table was written for.
	ErrAddressMismatch = errors.New("customizer: controller address mismatch")

	// ErrChangesetMismatch is returned when the controller's firmware
	// changeset differs from the parameter table's.
	ErrChangesetMismatch = errors.New("customizer: changeset mismatch")

	// ErrIndexNotFound is returned when the controller does not know an
	// identifier's value index.
	ErrIndexNotFound = errors.New("customizer: value index not found")

	// ErrNoOpener is returned when ConnectionParams has no Opener.
	ErrNoOpener = errors.New("customizer: no connection configured")
)
