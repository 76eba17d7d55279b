package directory

import "errors"

var (
	// ErrNotFound is returned when a via-tag is not registered.
	ErrNotFound = errors.New("directory: via-tag not found")

	// ErrInvalidEntry is returned when an entry fails validation.
	ErrInvalidEntry = errors.New("directory: invalid entry")
)
