package params

import "errors"

// Resolution errors. Both are reported before any bus traffic happens.
var (
	// ErrUnknownParameter is returned when an identifier or index is not
	// present in a loaded parameter table, or cannot be parsed.
	ErrUnknownParameter = errors.New("params: unknown parameter")

	// ErrOutOfRange is returned when a write value lies outside the
	// parameter's [minimum, maximum] bounds or the 32-bit wire range.
	ErrOutOfRange = errors.New("params: value out of range")

	// ErrInvalidTable is returned when a parameter table fails validation.
	ErrInvalidTable = errors.New("params: invalid parameter table")
)
