package params

import (
	"fmt"
	"math"
)

// Entry describes how to address and scale one controller parameter.
type Entry struct {
	// ID is the parameter's symbolic identifier. Empty for bare indices.
	ID string

	// Index is the value index on the wire. Valid only if HasIndex is set;
	// otherwise it is looked up by IDHash at run time.
	Index    uint16
	HasIndex bool

	// Factor converts between wire and user units: user = raw / Factor.
	Factor float64

	// Minimum and Maximum bound write values in user units. Valid only if
	// HasBounds is set.
	Minimum   float64
	Maximum   float64
	HasBounds bool
}

// Name returns the identifier, or the hex index for bare entries.
func (e Entry) Name() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("0x%04X", e.Index)
}

// factor returns the effective factor, treating zero as 1.
func (e Entry) factor() float64 {
	if e.Factor == 0 {
		return 1
	}
	return e.Factor
}

// ScaleRead converts a raw wire value into user units.
func (e Entry) ScaleRead(raw int32) float64 {
	return float64(raw) / e.factor()
}

// ScaleWrite converts a user value into the raw wire value.
//
// Returns:
//   - int32: Raw value, rounded to the nearest integer
//   - error: ErrOutOfRange if v lies outside [Minimum, Maximum] or the
//     scaled value does not fit the 32-bit wire field
func (e Entry) ScaleWrite(v float64) (int32, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s=%v", ErrOutOfRange, e.Name(), v)
	}
	if e.HasBounds && (v < e.Minimum || v > e.Maximum) {
		return 0, fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrOutOfRange, e.Name(), v, e.Minimum, e.Maximum)
	}
	raw := math.Round(v * e.factor())
	if raw < math.MinInt32 || raw > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s=%v scales to %v", ErrOutOfRange, e.Name(), v, raw)
	}
	return int32(raw), nil
}

// IDHash returns the controller's hash of the entry identifier.
func (e Entry) IDHash() int32 {
	return IDHash(e.ID)
}

// IDHash computes the value id hash the controller uses to look up a
// parameter index by identifier.
func IDHash(id string) int32 {
	var acc int32
	for _, c := range id {
		acc = (acc*0x21 + c) & 0x7FFFFFFF
	}
	return acc
}
