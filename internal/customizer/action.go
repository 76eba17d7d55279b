package customizer

import (
	"fmt"
	"strconv"
	"strings"
)

// readMarker is the value that turns an action into a read.
const readMarker = "?"

// Action is one parameter read or write.
type Action struct {
	// IDOrIndex names the parameter by identifier or numeric index.
	IDOrIndex string

	// Read is set for "?" actions; Value is ignored then.
	Read bool

	// Value is the value to write, in user units.
	Value float64
}

// ParseAction parses "idOrIndex=value" or "idOrIndex=?".
func ParseAction(s string) (Action, error) {
	id, value, ok := strings.Cut(s, "=")
	id = strings.TrimSpace(id)
	value = strings.TrimSpace(value)
	if !ok || id == "" || value == "" {
		return Action{}, fmt.Errorf("%w: %q (want idOrIndex=value or idOrIndex=?)", ErrInvalidAction, s)
	}
	if value == readMarker {
		return Action{IDOrIndex: id, Read: true}, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %q: value %q is not a number", ErrInvalidAction, s, value)
	}
	return Action{IDOrIndex: id, Value: v}, nil
}

// ParseActions parses every argument, stopping at the first bad one.
func ParseActions(args []string) ([]Action, error) {
	actions := make([]Action, 0, len(args))
	for _, arg := range args {
		a, err := ParseAction(arg)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// String returns the action in its command-line form.
func (a Action) String() string {
	if a.Read {
		return a.IDOrIndex + "=" + readMarker
	}
	return a.IDOrIndex + "=" + strconv.FormatFloat(a.Value, 'f', -1, 64)
}
