package transport

import (
	"fmt"
	"slices"

	enumerator "go.bug.st/serial"
)

// SerialPorts lists the serial devices present on this machine, sorted by
// name. Use one of them as the device in a serial:// upstream URL.
func SerialPorts() ([]string, error) {
	return sortedPorts(enumerator.GetPortsList)
}

func sortedPorts(list func() ([]string, error)) ([]string, error) {
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	slices.Sort(ports)
	return slices.Compact(ports), nil
}
