package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the VBus line speed (9600 8N1).
const DefaultBaud = 9600

// defaultSerialReadTimeout bounds each Read so the decode loop can observe
// cancellation while the bus is quiet.
const defaultSerialReadTimeout = 500 * time.Millisecond

// SerialOpener opens a local serial port.
type SerialOpener struct {
	// Device is the OS path of the port, e.g. /dev/ttyUSB0 or COM3.
	Device string

	// Baud defaults to DefaultBaud.
	Baud int

	// ReadTimeout defaults to 500ms. A Read that times out returns 0, nil.
	ReadTimeout time.Duration
}

// Open opens the port with 8 data bits, no parity and one stop bit.
func (o SerialOpener) Open(ctx context.Context) (Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Device == "" {
		return nil, fmt.Errorf("%w: serial device not set", ErrOpen)
	}

	baud := o.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = defaultSerialReadTimeout
	}

	cfg := &serial.Config{
		Name:        o.Device,
		Baud:        baud,
		ReadTimeout: timeout,
		Size:        8, //nolint:mnd // 8N1
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, o.Device, err)
	}
	return newStreamAdapter(port, o.String(), true), nil
}

// String returns the device path and baud rate.
func (o SerialOpener) String() string {
	baud := o.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	return fmt.Sprintf("serial://%s?baud=%d", o.Device, baud)
}
