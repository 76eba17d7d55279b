package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/vbus-bridge/internal/auth"
)

// State is the handshake phase of a session.
type State int

// Session states. Closed is absorbing.
const (
	StateAwaitingLogin State = iota
	StateChannelSelect
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateChannelSelect:
		return "channel_select"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Greeting is sent when a client connects.
const Greeting = "+HELLO"

// ViaResolver maps a via-tag to a device address and channel.
type ViaResolver interface {
	ResolveVia(ctx context.Context, tag string) (address uint16, channel uint8, err error)
}

// Step is the outcome of one command.
type Step struct {
	// Next is the state after the command.
	Next State

	// Reply is the line to send, without CRLF.
	Reply string

	// Close is set when the connection must be closed after Reply.
	Close bool

	// Err is the close reason when Close is set.
	Err error
}

// Machine is the login state machine of one session.
type Machine struct {
	password string
	channels int
	via      ViaResolver

	state      State
	channel    uint8
	viaAddress uint16
	hasVia     bool
}

// NewMachine creates a Machine in StateAwaitingLogin.
//
// Parameters:
//   - password: Expected PASS argument, plaintext or an Argon2id PHC hash;
//     empty accepts any password
//   - channels: Number of channels the hub multiplexes (CHANNEL needs > 1)
//   - via: Directory for CONNECT; nil rejects every CONNECT
func NewMachine(password string, channels int, via ViaResolver) *Machine {
	if channels < 1 {
		channels = 1
	}
	return &Machine{password: password, channels: channels, via: via}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Channel returns the selected channel (0 by default).
func (m *Machine) Channel() uint8 { return m.channel }

// Via returns the device address selected with CONNECT.
func (m *Machine) Via() (uint16, bool) { return m.viaAddress, m.hasVia }

// Handle applies one command line and returns the resulting Step.
func (m *Machine) Handle(ctx context.Context, line string) Step {
	if m.state == StateClosed || m.state == StateStreaming {
		return m.close("-ERROR: Unexpected command", ErrProtocol)
	}

	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	verb = strings.ToUpper(verb)
	arg = strings.TrimSpace(arg)

	switch verb {
	case "QUIT":
		return m.close("+OK: Goodbye", ErrQuit)

	case "CONNECT":
		return m.connect(ctx, arg)

	case "PASS":
		if m.state != StateAwaitingLogin {
			return m.stay("-ERROR: Already logged in")
		}
		if arg == "" {
			return m.stay("-ERROR: Expected argument")
		}
		if !auth.CheckSecret(m.password, arg) {
			return m.close("-ERROR: Password rejected", ErrAuth)
		}
		m.state = StateChannelSelect
		return m.stay("+OK: Password accepted")

	case "CHANNEL":
		if m.state != StateChannelSelect {
			return m.stay("-ERROR: Not logged in")
		}
		if m.channels < 2 { //nolint:mnd // single channel hubs have no selection
			return m.close("-ERROR: Channels not supported", ErrProtocol)
		}
		n, err := strconv.ParseUint(arg, 10, 8)
		if err != nil || int(n) >= m.channels {
			return m.close("-ERROR: Invalid channel", ErrProtocol)
		}
		m.channel = uint8(n)
		return m.stay("+OK: Channel selected")

	case "DATA":
		if m.state != StateChannelSelect {
			return m.stay("-ERROR: Not logged in")
		}
		if arg != "" {
			return m.stay("-ERROR: Unexpected argument")
		}
		m.state = StateStreaming
		return m.stay("+OK: Data incoming...")

	case "":
		return m.stay("-ERROR: Empty command")

	default:
		return m.stay("-ERROR: Unknown command")
	}
}

func (m *Machine) connect(ctx context.Context, tag string) Step {
	if tag == "" {
		return m.stay("-ERROR: Expected argument")
	}
	if m.via == nil {
		return m.close("-ERROR: Via-tag not found", ErrAuth)
	}
	address, channel, err := m.via.ResolveVia(ctx, tag)
	if err != nil {
		return m.close("-ERROR: Via-tag not found", fmt.Errorf("%w: via-tag %q: %w", ErrAuth, tag, err))
	}
	m.viaAddress = address
	m.hasVia = true
	if int(channel) < m.channels {
		m.channel = channel
	}
	return m.stay("+OK: Connected")
}

func (m *Machine) stay(reply string) Step {
	return Step{Next: m.state, Reply: reply}
}

func (m *Machine) close(reply string, err error) Step {
	m.state = StateClosed
	return Step{Next: StateClosed, Reply: reply, Close: true, Err: err}
}
