package hub

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// WriteTopic returns the topic on which raw frames may be injected onto
// the bus of a bridge.
func WriteTopic(bridgeID string) string {
	return "vbus/bridge/" + bridgeID + "/write"
}

// Inject writes hex-encoded VBus messages upstream and returns how many
// it wrote. The payload must decode to one or more complete, valid
// messages with nothing left over; anything else is rejected whole.
func (h *Hub) Inject(payload string) (int, error) {
	b, err := hex.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: payload is not hex: %w", ErrInvalidInject, err)
	}
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrInvalidInject)
	}
	count := 0
	for rest := b; len(rest) > 0; count++ {
		if rest[0] != vbus.SyncByte {
			return 0, fmt.Errorf("%w: expected sync byte, got 0x%02X", ErrInvalidInject, rest[0])
		}
		p, n, err := vbus.DecodeNext(rest)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidInject, err)
		}
		h.logDebug("injecting message", "packet", p.String())
		rest = rest[n:]
	}
	if err := h.WriteUpstream(b); err != nil {
		return 0, err
	}
	return count, nil
}

// InjectHandler returns an MQTT message handler feeding Inject.
func (h *Hub) InjectHandler() func(topic string, payload []byte) error {
	return func(_ string, payload []byte) error {
		_, err := h.Inject(string(payload))
		return err
	}
}
