package vbus

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"time"
)

// AssemblerState is the position of an Assembler within the current message.
type AssemblerState int

// Assembler states.
const (
	// StateSearching scans for the next sync byte.
	StateSearching AssemblerState = iota

	// StateHeaderRead has a validated header and knows the frame count.
	StateHeaderRead

	// StatePayloadAccumulating is collecting payload frames.
	StatePayloadAccumulating
)

// String returns the state name.
func (s AssemblerState) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateHeaderRead:
		return "header_read"
	case StatePayloadAccumulating:
		return "payload_accumulating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FramingEvent describes a discarded partial message.
type FramingEvent struct {
	// Err is ErrChecksum or ErrFraming, wrapped with details.
	Err error

	// State is the assembler state at the time of the violation.
	State AssemblerState

	// Frames is the number of payload frames accepted before the violation.
	Frames int

	// Time is when the violation was detected.
	Time time.Time
}

// AssemblerStats holds assembler counters.
type AssemblerStats struct {
	BytesIn        uint64
	Packets        uint64
	FramingErrors  uint64
	ChecksumErrors uint64
}

// Assembler turns an arbitrarily chunked byte stream into Packets.
//
// Frames are validated as they arrive; a frame that has been accepted is
// never examined again. Any violation discards the partial message, reports
// a FramingEvent and resumes scanning one byte after the failed sync byte,
// so corruption never affects more than the message it hit.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	channel uint8
	buf     []byte

	state   AssemblerState
	dialect Dialect
	pending Packet
	frames  int // declared payload frame count
	counter int // payload frames accepted so far
	offset  int // bytes of buf belonging to the current message

	onFraming func(FramingEvent)
	now       func() time.Time
	stats     AssemblerStats
}

// NewAssembler creates an Assembler stamping packets with channel.
func NewAssembler(channel uint8) *Assembler {
	return &Assembler{
		channel: channel,
		now:     time.Now,
	}
}

// SetFramingHandler installs fn to be called for every discarded message.
// fn runs synchronously on the goroutine driving the assembler.
func (a *Assembler) SetFramingHandler(fn func(FramingEvent)) {
	a.onFraming = fn
}

// State returns the current state.
func (a *Assembler) State() AssemblerState {
	return a.state
}

// Stats returns a copy of the counters.
func (a *Assembler) Stats() AssemblerStats {
	return a.stats
}

// Buffered returns the number of bytes held but not yet consumed.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Extend appends received bytes.
func (a *Assembler) Extend(b []byte) {
	a.stats.BytesIn += uint64(len(b))
	a.buf = append(a.buf, b...)
}

// Reset drops all buffered bytes and any partial message.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.restart()
}

// Next returns the next complete Packet and the raw bytes it was decoded
// from. ok is false when more bytes are needed; calling Next again after
// Extend continues where it left off.
func (a *Assembler) Next() (Packet, []byte, bool) {
	for {
		switch a.state {
		case StateSearching:
			i := bytes.IndexByte(a.buf, SyncByte)
			if i < 0 {
				a.discard(len(a.buf))
				return Packet{}, nil, false
			}
			a.discard(i)

			d, p, frames, err := readHeader(a.buf)
			if errors.Is(err, ErrIncomplete) {
				return Packet{}, nil, false
			}
			if err != nil {
				a.resync(err)
				continue
			}
			a.dialect = d
			a.pending = p
			a.frames = frames
			a.counter = 0
			a.offset = d.HeaderLength()
			a.state = StateHeaderRead

		case StateHeaderRead:
			if a.frames == 0 {
				return a.complete()
			}
			a.pending.Payload = make([]byte, 0, a.frames*a.dialect.FrameDataLength())
			a.state = StatePayloadAccumulating

		case StatePayloadAccumulating:
			fl := a.dialect.FrameDataLength() + frameOverhead
			if len(a.buf) < a.offset+fl {
				if hasHighBit(a.buf[a.offset:]) {
					a.resync(fmt.Errorf("%w: sync byte inside frame %d of %d", ErrFraming, a.counter+1, a.frames))
					continue
				}
				return Packet{}, nil, false
			}
			f, err := readFrame(a.dialect, a.buf[a.offset:])
			if err != nil {
				a.resync(fmt.Errorf("frame %d of %d: %w", a.counter+1, a.frames, err))
				continue
			}
			a.pending.Payload = append(a.pending.Payload, f.Data...)
			a.counter++
			a.offset += fl
			if a.counter == a.frames {
				return a.complete()
			}
		}
	}
}

// All returns an iterator over the Packets currently decodable from the
// buffer. It stops when more bytes are needed and may be called again after
// Extend.
func (a *Assembler) All() iter.Seq2[Packet, []byte] {
	return func(yield func(Packet, []byte) bool) {
		for {
			p, raw, ok := a.Next()
			if !ok || !yield(p, raw) {
				return
			}
		}
	}
}

// complete emits the pending packet and consumes its bytes.
func (a *Assembler) complete() (Packet, []byte, bool) {
	raw := make([]byte, a.offset)
	copy(raw, a.buf[:a.offset])
	p := a.pending
	p.Channel = a.channel
	p.Timestamp = a.now()

	a.discard(a.offset)
	a.restart()
	a.stats.Packets++
	return p, raw, true
}

// resync discards the partial message and the sync byte it started with.
func (a *Assembler) resync(err error) {
	if errors.Is(err, ErrChecksum) {
		a.stats.ChecksumErrors++
	}
	a.stats.FramingErrors++
	if a.onFraming != nil {
		a.onFraming(FramingEvent{Err: err, State: a.state, Frames: a.counter, Time: a.now()})
	}
	a.discard(1)
	a.restart()
}

func (a *Assembler) restart() {
	a.state = StateSearching
	a.dialect = nil
	a.pending = Packet{}
	a.frames = 0
	a.counter = 0
	a.offset = 0
}

// discard drops the first n buffered bytes.
func (a *Assembler) discard(n int) {
	if n <= 0 {
		return
	}
	if n >= len(a.buf) {
		a.buf = a.buf[:0]
		return
	}
	a.buf = append(a.buf[:0], a.buf[n:]...)
}
