package vbus

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Header layout shared by every protocol version.
const (
	offsetDestination = 1
	offsetSource      = 3
	offsetVersion     = 5
	offsetCommand     = 6

	// minHeaderPrefix is the number of bytes needed to select a Dialect.
	minHeaderPrefix = offsetVersion + 1

	// maxHeaderLength bounds the header length of any registered dialect.
	maxHeaderLength = 32
)

// Dialect encodes and decodes the header of one protocol version and
// describes the payload frames that follow it.
//
// The header always starts with the sync byte and ends with a checksum over
// the bytes in between. Payload frames consist of FrameDataLength data bytes,
// a septet byte and a checksum byte.
type Dialect interface {
	// Version returns the major version tag (high nibble only).
	Version() byte

	// HeaderLength returns the wire length of the header including the sync
	// byte and the checksum.
	HeaderLength() int

	// FrameDataLength returns the decoded byte count of one payload frame.
	FrameDataLength() int

	// Checksum computes a frame checksum.
	Checksum(b []byte) byte

	// DecodeHeader decodes a complete, checksum-validated header. It returns
	// the packet skeleton and the number of payload frames that follow.
	DecodeHeader(hdr []byte) (Packet, int, error)

	// EncodeHeader encodes the header for p, including sync byte and
	// checksum, and returns the number of payload frames to follow.
	EncodeHeader(p Packet) ([]byte, int, error)
}

var (
	dialectsMu sync.RWMutex
	dialects   = map[byte]Dialect{
		VersionPacket:   packetDialect{},
		VersionDatagram: datagramDialect{},
		VersionTelegram: telegramDialect{},
	}
)

// RegisterDialect installs d for its major version, replacing any existing
// dialect for that version.
func RegisterDialect(d Dialect) error {
	if d == nil {
		return fmt.Errorf("%w: nil dialect", ErrEncodingFailed)
	}
	if d.HeaderLength() < minHeaderPrefix+1 || d.HeaderLength() > maxHeaderLength {
		return fmt.Errorf("%w: header length %d out of range", ErrEncodingFailed, d.HeaderLength())
	}
	dialectsMu.Lock()
	dialects[d.Version()&0xF0] = d
	dialectsMu.Unlock()
	return nil
}

// LookupDialect returns the dialect registered for version's major nibble.
func LookupDialect(version byte) (Dialect, bool) {
	dialectsMu.RLock()
	d, ok := dialects[version&0xF0]
	dialectsMu.RUnlock()
	return d, ok
}

// putAddresses writes the common address/version prefix into hdr.
func putAddresses(hdr []byte, p Packet) {
	hdr[0] = SyncByte
	binary.LittleEndian.PutUint16(hdr[offsetDestination:], p.Destination)
	binary.LittleEndian.PutUint16(hdr[offsetSource:], p.Source)
	hdr[offsetVersion] = p.Version
}

// skeleton decodes the common address/version prefix.
func skeleton(hdr []byte) Packet {
	return Packet{
		Destination: binary.LittleEndian.Uint16(hdr[offsetDestination:]),
		Source:      binary.LittleEndian.Uint16(hdr[offsetSource:]),
		Version:     hdr[offsetVersion],
	}
}

// packetDialect is protocol version 1.0: a 10 byte header announcing up to
// 255 frames of 4 bytes each.
type packetDialect struct{}

func (packetDialect) Version() byte          { return VersionPacket }
func (packetDialect) HeaderLength() int      { return 10 } //nolint:mnd // v1.0 header
func (packetDialect) FrameDataLength() int   { return 4 }  //nolint:mnd // v1.0 frame
func (packetDialect) Checksum(b []byte) byte { return ChecksumV0(b) }

func (packetDialect) DecodeHeader(hdr []byte) (Packet, int, error) {
	p := skeleton(hdr)
	p.Command = binary.LittleEndian.Uint16(hdr[offsetCommand:])
	return p, int(hdr[8]), nil
}

func (d packetDialect) EncodeHeader(p Packet) ([]byte, int, error) {
	fdl := d.FrameDataLength()
	if len(p.Payload)%fdl != 0 {
		return nil, 0, fmt.Errorf("%w: payload length %d is not a multiple of %d", ErrEncodingFailed, len(p.Payload), fdl)
	}
	frames := len(p.Payload) / fdl
	if frames > 0xFF {
		return nil, 0, fmt.Errorf("%w: %d frames exceed 255", ErrEncodingFailed, frames)
	}
	hdr := make([]byte, d.HeaderLength())
	putAddresses(hdr, p)
	binary.LittleEndian.PutUint16(hdr[offsetCommand:], p.Command)
	hdr[8] = byte(frames)
	hdr[9] = d.Checksum(hdr[1:9])
	return hdr, frames, nil
}

// datagramDialect is protocol version 2.0: a single 16 byte frame carrying
// a 16-bit and a 32-bit parameter.
type datagramDialect struct{}

func (datagramDialect) Version() byte          { return VersionDatagram }
func (datagramDialect) HeaderLength() int      { return 16 } //nolint:mnd // v2.0 datagram
func (datagramDialect) FrameDataLength() int   { return 0 }
func (datagramDialect) Checksum(b []byte) byte { return ChecksumV0(b) }

func (datagramDialect) DecodeHeader(hdr []byte) (Packet, int, error) {
	p := skeleton(hdr)
	p.Command = binary.LittleEndian.Uint16(hdr[offsetCommand:])
	p.Payload = ExtractSeptet(hdr[8:14], hdr[14])
	return p, 0, nil
}

func (d datagramDialect) EncodeHeader(p Packet) ([]byte, int, error) {
	if len(p.Payload) != datagramPayloadLength {
		return nil, 0, fmt.Errorf("%w: datagram payload must be %d bytes, got %d", ErrEncodingFailed, datagramPayloadLength, len(p.Payload))
	}
	hdr := make([]byte, d.HeaderLength())
	putAddresses(hdr, p)
	binary.LittleEndian.PutUint16(hdr[offsetCommand:], p.Command)
	copy(hdr[8:14], p.Payload)
	hdr[14] = InjectSeptet(hdr[8:14])
	hdr[15] = d.Checksum(hdr[1:15])
	return hdr, 0, nil
}

// telegramDialect is protocol version 3.0: an 8 byte header whose command
// byte also encodes the number of 7 byte frames (bits 5 and 6).
type telegramDialect struct{}

func (telegramDialect) Version() byte          { return VersionTelegram }
func (telegramDialect) HeaderLength() int      { return 8 } //nolint:mnd // v3.0 header
func (telegramDialect) FrameDataLength() int   { return 7 } //nolint:mnd // v3.0 frame
func (telegramDialect) Checksum(b []byte) byte { return ChecksumV0(b) }

func (telegramDialect) DecodeHeader(hdr []byte) (Packet, int, error) {
	p := skeleton(hdr)
	p.Command = uint16(hdr[offsetCommand])
	return p, telegramFrameCount(hdr[offsetCommand]), nil
}

func (d telegramDialect) EncodeHeader(p Packet) ([]byte, int, error) {
	if p.Command > 0x7F {
		return nil, 0, fmt.Errorf("%w: telegram command 0x%X exceeds 7 bits", ErrEncodingFailed, p.Command)
	}
	frames := telegramFrameCount(byte(p.Command))
	if len(p.Payload) != frames*d.FrameDataLength() {
		return nil, 0, fmt.Errorf("%w: telegram command 0x%02X needs %d payload bytes, got %d",
			ErrEncodingFailed, p.Command, frames*d.FrameDataLength(), len(p.Payload))
	}
	hdr := make([]byte, d.HeaderLength())
	putAddresses(hdr, p)
	hdr[offsetCommand] = byte(p.Command)
	hdr[7] = d.Checksum(hdr[1:7])
	return hdr, frames, nil
}

func telegramFrameCount(command byte) int {
	return int(command>>5) & 0x03 //nolint:mnd // bits 5-6 of the command
}
