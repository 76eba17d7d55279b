package vbus

import (
	"encoding/binary"
	"fmt"
	"time"
)

// SyncByte marks the start of every VBus message.
const SyncByte byte = 0xAA

// Protocol version tags.
const (
	VersionPacket   byte = 0x10
	VersionDatagram byte = 0x20
	VersionTelegram byte = 0x30
)

// Well-known bus addresses.
const (
	// AddressBroadcast is the destination used by controllers offering the bus.
	AddressBroadcast uint16 = 0x0000

	// AddressMonitor is the destination of a controller's cyclic live data.
	AddressMonitor uint16 = 0x0010

	// AddressComputer is the conventional source address of a PC tool.
	AddressComputer uint16 = 0x0020
)

// Version 1.0 packet commands.
const (
	CommandData uint16 = 0x0100
)

// Version 2.0 datagram commands. Value access commands carry the value
// subindex in their low byte.
const (
	CommandValue                     uint16 = 0x0100
	CommandSetValue                  uint16 = 0x0200
	CommandGetValue                  uint16 = 0x0300
	CommandOfferBus                  uint16 = 0x0500
	CommandReleaseBus                uint16 = 0x0600
	CommandGetValueIDHash            uint16 = 0x1000
	CommandValueIDHash               uint16 = 0x1001
	CommandGetValueIndex             uint16 = 0x1100
	CommandValueIndex                uint16 = 0x1101
	CommandGetCaps1                  uint16 = 0x1300
	CommandCaps1                     uint16 = 0x1301
	CommandBeginBulkTransaction      uint16 = 0x1400
	CommandBulkTransactionBegun      uint16 = 0x1401
	CommandCommitBulkTransaction     uint16 = 0x1402
	CommandBulkTransactionCommitted  uint16 = 0x1403
	CommandRollbackBulkTransaction   uint16 = 0x1404
	CommandBulkTransactionRolledBack uint16 = 0x1405
	CommandSetBulkValue              uint16 = 0x1500
	CommandBulkValueSet              uint16 = 0x1600
)

// datagramPayloadLength is the decoded payload size of a version 2.0 datagram.
const datagramPayloadLength = 6

// Packet is a logical VBus message assembled from one or more frames.
type Packet struct {
	// Destination is the addressed device (0x0010 for cyclic live data).
	Destination uint16

	// Source is the sending device.
	Source uint16

	// Version is the protocol version byte as seen on the wire.
	Version byte

	// Command is the command code. Version 3.0 telegrams only use the low byte.
	Command uint16

	// Payload is the decoded (septet-restored) payload.
	Payload []byte

	// Channel identifies the bus connection the packet was received on.
	// It is not part of the wire format.
	Channel uint8

	// Timestamp records when the packet was assembled. Zero for packets
	// decoded with DecodeNext.
	Timestamp time.Time
}

// MajorVersion returns the version tag with the minor nibble cleared.
func (p Packet) MajorVersion() byte {
	return p.Version & 0xF0
}

// IsDatagram reports whether p is a version 2.0 datagram.
func (p Packet) IsDatagram() bool {
	return p.MajorVersion() == VersionDatagram
}

// IsPacket reports whether p is a version 1.0 packet.
func (p Packet) IsPacket() bool {
	return p.MajorVersion() == VersionPacket
}

// Param16 returns the 16-bit datagram parameter (usually a value index).
// It returns zero for packets of other versions.
func (p Packet) Param16() uint16 {
	if !p.IsDatagram() || len(p.Payload) < datagramPayloadLength {
		return 0
	}
	return binary.LittleEndian.Uint16(p.Payload[0:2])
}

// Param32 returns the 32-bit datagram parameter (usually a value).
// It returns zero for packets of other versions.
func (p Packet) Param32() int32 {
	if !p.IsDatagram() || len(p.Payload) < datagramPayloadLength {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(p.Payload[2:6])) //nolint:gosec // two's complement on the wire
}

// ID returns a stable identifier for the packet's logical stream, e.g.
// "00_0010_7721_10_0100".
func (p Packet) ID() string {
	return fmt.Sprintf("%02X_%04X_%04X_%02X_%04X", p.Channel, p.Destination, p.Source, p.MajorVersion(), p.Command)
}

// String returns a compact human-readable description for logging.
func (p Packet) String() string {
	if p.IsDatagram() {
		return fmt.Sprintf("datagram %04X->%04X cmd=0x%04X p16=0x%04X p32=%d",
			p.Source, p.Destination, p.Command, p.Param16(), p.Param32())
	}
	return fmt.Sprintf("v%X %04X->%04X cmd=0x%04X len=%d",
		p.MajorVersion()>>4, p.Source, p.Destination, p.Command, len(p.Payload)) //nolint:mnd // nibble shift
}

// Clone returns a deep copy of p.
func (p Packet) Clone() Packet {
	c := p
	if p.Payload != nil {
		c.Payload = append([]byte(nil), p.Payload...)
	}
	return c
}

// NewDatagram builds a version 2.0 datagram.
//
// Parameters:
//   - dst, src: Destination and source addresses
//   - command: Datagram command (e.g. CommandGetValue|subindex)
//   - param16: 16-bit parameter, usually a value index
//   - param32: 32-bit parameter, usually a raw value
func NewDatagram(dst, src, command, param16 uint16, param32 int32) Packet {
	payload := make([]byte, datagramPayloadLength)
	binary.LittleEndian.PutUint16(payload[0:2], param16)
	binary.LittleEndian.PutUint32(payload[2:6], uint32(param32)) //nolint:gosec // two's complement on the wire
	return Packet{
		Destination: dst,
		Source:      src,
		Version:     VersionDatagram,
		Command:     command,
		Payload:     payload,
	}
}
