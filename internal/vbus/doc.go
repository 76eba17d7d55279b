// Package vbus implements the RESOL VBus wire protocol used by solar and
// heating controllers.
//
// It provides the frame codec (sync byte, septet encoding, checksums), the
// incremental stream assembler that turns a raw byte stream into Packets,
// and helpers for building the request datagrams used to read and write
// controller parameters.
//
// # Wire Format
//
// Every message starts with the sync byte 0xAA. All other bytes on the wire
// have their most significant bit cleared, so a sync byte can never appear
// inside a message. Payload bytes are split into 7-bit values and a
// trailing "septet" byte that carries the stripped high bits:
//
//	AA | dst(2) | src(2) | ver | command ... | chk
//	   |  data(n) | septet | chk |             (payload frames, version 1.0 and 3.0)
//
// The checksum of a frame covers every byte after the sync byte (or every
// byte of the payload frame) and is (0x7F - sum) & 0x7F.
//
// # Protocol Versions
//
// The major nibble of the version byte selects a Dialect:
//
//   - 0x10 Packet: 16-bit command, header frame plus N frames of 4 bytes
//   - 0x20 Datagram: 16-bit command, single frame with param16 and param32
//   - 0x30 Telegram: 8-bit command, header frame plus up to 3 frames of 7 bytes
//
// Further dialects can be added with RegisterDialect.
//
// # Usage
//
//	asm := vbus.NewAssembler(0)
//	asm.Extend(chunk)
//	for p, raw := range asm.All() {
//	    fmt.Println(p, len(raw))
//	}
//
// # Thread Safety
//
// Packets and the codec functions are safe for concurrent use. An Assembler
// must be driven by a single goroutine.
package vbus
