package vbus

import (
	"bytes"
	"fmt"
)

// frameOverhead is the septet byte plus the checksum byte of a payload frame.
const frameOverhead = 2

// Frame is one checksummed payload unit following a message header.
type Frame struct {
	// Data holds the septet-restored data bytes.
	Data []byte

	// Checksum is the trailing checksum byte as received.
	Checksum byte
}

// Encode serialises p into its wire representation.
//
// Parameters:
//   - p: Packet to encode. Channel and Timestamp are ignored.
//
// Returns:
//   - []byte: Wire bytes starting with the sync byte
//   - error: ErrEncodingFailed if p cannot be represented
func Encode(p Packet) ([]byte, error) {
	d, ok := LookupDialect(p.Version)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported protocol version 0x%02X", ErrEncodingFailed, p.Version)
	}
	hdr, frames, err := d.EncodeHeader(p)
	if err != nil {
		return nil, err
	}
	if hasHighBit(hdr[1:]) {
		return nil, fmt.Errorf("%w: header field has bit 7 set (dst=0x%04X src=0x%04X cmd=0x%04X)",
			ErrEncodingFailed, p.Destination, p.Source, p.Command)
	}

	fdl := d.FrameDataLength()
	out := make([]byte, 0, len(hdr)+frames*(fdl+frameOverhead))
	out = append(out, hdr...)
	for i := range frames {
		out = appendFrame(out, d, p.Payload[i*fdl:(i+1)*fdl])
	}
	return out, nil
}

// appendFrame appends a septet-encoded payload frame for data to dst.
func appendFrame(dst []byte, d Dialect, data []byte) []byte {
	start := len(dst)
	dst = append(dst, data...)
	septet := InjectSeptet(dst[start:])
	dst = append(dst, septet)
	return append(dst, d.Checksum(dst[start:]))
}

// readHeader decodes the header at the start of b, which must begin with
// the sync byte.
//
// Returns ErrIncomplete if more bytes are needed, ErrFraming or ErrChecksum
// if the header is invalid.
func readHeader(b []byte) (Dialect, Packet, int, error) {
	if len(b) < minHeaderPrefix {
		if hasHighBit(b[1:]) {
			return nil, Packet{}, 0, fmt.Errorf("%w: unexpected sync byte in header", ErrFraming)
		}
		return nil, Packet{}, 0, ErrIncomplete
	}
	if hasHighBit(b[1:minHeaderPrefix]) {
		return nil, Packet{}, 0, fmt.Errorf("%w: unexpected sync byte in header", ErrFraming)
	}
	d, ok := LookupDialect(b[offsetVersion])
	if !ok {
		return nil, Packet{}, 0, fmt.Errorf("%w: unsupported protocol version 0x%02X", ErrFraming, b[offsetVersion])
	}

	hl := d.HeaderLength()
	avail := min(len(b), hl)
	if hasHighBit(b[1:avail]) {
		return nil, Packet{}, 0, fmt.Errorf("%w: unexpected sync byte in header", ErrFraming)
	}
	if len(b) < hl {
		return nil, Packet{}, 0, ErrIncomplete
	}
	if sum := d.Checksum(b[1 : hl-1]); sum != b[hl-1] {
		return nil, Packet{}, 0, fmt.Errorf("%w: header checksum 0x%02X, want 0x%02X", ErrChecksum, b[hl-1], sum)
	}
	p, frames, err := d.DecodeHeader(b[:hl])
	if err != nil {
		return nil, Packet{}, 0, fmt.Errorf("%w: %w", ErrFraming, err)
	}
	return d, p, frames, nil
}

// readFrame decodes one payload frame from b, which must hold at least
// FrameDataLength()+2 bytes.
func readFrame(d Dialect, b []byte) (Frame, error) {
	fdl := d.FrameDataLength()
	raw := b[:fdl+frameOverhead]
	if hasHighBit(raw) {
		return Frame{}, fmt.Errorf("%w: unexpected sync byte in payload frame", ErrFraming)
	}
	if sum := d.Checksum(raw[:fdl+1]); sum != raw[fdl+1] {
		return Frame{}, fmt.Errorf("%w: frame checksum 0x%02X, want 0x%02X", ErrChecksum, raw[fdl+1], sum)
	}
	return Frame{
		Data:     ExtractSeptet(raw[:fdl], raw[fdl]),
		Checksum: raw[fdl+1],
	}, nil
}

// DecodeNext decodes the first complete message in buf.
//
// Bytes preceding the first sync byte are skipped. The returned count tells
// the caller how many bytes of buf to discard:
//   - on success, everything up to the end of the decoded message
//   - on ErrIncomplete, the skipped garbage before the sync byte
//   - on ErrChecksum or ErrFraming, the garbage plus exactly one byte (the
//     failed sync byte), so the next call rescans from the next sync marker
//
// Parameters:
//   - buf: Raw bytes received from the bus
//
// Returns:
//   - Packet: The decoded packet (Timestamp and Channel are zero)
//   - int: Number of bytes consumed
//   - error: ErrIncomplete, ErrChecksum or ErrFraming
func DecodeNext(buf []byte) (Packet, int, error) {
	start := bytes.IndexByte(buf, SyncByte)
	if start < 0 {
		return Packet{}, len(buf), ErrIncomplete
	}
	b := buf[start:]

	d, p, frames, err := readHeader(b)
	if err != nil {
		if err == ErrIncomplete { //nolint:errorlint // sentinel returned unwrapped
			return Packet{}, start, err
		}
		return Packet{}, start + 1, err
	}

	offset := d.HeaderLength()
	fl := d.FrameDataLength() + frameOverhead
	if frames > 0 {
		p.Payload = make([]byte, 0, frames*d.FrameDataLength())
	}
	for range frames {
		if len(b) < offset+fl {
			if hasHighBit(b[offset:]) {
				return Packet{}, start + 1, fmt.Errorf("%w: unexpected sync byte in payload frame", ErrFraming)
			}
			return Packet{}, start, ErrIncomplete
		}
		f, err := readFrame(d, b[offset:])
		if err != nil {
			return Packet{}, start + 1, err
		}
		p.Payload = append(p.Payload, f.Data...)
		offset += fl
	}
	return p, start + offset, nil
}
