package vbus

// ChecksumFunc computes the checksum byte for the given frame bytes.
type ChecksumFunc func(b []byte) byte

// ChecksumV0 is the additive 7-bit checksum used by every known VBus
// protocol version.
func ChecksumV0(b []byte) byte {
	crc := byte(0x7F)
	for _, v := range b {
		crc = (crc - v) & 0x7F
	}
	return crc
}

// InjectSeptet strips the high bit of every byte in data (in place) and
// returns the septet byte carrying those bits. Bit i of the septet holds
// the high bit of data[i].
func InjectSeptet(data []byte) byte {
	var septet byte
	for i, b := range data {
		if b&0x80 != 0 {
			data[i] = b & 0x7F
			septet |= 1 << uint(i) //nolint:gosec // i < 7
		}
	}
	return septet
}

// ExtractSeptet restores the high bits stored in septet into a copy of data.
func ExtractSeptet(data []byte, septet byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		if septet&(1<<uint(i)) != 0 { //nolint:gosec // i < 7
			b |= 0x80
		}
		out[i] = b
	}
	return out
}

// hasHighBit reports whether any byte in b has its most significant bit set.
func hasHighBit(b []byte) bool {
	for _, v := range b {
		if v&0x80 != 0 {
			return true
		}
	}
	return false
}
