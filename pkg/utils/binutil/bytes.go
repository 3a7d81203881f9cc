package binutil

import "math"

// Register payloads arrive as big-endian 16-bit words. The 32-bit helpers
// below are named after the byte order of the four bytes A B C D as they
// appear on the wire.

// ParseUint16BigEndian AB
func ParseUint16BigEndian(buf []byte) uint16 {
	return uint16(buf[0])<<8 | uint16(buf[1])
}

// ParseUint16LittleEndian BA
func ParseUint16LittleEndian(buf []byte) uint16 {
	return uint16(buf[1])<<8 | uint16(buf[0])
}

// ParseUint32BigEndian ABCD
func ParseUint32BigEndian(buf []byte) uint32 {
	return uint32(buf[0])<<24 |
		uint32(buf[1])<<16 |
		uint32(buf[2])<<8 |
		uint32(buf[3])
}

// ParseUint32BigEndianByteSwap BADC
func ParseUint32BigEndianByteSwap(buf []byte) uint32 {
	return uint32(buf[1])<<24 |
		uint32(buf[0])<<16 |
		uint32(buf[3])<<8 |
		uint32(buf[2])
}

// ParseUint32LittleEndian DCBA
func ParseUint32LittleEndian(buf []byte) uint32 {
	return uint32(buf[3])<<24 |
		uint32(buf[2])<<16 |
		uint32(buf[1])<<8 |
		uint32(buf[0])
}

// ParseUint32LittleEndianByteSwap CDAB
func ParseUint32LittleEndianByteSwap(buf []byte) uint32 {
	return uint32(buf[2])<<24 |
		uint32(buf[3])<<16 |
		uint32(buf[0])<<8 |
		uint32(buf[1])
}

func Float32FromBits(v uint32) float32 {
	return math.Float32frombits(v)
}

// WriteUint16 big-endian
func WriteUint16(buf []byte, value uint16) {
	buf[0] = byte(value >> 8)
	buf[1] = byte(value)
}

// WriteUint16LittleEndian is used for the RTU checksum, which travels low byte first.
func WriteUint16LittleEndian(buf []byte, value uint16) {
	buf[0] = byte(value)
	buf[1] = byte(value >> 8)
}

// WriteUint32 big-endian
func WriteUint32(buf []byte, value uint32) {
	buf[0] = byte(value >> 24)
	buf[1] = byte(value >> 16)
	buf[2] = byte(value >> 8)
	buf[3] = byte(value)
}

func Dup(buf []byte) []byte {
	b := make([]byte, len(buf))
	copy(b, buf)
	return b
}
