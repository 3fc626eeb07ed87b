// Package coding holds the byte level encodings shared by every on-disk
// format: little-endian fixed width integers, varints, length prefixed
// byte strings, masked CRC32C checksums and the filter hash.
package coding

import "encoding/binary"

const (
	// MaxVarintLen64 is the largest encoded size of a 64 bit varint.
	MaxVarintLen64 = binary.MaxVarintLen64

	// MaxVarintLen32 is the largest encoded size of a 32 bit varint.
	MaxVarintLen32 = 5
)

// AppendFixed32 appends v as 4 little-endian bytes.
func AppendFixed32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// AppendFixed64 appends v as 8 little-endian bytes.
func AppendFixed64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

// PutFixed32 writes v into the first 4 bytes of b.
func PutFixed32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// PutFixed64 writes v into the first 8 bytes of b.
func PutFixed64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// Fixed32 decodes 4 little-endian bytes.
func Fixed32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// Fixed64 decodes 8 little-endian bytes.
func Fixed64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// AppendUvarint appends the varint encoding of v. Seven bits per byte,
// high bit set on every byte but the last.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// Uvarint decodes a varint from the front of b. n is the number of bytes
// consumed; n <= 0 means the input was truncated or overflowed 64 bits.
func Uvarint(b []byte) (v uint64, n int) {
	return binary.Uvarint(b)
}

// Uvarint32 is Uvarint restricted to values that fit in 32 bits.
func Uvarint32(b []byte) (uint32, int) {
	v, n := binary.Uvarint(b)
	if n <= 0 || n > MaxVarintLen32 || v > 0xffffffff {
		return 0, -1
	}
	return uint32(v), n
}

// UvarintLen returns the number of bytes AppendUvarint uses for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixed appends a varint length followed by s.
func AppendLengthPrefixed(dst, s []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// LengthPrefixed decodes a length prefixed byte string from the front
// of b. The returned slice aliases b.
func LengthPrefixed(b []byte) (s, rest []byte, ok bool) {
	l, n := Uvarint32(b)
	if n <= 0 || uint64(len(b)-n) < uint64(l) {
		return nil, b, false
	}
	end := n + int(l)
	return b[n:end], b[end:], true
}
