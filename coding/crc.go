package coding

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// CRC returns the CRC32C (Castagnoli) of b.
func CRC(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// ExtendCRC continues a CRC32C over more data.
func ExtendCRC(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, castagnoli, b)
}

// MaskCRC scrambles a checksum before it is stored. Computing the CRC of a
// string that itself contains embedded CRCs is problematic, so stored
// checksums are always masked.
func MaskCRC(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// UnmaskCRC undoes MaskCRC.
func UnmaskCRC(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}
