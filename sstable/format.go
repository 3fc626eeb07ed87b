package sstable

import (
	"fmt"

	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/keys"
)

const (
	// BlockSize is the default uncompressed data block target
	BlockSize = 4 * 1024

	// RestartInterval is how often data blocks store a full key
	RestartInterval = 16

	// BlockTrailerSize is the compression type byte plus a masked crc32c
	BlockTrailerSize = 5

	// BlockHandleMaxSize is two maximal varints
	BlockHandleMaxSize = 2 * coding.MaxVarintLen64

	// FooterSize is two padded block handles and the magic number
	FooterSize = 2*BlockHandleMaxSize + 8

	// TableMagic ends every table file
	TableMagic uint64 = 0xdb4775248b80fb57

	filterMetaPrefix = "filter."
)

// BlockHandle points at a block inside a table file. Size excludes the
// block trailer.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// AppendTo appends the varint encoding of h.
func (h BlockHandle) AppendTo(dst []byte) []byte {
	dst = coding.AppendUvarint(dst, h.Offset)
	return coding.AppendUvarint(dst, h.Size)
}

// DecodeBlockHandle parses a handle and returns the bytes it used.
func DecodeBlockHandle(b []byte) (BlockHandle, int, error) {
	offset, n := coding.Uvarint(b)
	if n <= 0 {
		return BlockHandle{}, 0, fmt.Errorf("%w: bad block handle", keys.ErrCorruption)
	}
	size, m := coding.Uvarint(b[n:])
	if m <= 0 {
		return BlockHandle{}, 0, fmt.Errorf("%w: bad block handle", keys.ErrCorruption)
	}
	return BlockHandle{Offset: offset, Size: size}, n + m, nil
}

// Footer is the fixed size tail of a table file.
type Footer struct {
	MetaIndex BlockHandle
	Index     BlockHandle
}

// Encode returns the FooterSize byte encoding.
func (f Footer) Encode() []byte {
	buf := make([]byte, 0, FooterSize)
	buf = f.MetaIndex.AppendTo(buf)
	buf = f.Index.AppendTo(buf)
	buf = buf[:2*BlockHandleMaxSize] // zero padding
	return coding.AppendFixed64(buf, TableMagic)
}

// DecodeFooter parses the last FooterSize bytes of a table.
func DecodeFooter(b []byte) (Footer, error) {
	if len(b) != FooterSize {
		return Footer{}, fmt.Errorf("%w: footer is %d bytes", keys.ErrCorruption, len(b))
	}
	if magic := coding.Fixed64(b[FooterSize-8:]); magic != TableMagic {
		return Footer{}, fmt.Errorf("%w: not an sstable (bad magic number %#x)", keys.ErrCorruption, magic)
	}
	var f Footer
	meta, n, err := DecodeBlockHandle(b)
	if err != nil {
		return Footer{}, err
	}
	index, _, err := DecodeBlockHandle(b[n:])
	if err != nil {
		return Footer{}, err
	}
	f.MetaIndex, f.Index = meta, index
	return f, nil
}

// blockChecksum covers the block contents and the compression byte.
func blockChecksum(data []byte, typ byte) uint32 {
	return coding.MaskCRC(coding.ExtendCRC(coding.CRC(data), []byte{typ}))
}
