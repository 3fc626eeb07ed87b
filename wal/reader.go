package wal

import (
	"fmt"
	"io"

	"github.com/twlk9/ldb/bufferpool"
	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/keys"
)

// CorruptionError describes a damaged region of the log. It wraps
// keys.ErrCorruption.
type CorruptionError struct {
	Dropped int
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: %s (%d bytes dropped)", e.Reason, e.Dropped)
}

func (e *CorruptionError) Unwrap() error {
	return keys.ErrCorruption
}

// Reporter is told about every corrupt region the reader skips.
type Reporter func(dropped int, err error)

// Reader reads records written by Writer.
type Reader struct {
	r        io.Reader
	reporter Reporter
	checksum bool

	buf []byte
	pos int
	end int
	eof bool

	record []byte
}

// NewReader reads log records from r. When checksum is set every chunk
// is verified.
func NewReader(r io.Reader, reporter Reporter, checksum bool) *Reader {
	return &Reader{
		r:        r,
		reporter: reporter,
		checksum: checksum,
		buf:      bufferpool.GetBuffer(BlockSize),
	}
}

// ReadRecord returns the next record. The slice is only valid until the
// next call. At a clean end of log it returns io.EOF; a record cut short
// by a crash returns io.ErrUnexpectedEOF; damaged chunks return a
// *CorruptionError.
func (r *Reader) ReadRecord() ([]byte, error) {
	r.record = r.record[:0]
	inFragment := false

	for {
		typ, payload, err := r.readChunk()
		if err != nil {
			if err == io.EOF && inFragment {
				// Writer died after writing part of a record.
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		switch typ {
		case fullType:
			if inFragment {
				return nil, r.corrupt(len(r.record), "partial record without end")
			}
			return payload, nil

		case firstType:
			if inFragment {
				return nil, r.corrupt(len(r.record), "partial record without end")
			}
			r.record = append(r.record, payload...)
			inFragment = true

		case middleType:
			if !inFragment {
				return nil, r.corrupt(len(payload), "missing start of fragmented record")
			}
			r.record = append(r.record, payload...)

		case lastType:
			if !inFragment {
				return nil, r.corrupt(len(payload), "missing start of fragmented record")
			}
			r.record = append(r.record, payload...)
			return r.record, nil

		default:
			dropped := len(payload)
			if inFragment {
				dropped += len(r.record)
			}
			return nil, r.corrupt(dropped, fmt.Sprintf("unknown record type %d", typ))
		}
	}
}

// Close returns the block buffer to the pool.
func (r *Reader) Close() error {
	if r.buf != nil {
		bufferpool.PutBuffer(r.buf)
		r.buf = nil
	}
	return nil
}

func (r *Reader) corrupt(dropped int, reason string) error {
	err := &CorruptionError{Dropped: dropped, Reason: reason}
	if r.reporter != nil {
		r.reporter(dropped, err)
	}
	return err
}

func (r *Reader) readChunk() (recordType, []byte, error) {
	for {
		if r.end-r.pos < HeaderSize {
			if !r.eof {
				// Whatever is left is block trailer padding.
				n, err := io.ReadFull(r.r, r.buf[:BlockSize])
				r.pos, r.end = 0, n
				switch err {
				case nil:
				case io.EOF, io.ErrUnexpectedEOF:
					r.eof = true
				default:
					return 0, nil, err
				}
				continue
			}
			if r.end > r.pos {
				// Truncated header at the end of the file.
				r.pos = r.end
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, io.EOF
		}

		hdr := r.buf[r.pos:r.end]
		length := int(hdr[4]) | int(hdr[5])<<8
		typ := recordType(hdr[6])

		if HeaderSize+length > len(hdr) {
			dropped := len(hdr)
			r.pos = r.end
			if r.eof {
				// Payload cut off by a crash mid write.
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, r.corrupt(dropped, "bad record length")
		}

		if typ == zeroType && length == 0 {
			// Preallocated space; nothing more in this block.
			r.pos = r.end
			continue
		}

		if r.checksum {
			want := coding.UnmaskCRC(coding.Fixed32(hdr[0:4]))
			got := coding.CRC(hdr[6 : HeaderSize+length])
			if got != want {
				// The length itself may be corrupt, so drop the rest of
				// the block rather than trusting it.
				dropped := len(hdr)
				r.pos = r.end
				return 0, nil, r.corrupt(dropped, "checksum mismatch")
			}
		}

		r.pos += HeaderSize + length
		return typ, hdr[HeaderSize : HeaderSize+length], nil
	}
}
