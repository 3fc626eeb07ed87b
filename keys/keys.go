package keys

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// UserKey represents a user-provided key (raw bytes without sequence/kind)
type UserKey []byte

// Compare compares two user keys bytewise
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare([]byte(uk), []byte(other))
}

// String returns the string representation of the user key
func (uk UserKey) String() string {
	return string(uk)
}

var (
	// ErrCorruption is returned when data corruption is detected
	ErrCorruption = errors.New("corruption")

	// ErrInvalidArgument is returned for malformed keys, options or
	// mismatched comparators
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind represents the type of a key-value operation. It is the low
// byte of the 8 byte trailer of every internal key.
type Kind uint8

const (
	// KindDelete indicates a delete operation (tombstone)
	KindDelete Kind = 0

	// KindSet indicates a set operation
	KindSet Kind = 1

	// KindSeek is used when building a key to seek to a particular
	// sequence number. It must be the highest-numbered kind so that,
	// for equal sequence numbers, the seek key sorts before every real
	// entry.
	KindSeek = KindSet

	// KeyFootLen is the length of the trailer appended to the user
	// key: 56 bits of sequence and 8 bits of Kind.
	KeyFootLen = 8

	// MaxSequenceNumber is the maximum possible sequence number
	MaxSequenceNumber = (uint64(1) << 56) - 1
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "DEL"
	case KindSet:
		return "SET"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Range is a user key range. Start is inclusive, Limit is exclusive; a
// nil bound is unbounded.
type Range struct {
	Start UserKey
	Limit UserKey
}

// IsValidUserKey checks if a user key is valid.
// Must be non-empty and not too big (we don't want massive keys).
func IsValidUserKey(key UserKey) bool {
	return len(key) > 0 && len(key) <= 1024*1024 // Max 1MB key size
}

// IsValidValue checks if a value is valid.  Values can be empty but
// not too big (1GB limit).
func IsValidValue(value []byte) bool {
	return len(value) <= 1024*1024*1024 // Max 1GB value size
}

// MakeTrailer packs a sequence number and kind into the trailer word.
func MakeTrailer(seq uint64, kind Kind) uint64 {
	return (seq << 8) | uint64(kind)
}

// EncodedKey is an internal key: the user key followed by the little
// endian trailer (seq<<8 | kind).
type EncodedKey []byte

// NewEncodedKey builds an internal key in a fresh buffer.
func NewEncodedKey(key []byte, seq uint64, kind Kind) EncodedKey {
	return AppendEncodedKey(make([]byte, 0, len(key)+KeyFootLen), key, seq, kind)
}

// AppendEncodedKey appends the internal key for (key, seq, kind) to dst.
func AppendEncodedKey(dst, key []byte, seq uint64, kind Kind) EncodedKey {
	dst = append(dst, key...)
	return binary.LittleEndian.AppendUint64(dst, MakeTrailer(seq, kind))
}

// NewQueryKey creates a new internal key with MaxSequenceNum and
// KindSeek set already. It sorts before every entry for userKey.
func NewQueryKey(userKey []byte) EncodedKey {
	return NewEncodedKey(userKey, MaxSequenceNumber, KindSeek)
}

// NewLookupKey builds the key used to find the newest entry for userKey
// that is visible at seq.
func NewLookupKey(userKey []byte, seq uint64) EncodedKey {
	return NewEncodedKey(userKey, seq, KindSeek)
}

// Parse splits an internal key into its parts.
func Parse(b []byte) (UserKey, uint64, Kind, error) {
	if len(b) < KeyFootLen {
		return nil, 0, 0, fmt.Errorf("%w: internal key too short (%d bytes)", ErrInvalidArgument, len(b))
	}
	n := len(b) - KeyFootLen
	t := binary.LittleEndian.Uint64(b[n:])
	kind := Kind(t & 0xff)
	if kind > KindSet {
		return nil, 0, 0, fmt.Errorf("%w: unknown key kind %d", ErrCorruption, kind)
	}
	return UserKey(b[:n]), t >> 8, kind, nil
}

// Valid reports whether the key has a full trailer and a known kind.
func (ek EncodedKey) Valid() bool {
	_, _, _, err := Parse(ek)
	return err == nil
}

func (ek EncodedKey) UserKey() UserKey {
	return UserKey(ek[:len(ek)-KeyFootLen])
}

// Trailer returns the packed (seq<<8 | kind) word.
func (ek EncodedKey) Trailer() uint64 {
	return binary.LittleEndian.Uint64(ek[len(ek)-KeyFootLen:])
}

func (ek EncodedKey) Seq() uint64 {
	return ek.Trailer() >> 8
}

func (ek EncodedKey) Kind() Kind {
	return Kind(ek.Trailer() & 0xff)
}

// Compare orders keys bytewise by user key, then by trailer descending.
// Use InternalComparator when a custom user comparator is configured.
func (ek EncodedKey) Compare(o EncodedKey) int {
	if c := bytes.Compare(ek.UserKey(), o.UserKey()); c != 0 {
		return c
	}
	return compareTrailers(ek.Trailer(), o.Trailer())
}

func (ek EncodedKey) String() string {
	if !ek.Valid() {
		return fmt.Sprintf("(bad)%x", []byte(ek))
	}
	return fmt.Sprintf("%q@%d:%s", []byte(ek.UserKey()), ek.Seq(), ek.Kind())
}

func compareTrailers(a, b uint64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
