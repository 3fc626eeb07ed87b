// Package bloom implements the LevelDB bloom filter policy.
//
// A filter is a bit array followed by one byte holding the number of
// probes k. All k probe positions are derived from a single 32 bit hash
// by repeatedly adding a rotated copy of it (double hashing).
package bloom

import "github.com/twlk9/ldb/coding"

const hashSeed = 0xbc9f1d34

// FilterPolicy builds and probes per-table filters.
type FilterPolicy interface {
	// Name is stored in the table's meta index. Changing the encoding
	// requires changing the name.
	Name() string

	// AppendFilter appends a filter summarising keys to dst.
	AppendFilter(dst []byte, keys [][]byte) []byte

	// MayContain must return true if key was in the set the filter was
	// built from. It may return true for other keys too.
	MayContain(filter, key []byte) bool
}

// Policy is a bloom filter policy with a fixed number of bits per key.
type Policy int

// NewPolicy returns a bloom policy using bitsPerKey bits per key. 10 bits
// per key gives roughly a 1% false positive rate.
func NewPolicy(bitsPerKey int) Policy {
	return Policy(bitsPerKey)
}

func (p Policy) Name() string {
	return "leveldb.BuiltinBloomFilter2"
}

// probes is bitsPerKey * ln(2), clamped to [1, 30].
func (p Policy) probes() int {
	k := int(float64(p) * 0.69)
	return min(max(k, 1), 30)
}

func (p Policy) AppendFilter(dst []byte, keys [][]byte) []byte {
	k := p.probes()

	bits := max(len(keys)*int(p), 64)
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	off := len(dst)
	dst = append(dst, make([]byte, nBytes)...)
	dst = append(dst, byte(k))
	array := dst[off : off+nBytes]

	for _, key := range keys {
		h := coding.Hash(key, hashSeed)
		delta := (h >> 17) | (h << 15)
		for range k {
			pos := h % uint32(bits)
			array[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	return dst
}

func (p Policy) MayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		// Too short to hold anything; fail open.
		return true
	}
	array := filter[:len(filter)-1]
	bits := uint32(len(array) * 8)

	k := int(filter[len(filter)-1])
	if k > 30 {
		// Reserved for potentially new encodings of short filters.
		return true
	}

	h := coding.Hash(key, hashSeed)
	delta := (h >> 17) | (h << 15)
	for range k {
		pos := h % bits
		if array[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
