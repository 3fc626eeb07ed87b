package keys

import "bytes"

// Comparator is a total order over user keys. Its Name is recorded in
// the MANIFEST and must match on every open.
type Comparator interface {
	Compare(a, b []byte) int
	Name() string

	// Separator appends to dst a short key s with a <= s < b.
	Separator(dst, a, b []byte) []byte

	// Successor appends to dst a short key s with s >= a.
	Successor(dst, a []byte) []byte
}

// Bytewise orders keys lexicographically by unsigned byte value.
var Bytewise Comparator = bytewise{}

type bytewise struct{}

func (bytewise) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (bytewise) Name() string { return "leveldb.BytewiseComparator" }

func (bytewise) Separator(dst, a, b []byte) []byte {
	n := sharedPrefixLen(a, b)
	if n >= len(a) || n >= len(b) {
		// One key is a prefix of the other; no shortening possible.
		return append(dst, a...)
	}
	c := a[n]
	if c < 0xff && c+1 < b[n] {
		dst = append(dst, a[:n+1]...)
		dst[len(dst)-1]++
		return dst
	}
	return append(dst, a...)
}

func (bytewise) Successor(dst, a []byte) []byte {
	for i, c := range a {
		if c != 0xff {
			dst = append(dst, a[:i+1]...)
			dst[len(dst)-1]++
			return dst
		}
	}
	return append(dst, a...)
}

func sharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// InternalComparator orders internal keys: ascending user key under the
// configured user comparator, then descending trailer so that newer
// entries for the same user key come first.
type InternalComparator struct {
	user Comparator
}

// NewInternalComparator wraps a user comparator. nil means Bytewise.
func NewInternalComparator(user Comparator) *InternalComparator {
	if user == nil {
		user = Bytewise
	}
	return &InternalComparator{user: user}
}

// User returns the wrapped user comparator.
func (c *InternalComparator) User() Comparator {
	return c.user
}

func (c *InternalComparator) Name() string {
	return "leveldb.InternalKeyComparator"
}

// Compare orders two encoded internal keys.
func (c *InternalComparator) Compare(a, b []byte) int {
	ea, eb := EncodedKey(a), EncodedKey(b)
	if r := c.user.Compare(ea.UserKey(), eb.UserKey()); r != 0 {
		return r
	}
	return compareTrailers(ea.Trailer(), eb.Trailer())
}

// Separator shortens the user portion of a when it stays below b.
func (c *InternalComparator) Separator(dst, a, b []byte) []byte {
	ua, ub := EncodedKey(a).UserKey(), EncodedKey(b).UserKey()
	tmp := c.user.Separator(nil, ua, ub)
	if len(tmp) < len(ua) && c.user.Compare(ua, tmp) < 0 {
		return AppendEncodedKey(dst, tmp, MaxSequenceNumber, KindSeek)
	}
	return append(dst, a...)
}

// Successor shortens the user portion of a to some larger key.
func (c *InternalComparator) Successor(dst, a []byte) []byte {
	ua := EncodedKey(a).UserKey()
	tmp := c.user.Successor(nil, ua)
	if len(tmp) < len(ua) && c.user.Compare(ua, tmp) < 0 {
		return AppendEncodedKey(dst, tmp, MaxSequenceNumber, KindSeek)
	}
	return append(dst, a...)
}
